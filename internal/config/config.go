// Package config defines the agent options, binds them to command-line
// flags and an optional configuration file, and validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nupi-ai/pxp-agent/internal/fileutil"
	"github.com/nupi-ai/pxp-agent/internal/logging"
	"github.com/nupi-ai/pxp-agent/internal/validate"
)

// Option names, shared by flags and configuration file keys.
const (
	KeyConfigFile        = "config-file"
	KeyBrokerURI         = "broker-ws-uri"
	KeyCACert            = "ssl-ca-cert"
	KeyCert              = "ssl-cert"
	KeyKey               = "ssl-key"
	KeyLogFile           = "logfile"
	KeyLogLevel          = "loglevel"
	KeyModulesDir        = "modules-dir"
	KeyModulesConfigDir  = "modules-config-dir"
	KeySpoolDir          = "spool-dir"
	KeyConnectionTimeout = "connection-timeout"
	KeyMaxConcurrentJobs = "max-concurrent-jobs"
	KeyMetricsAddr       = "metrics-addr"
	KeyPIDFile           = "pidfile"
)

// ClientType is the PCP client type of the agent.
const ClientType = "agent"

const (
	defaultLogFile           = "-"
	defaultLogLevel          = "info"
	defaultConnectionTimeout = 5 * time.Second
	defaultMaxConcurrentJobs = 16
)

var (
	// ErrUnconfigured indicates a required option is missing or unusable.
	ErrUnconfigured = errors.New("config: unconfigured")
	// ErrInvalid indicates a malformed configuration file or option value.
	ErrInvalid = errors.New("config: invalid configuration")
)

// Agent is the validated agent configuration.
type Agent struct {
	ConfigFile        string
	BrokerURI         string
	CACert            string
	Cert              string
	Key               string
	LogFile           string
	LogLevel          string
	ModulesDir        string
	ModulesConfigDir  string
	SpoolDir          string
	ConnectionTimeout time.Duration
	MaxConcurrentJobs int
	MetricsAddr       string
	PIDFile           string
	ClientType        string
}

// BindFlags defines the agent flags on flags and binds them into v. Flags
// set on the command line take precedence over the configuration file.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	paths := GetPaths()

	flags.String(KeyConfigFile, "", "configuration file (JSON or YAML), default: "+paths.ConfigFile)
	flags.String(KeyBrokerURI, "", "broker websocket URI (wss://)")
	flags.String(KeyCACert, "", "CA certificate")
	flags.String(KeyCert, "", "agent certificate")
	flags.String(KeyKey, "", "agent private key")
	flags.String(KeyLogFile, defaultLogFile, `log file, "-" for stdout`)
	flags.String(KeyLogLevel, defaultLogLevel, "log level: none, trace, debug, info, warning, error, fatal")
	flags.String(KeyModulesDir, paths.ModulesDir, "external modules directory")
	flags.String(KeyModulesConfigDir, paths.ModulesConfigDir, "module configuration files directory")
	flags.String(KeySpoolDir, paths.SpoolDir, "results directory of non-blocking actions")
	flags.Duration(KeyConnectionTimeout, defaultConnectionTimeout, "broker connection timeout")
	flags.Int(KeyMaxConcurrentJobs, defaultMaxConcurrentJobs, "maximum number of concurrent non-blocking actions")
	flags.String(KeyMetricsAddr, "", "address of the Prometheus metrics endpoint; empty disables it")
	flags.String(KeyPIDFile, paths.PIDFile, "PID file of the running agent; empty disables it")

	return v.BindPFlags(flags)
}

// Load reads the configuration file named by the config-file option, when
// it exists, and returns the resulting configuration. Unknown keys in the
// file are rejected.
func Load(v *viper.Viper) (*Agent, error) {
	configFile := v.GetString(KeyConfigFile)
	explicit := configFile != ""
	if !explicit {
		configFile = GetPaths().ConfigFile
	}
	configFile = fileutil.TildeExpand(configFile)

	if fileutil.Readable(configFile) {
		if err := mergeConfigFile(v, configFile); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("%w: cannot read config file %s", ErrInvalid, configFile)
	}

	return &Agent{
		ConfigFile:        configFile,
		BrokerURI:         v.GetString(KeyBrokerURI),
		CACert:            v.GetString(KeyCACert),
		Cert:              v.GetString(KeyCert),
		Key:               v.GetString(KeyKey),
		LogFile:           v.GetString(KeyLogFile),
		LogLevel:          v.GetString(KeyLogLevel),
		ModulesDir:        v.GetString(KeyModulesDir),
		ModulesConfigDir:  v.GetString(KeyModulesConfigDir),
		SpoolDir:          v.GetString(KeySpoolDir),
		ConnectionTimeout: v.GetDuration(KeyConnectionTimeout),
		MaxConcurrentJobs: v.GetInt(KeyMaxConcurrentJobs),
		MetricsAddr:       v.GetString(KeyMetricsAddr),
		PIDFile:           v.GetString(KeyPIDFile),
		ClientType:        ClientType,
	}, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	file := viper.New()
	file.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file.SetConfigType("yaml")
	default:
		file.SetConfigType("json")
	}
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: cannot parse config file %s: %v", ErrInvalid, path, err)
	}

	known := make(map[string]bool)
	for _, key := range knownKeys() {
		known[key] = true
	}
	keys := file.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		if !known[key] || key == KeyConfigFile {
			return fmt.Errorf("%w: field '%s' is not a valid configuration variable", ErrInvalid, key)
		}
	}
	if raw := file.Get(KeyConnectionTimeout); raw != nil {
		text, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a duration string such as \"5s\", got %v", ErrInvalid, KeyConnectionTimeout, raw)
		}
		if _, err := time.ParseDuration(text); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, KeyConnectionTimeout, err)
		}
	}
	return v.MergeConfigMap(file.AllSettings())
}

func knownKeys() []string {
	return []string{
		KeyConfigFile, KeyBrokerURI, KeyCACert, KeyCert, KeyKey, KeyLogFile,
		KeyLogLevel, KeyModulesDir, KeyModulesConfigDir, KeySpoolDir,
		KeyConnectionTimeout, KeyMaxConcurrentJobs, KeyMetricsAddr, KeyPIDFile,
	}
}

// Validate checks the required options and normalises paths.
func (a *Agent) Validate() error {
	if a.BrokerURI == "" {
		return fmt.Errorf("%w: broker-ws-uri value must be defined", ErrUnconfigured)
	}
	if err := validate.BrokerURI(a.BrokerURI); err != nil {
		return fmt.Errorf("%w: %v", ErrUnconfigured, err)
	}

	for _, opt := range []struct {
		name string
		path *string
	}{
		{KeyCACert, &a.CACert},
		{KeyCert, &a.Cert},
		{KeyKey, &a.Key},
	} {
		if *opt.path == "" {
			return fmt.Errorf("%w: %s value must be defined", ErrUnconfigured, opt.name)
		}
		*opt.path = fileutil.TildeExpand(*opt.path)
		if !fileutil.Readable(*opt.path) {
			return fmt.Errorf("%w: %s file not found", ErrUnconfigured, opt.name)
		}
	}

	if a.SpoolDir == "" {
		return fmt.Errorf("%w: spool-dir must be defined", ErrInvalid)
	}
	a.SpoolDir = fileutil.TildeExpand(a.SpoolDir)
	info, err := os.Stat(a.SpoolDir)
	switch {
	case err != nil:
		return fmt.Errorf("%w: spool-dir does not exist", ErrInvalid)
	case !info.IsDir():
		return fmt.Errorf("%w: --spool-dir '%s' is not a directory", ErrInvalid, a.SpoolDir)
	}

	a.ModulesDir = fileutil.TildeExpand(a.ModulesDir)
	a.ModulesConfigDir = fileutil.TildeExpand(a.ModulesConfigDir)
	a.PIDFile = fileutil.TildeExpand(a.PIDFile)
	if a.LogFile != "-" {
		a.LogFile = fileutil.TildeExpand(a.LogFile)
	}
	if _, err := logging.ParseLevel(a.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if a.ConnectionTimeout <= 0 {
		return fmt.Errorf("%w: connection-timeout must be positive", ErrInvalid)
	}
	if a.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("%w: max-concurrent-jobs must be positive", ErrInvalid)
	}
	return nil
}
