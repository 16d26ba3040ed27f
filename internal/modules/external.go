package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nupi-ai/pxp-agent/internal/execution"
	"github.com/nupi-ai/pxp-agent/internal/fileutil"
	"github.com/nupi-ai/pxp-agent/internal/logging"
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/schema"
)

const (
	metadataConfigurationEntry = "configuration"
	metadataActionsEntry       = "actions"
)

// Names of the files a non-blocking job leaves in its results directory.
const (
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
	ExitCodeFile = "exitcode"
	PIDFile      = "pid"
)

// External is a module backed by an executable. It is immutable once
// loaded and safe for concurrent use.
type External struct {
	name    string
	path    string
	config  json.RawMessage
	actions []string

	configValidator  *schema.Validator
	inputValidator   *schema.Validator
	resultsValidator *schema.Validator

	logger *slog.Logger
}

// Option customises LoadExternal.
type Option func(*External)

// WithLogger sets the logger used by the module.
func WithLogger(logger *slog.Logger) Option {
	return func(m *External) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type metadataDocument struct {
	Description   string            `json:"description"`
	Configuration json.RawMessage   `json:"configuration,omitempty"`
	Actions       []json.RawMessage `json:"actions"`
}

type actionMetadata struct {
	Name    *string         `json:"name"`
	Input   json.RawMessage `json:"input"`
	Results json.RawMessage `json:"results"`
}

// LoadExternal interrogates the executable at path for its metadata and
// registers its configuration and action schemas. config is the module's
// configuration document; nil or empty means none.
func LoadExternal(ctx context.Context, path string, config json.RawMessage, opts ...Option) (*External, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := &External{
		name:             name,
		path:             path,
		config:           config,
		configValidator:  schema.NewValidator(),
		inputValidator:   schema.NewValidator(),
		resultsValidator: schema.NewValidator(),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "external_module", "module", name)

	metadata, err := m.metadata(ctx)
	if err != nil {
		return nil, err
	}

	if len(metadata.Configuration) > 0 && len(m.config) > 0 {
		if err := m.registerConfiguration(metadata.Configuration); err != nil {
			return nil, err
		}
	} else {
		m.logger.Debug("Found no configuration schema for module")
	}

	for _, raw := range metadata.Actions {
		if err := m.registerAction(raw); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Name returns the module name, the stem of the executable path.
func (m *External) Name() string { return m.name }

// Path returns the executable path.
func (m *External) Path() string { return m.path }

// Actions returns the action names in metadata order.
func (m *External) Actions() []string {
	return append([]string(nil), m.actions...)
}

// HasAction reports whether action was declared in the metadata.
func (m *External) HasAction(action string) bool {
	for _, a := range m.actions {
		if a == action {
			return true
		}
	}
	return false
}

// ValidateInput checks params against the action's input schema.
func (m *External) ValidateInput(action string, params json.RawMessage) error {
	return m.inputValidator.Validate(params, action)
}

// ValidateResults checks results against the action's results schema.
func (m *External) ValidateResults(action string, results json.RawMessage) error {
	return m.resultsValidator.Validate(results, action)
}

// InputValidator exposes the per-action input schemas.
func (m *External) InputValidator() *schema.Validator { return m.inputValidator }

// ResultsValidator exposes the per-action results schemas.
func (m *External) ResultsValidator() *schema.Validator { return m.resultsValidator }

// ValidateConfiguration checks the module configuration against the
// configuration schema from the metadata, when there is one.
func (m *External) ValidateConfiguration() error {
	if !m.configValidator.IncludesSchema(m.name) {
		m.logger.Debug("The configuration will not be validated; no JSON schema is available")
		return nil
	}
	return m.configValidator.Validate(m.config, m.name)
}

func (m *External) configEmpty() bool {
	trimmed := bytes.TrimSpace(m.config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return len(obj) == 0
	}
	return false
}

func (m *External) metadata(ctx context.Context) (*metadataDocument, error) {
	res := execution.Run(ctx, execution.Spec{
		Executable:       m.path,
		Args:             []string{"metadata"},
		MergeEnvironment: true,
	})
	if res.Err != nil {
		m.logger.Error("Failed to load the external module metadata", "path", m.path, "error", res.Err)
		return nil, &LoadingError{Msg: "failed to load external module metadata"}
	}

	raw := json.RawMessage(res.Stdout)
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &LoadingError{Msg: fmt.Sprintf("metadata is not in a valid JSON format: %v", err)}
	}
	m.logger.Debug("External module metadata is valid JSON")

	if err := schema.MetadataValidator().Validate(raw, schema.MetadataSchemaName); err != nil {
		return nil, &LoadingError{Msg: fmt.Sprintf("metadata validation failure: %v", err)}
	}
	m.logger.Debug("External module metadata validation OK")

	var doc metadataDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		m.logger.Error("Failed to retrieve metadata of module", "error", err)
		return nil, &LoadingError{Msg: "invalid metadata of module " + m.name}
	}
	return &doc, nil
}

func (m *External) registerConfiguration(raw json.RawMessage) error {
	s, err := schema.FromJSON(m.name, raw)
	if err == nil {
		m.logger.Debug("Registering module config schema")
		err = m.configValidator.RegisterSchema(s)
	}
	if err != nil {
		m.logger.Error("Failed to parse the configuration schema of module", "error", err)
		return &LoadingError{Msg: "invalid configuration schema of module " + m.name}
	}
	return nil
}

// registerAction registers the input and results schemas of one action
// entry; the action is only listed once both are registered.
func (m *External) registerAction(raw json.RawMessage) error {
	var action actionMetadata
	if err := json.Unmarshal(raw, &action); err != nil || action.Name == nil {
		m.logger.Error("Failed to retrieve action metadata", "error", err)
		return &LoadingError{Msg: "invalid metadata of module " + m.name}
	}
	name := *action.Name
	m.logger.Debug("Validating action", "action", name)

	if len(action.Input) == 0 || len(action.Results) == 0 {
		return &LoadingError{Msg: fmt.Sprintf("invalid metadata of '%s %s'", m.name, name)}
	}

	input, err := schema.FromJSON(name, action.Input)
	if err != nil {
		return m.invalidSchemas(name, err)
	}
	results, err := schema.FromJSON(name, action.Results)
	if err != nil {
		return m.invalidSchemas(name, err)
	}
	if err := m.inputValidator.RegisterSchema(input); err != nil {
		return m.invalidSchemas(name, err)
	}
	if err := m.resultsValidator.RegisterSchema(results); err != nil {
		return m.invalidSchemas(name, err)
	}

	m.logger.Debug("Action has been validated", "action", name)
	m.actions = append(m.actions, name)
	return nil
}

func (m *External) invalidSchemas(action string, err error) error {
	m.logger.Error("Failed to parse metadata schemas of action", "action", action, "error", err)
	return &LoadingError{Msg: fmt.Sprintf("invalid schemas of '%s %s'", m.name, action)}
}

// CallAction runs the requested action in blocking or non-blocking mode
// according to the request type.
func (m *External) CallAction(ctx context.Context, req *protocol.ActionRequest) (*ActionOutcome, error) {
	if req.Type == protocol.Blocking {
		return m.callBlocking(ctx, req)
	}
	if req.ResultsDir == "" {
		panic("modules: non-blocking request without results directory")
	}
	return m.callNonBlocking(ctx, req)
}

type outputFiles struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode string `json:"exitcode"`
}

type actionArguments struct {
	Input         json.RawMessage `json:"input"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	OutputFiles   *outputFiles    `json:"output_files,omitempty"`
}

// actionArguments builds the document written to the module's stdin.
func (m *External) actionArguments(req *protocol.ActionRequest) (string, error) {
	args := actionArguments{Input: req.Params}
	if len(args.Input) == 0 {
		args.Input = json.RawMessage("null")
	}
	if !m.configEmpty() {
		args.Configuration = m.config
	}
	if req.Type == protocol.NonBlocking {
		args.OutputFiles = &outputFiles{
			Stdout:   filepath.Join(req.ResultsDir, StdoutFile),
			Stderr:   filepath.Join(req.ResultsDir, StderrFile),
			ExitCode: filepath.Join(req.ResultsDir, ExitCodeFile),
		}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return "", &ProcessingError{Msg: fmt.Sprintf("failed to encode the arguments of the %s: %v", req.PrettyLabel(), err)}
	}
	return string(data), nil
}

func (m *External) callBlocking(ctx context.Context, req *protocol.ActionRequest) (*ActionOutcome, error) {
	input, err := m.actionArguments(req)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Executing action", "request", req.PrettyLabel())
	logging.Trace(m.logger, "Action input", "request", req.PrettyLabel(), "input", input)

	res := execution.Run(ctx, execution.Spec{
		Executable:       m.path,
		Args:             []string{req.Action},
		Stdin:            input,
		MergeEnvironment: true,
	})
	if res.Err != nil {
		m.logger.Error("Failed to execute the action", "request", req.PrettyLabel(), "error", res.Err)
	}
	return m.processOutcome(req, res.ExitCode, res.Stdout, res.Stderr)
}

func (m *External) callNonBlocking(ctx context.Context, req *protocol.ActionRequest) (*ActionOutcome, error) {
	input, err := m.actionArguments(req)
	if err != nil {
		return nil, err
	}
	outFile := filepath.Join(req.ResultsDir, StdoutFile)
	errFile := filepath.Join(req.ResultsDir, StderrFile)
	pidFile := filepath.Join(req.ResultsDir, PIDFile)

	m.logger.Info("Starting task; stdout and stderr will be stored in the results directory",
		"request", req.PrettyLabel(), "results_dir", req.ResultsDir)
	logging.Trace(m.logger, "Action input", "request", req.PrettyLabel(), "input", input)

	res := execution.Run(ctx, execution.Spec{
		Executable:       m.path,
		Args:             []string{req.Action},
		Stdin:            input,
		MergeEnvironment: true,
		PIDObserver: func(pid int) {
			if err := fileutil.AtomicWrite(pidFile, strconv.Itoa(pid)+"\n"); err != nil {
				m.logger.Error("Failed to write the pid file", "request", req.PrettyLabel(), "path", pidFile, "error", err)
			}
		},
	})
	if res.Err != nil {
		m.logger.Error("Failed to execute the task", "request", req.PrettyLabel(), "error", res.Err)
	}

	if res.ExitCode == ExitCodeFileError {
		m.logger.Warn("The task process failed to write output on file",
			"request", req.PrettyLabel(), "stdout", orEmpty(res.Stdout), "stderr", orEmpty(res.Stderr))
		return nil, &ProcessingError{Msg: "failed to write output on file"}
	}

	stdout, stderr, err := m.readNonBlockingOutcome(req, outFile, errFile)
	if err != nil {
		return nil, err
	}
	return m.processOutcome(req, res.ExitCode, stdout, stderr)
}

// readNonBlockingOutcome reads the output files of a finished task. A
// missing stdout file is equivalent to empty output.
func (m *External) readNonBlockingOutcome(req *protocol.ActionRequest, outFile, errFile string) (string, string, error) {
	var stdout, stderr string

	if fileutil.Exists(errFile) {
		text, err := fileutil.Read(errFile)
		if err != nil {
			m.logger.Error("Failed to read error file; will continue processing the output",
				"path", errFile, "request", req.PrettyLabel(), "error", err)
		} else {
			stderr = text
			logging.Trace(m.logger, "Successfully read error file", "path", errFile)
		}
	}

	text, err := fileutil.Read(outFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.logger.Debug("Output file does not exist", "path", outFile, "request", req.PrettyLabel())
	case err != nil:
		m.logger.Error("Failed to read output file", "path", outFile, "request", req.PrettyLabel(), "error", err)
		return "", "", &ProcessingError{Msg: "failed to read"}
	case text == "":
		logging.Trace(m.logger, "Output file is empty", "path", outFile)
	default:
		stdout = text
		logging.Trace(m.logger, "Successfully read output file", "path", outFile)
	}
	return stdout, stderr, nil
}

// processOutcome turns the output of a finished action into an outcome.
// Empty stdout stands for a JSON null result.
func (m *External) processOutcome(req *protocol.ActionRequest, exitCode int, stdout, stderr string) (*ActionOutcome, error) {
	label := req.PrettyLabel()
	if stdout == "" {
		logging.Trace(m.logger, "Obtained no results on stdout", "request", label)
	} else {
		logging.Trace(m.logger, "Results on stdout", "request", label, "stdout", stdout)
	}
	if exitCode != 0 {
		logging.Trace(m.logger, "Execution failure", "request", label, "exit_code", exitCode, "stderr", stderr)
	} else if stderr != "" {
		logging.Trace(m.logger, "Output on stderr", "request", label, "stderr", stderr)
	}

	text := stdout
	if text == "" {
		text = "null"
	}
	results := json.RawMessage(text)
	if json.Valid(results) {
		return &ActionOutcome{
			ExitCode: exitCode,
			Stderr:   stderr,
			Stdout:   stdout,
			Results:  results,
		}, nil
	}

	detail := " (empty)"
	if stderr != "" {
		detail = "\n" + stderr
	}
	// Whitespace-only output is reported as no output at all.
	if strings.TrimSpace(stdout) == "" {
		m.logger.Debug("Obtained no output on stdout", "request", label)
		return nil, &ProcessingError{Msg: fmt.Sprintf(
			"The task executed for the %s returned no output on stdout - stderr:%s", label, detail)}
	}
	m.logger.Debug("Obtained invalid JSON on stdout", "request", label, "stdout", stdout)
	return nil, &ProcessingError{Msg: fmt.Sprintf(
		"The task executed for the %s returned invalid JSON on stdout - stderr:%s", label, detail)}
}

func orEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}
