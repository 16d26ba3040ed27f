package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nupi-ai/pxp-agent/internal/fileutil"
	"github.com/nupi-ai/pxp-agent/internal/procutil"
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/schema"
	"github.com/nupi-ai/pxp-agent/internal/validate"
)

// Built-in status module identifiers.
const (
	StatusModuleName  = "status"
	StatusQueryAction = "query"
)

// Job states reported by the status module.
const (
	JobCompleted = "completed"
	JobRunning   = "running"
	JobUnknown   = "unknown"
)

// StatusResults is the result of a status query.
type StatusResults struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exitcode,omitempty"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
}

type statusInput struct {
	TransactionID string `json:"transaction_id"`
}

// Status is the built-in module reporting on non-blocking jobs from the
// files they leave in the spool directory.
type Status struct {
	spoolDir string

	inputValidator   *schema.Validator
	resultsValidator *schema.Validator

	logger *slog.Logger
}

// NewStatus returns the status module for jobs spooled under spoolDir.
func NewStatus(spoolDir string, logger *slog.Logger) *Status {
	if logger == nil {
		logger = slog.Default()
	}

	input := schema.New(StatusQueryAction)
	input.AddConstraint("transaction_id", schema.String, true)

	results := schema.New(StatusQueryAction)
	results.AddConstraint("transaction_id", schema.String, true)
	results.AddConstraint("status", schema.String, true)
	results.AddConstraint("exitcode", schema.Int, false)
	results.AddConstraint("stdout", schema.String, false)
	results.AddConstraint("stderr", schema.String, false)

	m := &Status{
		spoolDir:         spoolDir,
		inputValidator:   schema.NewValidator(),
		resultsValidator: schema.NewValidator(),
		logger:           logger.With("component", "status_module"),
	}
	if err := m.inputValidator.RegisterSchema(input); err != nil {
		panic(err)
	}
	if err := m.resultsValidator.RegisterSchema(results); err != nil {
		panic(err)
	}
	return m
}

func (m *Status) Name() string { return StatusModuleName }

func (m *Status) Actions() []string { return []string{StatusQueryAction} }

func (m *Status) HasAction(action string) bool { return action == StatusQueryAction }

func (m *Status) ValidateInput(action string, params json.RawMessage) error {
	return m.inputValidator.Validate(params, action)
}

func (m *Status) ValidateResults(action string, results json.RawMessage) error {
	return m.resultsValidator.Validate(results, action)
}

// CallAction answers a status query. The query itself always completes
// synchronously; for non-blocking requests the results directory is not used.
func (m *Status) CallAction(_ context.Context, req *protocol.ActionRequest) (*ActionOutcome, error) {
	if req.Action != StatusQueryAction {
		return nil, &ProcessingError{Msg: fmt.Sprintf("unknown action '%s' for module %s", req.Action, StatusModuleName)}
	}

	var in statusInput
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return nil, &ProcessingError{Msg: fmt.Sprintf("invalid input of the %s: %v", req.PrettyLabel(), err)}
	}
	if !validate.Ident(in.TransactionID) {
		return nil, &ProcessingError{Msg: fmt.Sprintf("invalid transaction id '%s'", in.TransactionID)}
	}

	results, err := m.Query(in.TransactionID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(results)
	if err != nil {
		return nil, &ProcessingError{Msg: fmt.Sprintf("failed to encode the status of transaction %s: %v", in.TransactionID, err)}
	}
	return &ActionOutcome{Stdout: string(data), Results: data}, nil
}

// Query inspects the spool directory of the given transaction.
func (m *Status) Query(transactionID string) (*StatusResults, error) {
	dir := filepath.Join(m.spoolDir, transactionID)
	results := &StatusResults{TransactionID: transactionID, Status: JobUnknown}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		m.logger.Debug("No results directory for transaction", "transaction_id", transactionID, "path", dir)
		return results, nil
	}

	exitText, err := fileutil.Read(filepath.Join(dir, ExitCodeFile))
	switch {
	case err == nil:
		code, convErr := strconv.Atoi(strings.TrimSpace(exitText))
		if convErr != nil {
			return nil, &ProcessingError{Msg: fmt.Sprintf("invalid exit code file of transaction %s: %v", transactionID, convErr)}
		}
		results.Status = JobCompleted
		results.ExitCode = &code
		results.Stdout = readOptional(filepath.Join(dir, StdoutFile))
		results.Stderr = readOptional(filepath.Join(dir, StderrFile))
		return results, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, &ProcessingError{Msg: fmt.Sprintf("failed to read the exit code of transaction %s: %v", transactionID, err)}
	}

	pid, err := procutil.ReadPIDFile(filepath.Join(dir, PIDFile))
	if err != nil {
		m.logger.Debug("No usable pid file for transaction", "transaction_id", transactionID, "error", err)
		return results, nil
	}
	if procutil.IsProcessAlive(pid) {
		results.Status = JobRunning
	}
	return results, nil
}

func readOptional(path string) string {
	text, err := fileutil.Read(path)
	if err != nil {
		return ""
	}
	return text
}
