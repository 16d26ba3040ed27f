// Package modules loads agent modules and invokes their actions.
//
// External modules are executables implementing the metadata/action
// contract: "<module> metadata" prints the module's self-description and
// "<module> <action>" performs an action with its arguments on stdin.
package modules

import (
	"context"
	"encoding/json"

	"github.com/nupi-ai/pxp-agent/internal/protocol"
)

// ExitCodeFileError is the exit code a module uses in non-blocking mode to
// signal that it could not write its output files.
const ExitCodeFileError = 5

// ActionOutcome is the result of running an action. A nonzero ExitCode is
// a regular outcome, not an error.
type ActionOutcome struct {
	ExitCode int
	Stderr   string
	Stdout   string
	// Results is the parsed stdout; JSON null when stdout was empty.
	Results json.RawMessage
}

// Module is an action provider known to the agent.
type Module interface {
	Name() string
	Actions() []string
	HasAction(action string) bool
	ValidateInput(action string, params json.RawMessage) error
	ValidateResults(action string, results json.RawMessage) error
	CallAction(ctx context.Context, req *protocol.ActionRequest) (*ActionOutcome, error)
}
