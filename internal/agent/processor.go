// Package agent connects the broker transport to the module registry: it
// validates action requests, runs them and replies through the PXP
// connector.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/pxp-agent/internal/modules"
	"github.com/nupi-ai/pxp-agent/internal/observability"
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/pxp"
	"github.com/nupi-ai/pxp-agent/internal/sanitize"
	"github.com/nupi-ai/pxp-agent/internal/schema"
	"github.com/nupi-ai/pxp-agent/internal/validate"
)

const spoolDirPerm = 0o750

// Metrics receives the processor's measurements.
type Metrics interface {
	RequestReceived(requestType string)
	ActionCompleted(module, action, outcome string, elapsed time.Duration)
	ModulesLoaded(n int)
	ModuleLoadFailed()
}

type noopMetrics struct{}

func (noopMetrics) RequestReceived(string)                                {}
func (noopMetrics) ActionCompleted(string, string, string, time.Duration) {}
func (noopMetrics) ModulesLoaded(int)                                     {}
func (noopMetrics) ModuleLoadFailed()                                     {}

// ProcessorOptions configures a RequestProcessor.
type ProcessorOptions struct {
	ModulesDir        string
	ModulesConfigDir  string
	SpoolDir          string
	MaxConcurrentJobs int
	Metrics           Metrics
	Logger            *slog.Logger
}

// RequestProcessor handles blocking and non-blocking action requests.
type RequestProcessor struct {
	registry         *modules.Registry
	connector        *pxp.Connector
	requestValidator *schema.Validator
	spoolDir         string
	jobs             *errgroup.Group
	metrics          Metrics
	logger           *slog.Logger
}

// NewRequestProcessor loads the modules and returns a processor replying
// through connector. Modules that fail to load are logged and skipped.
func NewRequestProcessor(ctx context.Context, connector *pxp.Connector, opts ProcessorOptions) *RequestProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	jobs := new(errgroup.Group)
	if opts.MaxConcurrentJobs > 0 {
		jobs.SetLimit(opts.MaxConcurrentJobs)
	}

	p := &RequestProcessor{
		registry:         modules.NewRegistry(logger),
		connector:        connector,
		requestValidator: pxp.NewRequestValidator(),
		spoolDir:         opts.SpoolDir,
		jobs:             jobs,
		metrics:          metrics,
		logger:           logger.With("component", "request_processor"),
	}

	if err := p.registry.Register(modules.NewStatus(opts.SpoolDir, logger)); err != nil {
		p.logger.Error("Failed to register the status module", "error", err)
	}
	if opts.ModulesDir != "" {
		_, failures := p.registry.LoadDirectory(ctx, opts.ModulesDir, opts.ModulesConfigDir)
		for range failures {
			metrics.ModuleLoadFailed()
		}
	}
	metrics.ModulesLoaded(p.registry.Len())
	p.logger.Info("Modules loaded", "modules", p.registry.Names())
	return p
}

// Registry returns the modules available for dispatch.
func (p *RequestProcessor) Registry() *modules.Registry { return p.registry }

// HandleBlocking processes an rpc_blocking_request message.
func (p *RequestProcessor) HandleBlocking(ctx context.Context, chunks protocol.ParsedChunks) {
	p.ProcessRequest(ctx, protocol.Blocking, chunks)
}

// HandleNonBlocking processes an rpc_non_blocking_request message.
func (p *RequestProcessor) HandleNonBlocking(ctx context.Context, chunks protocol.ParsedChunks) {
	p.ProcessRequest(ctx, protocol.NonBlocking, chunks)
}

// ProcessRequest validates one request and runs it. Blocking requests are
// answered before returning; non-blocking requests are acknowledged with a
// provisional response and scheduled on the job pool.
func (p *RequestProcessor) ProcessRequest(ctx context.Context, t protocol.RequestType, chunks protocol.ParsedChunks) {
	p.metrics.RequestReceived(t.String())
	env := chunks.Envelope

	messageType := protocol.BlockingRequestType
	if t == protocol.NonBlocking {
		messageType = protocol.NonBlockingRequestType
	}
	if err := p.requestValidator.Validate(chunks.Data, messageType); err != nil {
		p.logger.Warn("Invalid request data", "id", env.ID, "sender", env.Sender, "error", err)
		p.connector.SendPCPError(ctx, env.ID, fmt.Sprintf("Message not in the expected format: %v", err), []string{env.Sender})
		return
	}
	req, err := protocol.NewActionRequest(t, chunks)
	if err != nil {
		p.logger.Warn("Invalid request", "id", env.ID, "sender", env.Sender, "error", err)
		p.connector.SendPCPError(ctx, env.ID, err.Error(), []string{env.Sender})
		return
	}
	p.logger.Info("Processing request", "request", req.PrettyLabel(), "id", req.ID, "sender", req.Sender)

	module, err := p.lookup(req)
	if err != nil {
		p.logger.Warn("Rejecting request", "request", req.PrettyLabel(), "error", err)
		p.connector.SendPXPError(ctx, req, err.Error())
		return
	}

	if t == protocol.Blocking {
		p.run(ctx, module, req)
		return
	}

	resultsDir, err := p.prepareResultsDir(req)
	if err != nil {
		p.logger.Error("Failed to prepare the results directory", "request", req.PrettyLabel(), "error", err)
		p.connector.SendPXPError(ctx, req, err.Error())
		return
	}
	req.ResultsDir = resultsDir

	p.connector.SendProvisionalResponse(ctx, req)
	p.jobs.Go(func() error {
		p.run(ctx, module, req)
		return nil
	})
}

// Wait blocks until every scheduled non-blocking job has finished.
func (p *RequestProcessor) Wait() {
	_ = p.jobs.Wait()
}

func (p *RequestProcessor) lookup(req *protocol.ActionRequest) (modules.Module, error) {
	module, ok := p.registry.Get(req.Module)
	if !ok {
		return nil, fmt.Errorf("unknown module: %s", req.Module)
	}
	if !module.HasAction(req.Action) {
		return nil, fmt.Errorf("unknown action '%s' for module '%s'", req.Action, req.Module)
	}
	if err := module.ValidateInput(req.Action, req.Params); err != nil {
		return nil, fmt.Errorf("invalid input for '%s %s': %v", req.Module, req.Action, err)
	}
	return module, nil
}

func (p *RequestProcessor) prepareResultsDir(req *protocol.ActionRequest) (string, error) {
	if !validate.Ident(req.TransactionID) {
		return "", fmt.Errorf("invalid transaction id '%s'", req.TransactionID)
	}
	dir := filepath.Join(p.spoolDir, req.TransactionID)
	if err := os.Mkdir(dir, spoolDirPerm); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("duplicate transaction %s: results directory already exists", req.TransactionID)
		}
		return "", fmt.Errorf("failed to create the results directory for transaction %s: %v", req.TransactionID, err)
	}
	return dir, nil
}

// run executes the action and sends the response the outcome calls for.
func (p *RequestProcessor) run(ctx context.Context, module modules.Module, req *protocol.ActionRequest) {
	start := time.Now()
	outcome, err := module.CallAction(ctx, req)
	elapsed := time.Since(start)

	label := req.PrettyLabel()
	var description string
	switch {
	case err != nil:
		p.logger.Error("Failed to process request", "request", label, "error", err)
		p.metrics.ActionCompleted(req.Module, req.Action, observability.OutcomeError, elapsed)
		p.connector.SendPXPError(ctx, req, err.Error())
		return
	case outcome.ExitCode != 0:
		stderr := " (empty)"
		if outcome.Stderr != "" {
			stderr = "\n" + sanitize.Output(outcome.Stderr)
		}
		description = fmt.Sprintf("The task executed for the %s returned exit code %d - stderr:%s", label, outcome.ExitCode, stderr)
	default:
		if err := module.ValidateResults(req.Action, outcome.Results); err != nil {
			description = fmt.Sprintf("The task executed for the %s returned invalid results: %v", label, err)
		}
	}
	if description != "" {
		p.logger.Warn("Action failed", "request", label, "exit_code", outcome.ExitCode)
		p.metrics.ActionCompleted(req.Module, req.Action, observability.OutcomeFailure, elapsed)
		p.connector.SendPXPError(ctx, req, description)
		return
	}

	p.metrics.ActionCompleted(req.Module, req.Action, observability.OutcomeSuccess, elapsed)
	p.logger.Info("Action completed", "request", label, "duration", elapsed)
	if req.Type == protocol.Blocking {
		p.connector.SendBlockingResponse(ctx, req, outcome.Results)
		return
	}
	if !req.NotifyOutcome {
		p.logger.Debug("Not sending the outcome of the request", "request", label)
		return
	}
	p.connector.SendNonBlockingResponse(ctx, req, outcome.Results, req.TransactionID)
}
