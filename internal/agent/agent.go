package agent

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/pxp-agent/internal/config"
	"github.com/nupi-ai/pxp-agent/internal/observability"
	"github.com/nupi-ai/pxp-agent/internal/pcp"
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/pxp"
)

// Agent is a running pxp-agent: the broker connection, the request
// processor and the optional metrics endpoint.
type Agent struct {
	cfg       *config.Agent
	client    *pcp.Client
	processor *RequestProcessor
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New loads the TLS material and the modules and wires the components.
// cfg must have been validated.
func New(ctx context.Context, cfg *config.Agent, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig, commonName, err := pcp.LoadTLS(logger, cfg.CACert, cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	client := pcp.New(pcp.Options{
		BrokerURI:         cfg.BrokerURI,
		CommonName:        commonName,
		ClientType:        cfg.ClientType,
		TLSConfig:         tlsConfig,
		ConnectionTimeout: cfg.ConnectionTimeout,
		Logger:            logger,
	})
	metrics := observability.NewMetrics()
	connector := pxp.NewConnector(client, pxp.WithObserver(metrics), pxp.WithLogger(logger))
	processor := NewRequestProcessor(ctx, connector, ProcessorOptions{
		ModulesDir:        cfg.ModulesDir,
		ModulesConfigDir:  cfg.ModulesConfigDir,
		SpoolDir:          cfg.SpoolDir,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Metrics:           metrics,
		Logger:            logger,
	})

	client.RegisterHandler(protocol.BlockingRequestType, processor.HandleBlocking)
	client.RegisterHandler(protocol.NonBlockingRequestType, processor.HandleNonBlocking)

	return &Agent{
		cfg:       cfg,
		client:    client,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With("component", "agent"),
	}, nil
}

// Identity is the agent's URI on the broker.
func (a *Agent) Identity() string { return a.client.Identity() }

// Run serves requests until ctx ends, then waits for running jobs.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.client.Run(gctx)
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, a.cfg.MetricsAddr, a.logger)
		})
	}

	a.logger.Info("Agent started", "identity", a.Identity(), "broker", a.cfg.BrokerURI)
	err := g.Wait()
	a.processor.Wait()
	a.client.Close()
	a.logger.Info("Agent stopped")
	return err
}
