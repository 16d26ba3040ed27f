// Package pxp emits the PXP responses of the agent over the broker transport.
package pxp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nupi-ai/pxp-agent/internal/protocol"
)

// DefaultTimeout bounds every response send.
const DefaultTimeout = 2 * time.Second

// Response kinds reported to the Observer.
const (
	KindPCPError    = "pcp_error"
	KindPXPError    = "pxp_error"
	KindBlocking    = "blocking"
	KindNonBlocking = "non_blocking"
	KindProvisional = "provisional"
)

// Transport delivers one message to the given endpoints. data is encoded as
// the message data; debug entries are attached as they are.
type Transport interface {
	Send(ctx context.Context, endpoints []string, messageType string, timeout time.Duration, data any, debug ...json.RawMessage) error
}

// Observer is notified of every response send attempt.
type Observer interface {
	ResponseSent(kind string, err error)
}

// Connector sends the response variants tied to a request's transaction
// and sender. Send failures are logged and never returned.
type Connector struct {
	transport Transport
	observer  Observer
	timeout   time.Duration
	logger    *slog.Logger
}

// Option customises NewConnector.
type Option func(*Connector)

// WithObserver registers an observer for response sends.
func WithObserver(o Observer) Option {
	return func(c *Connector) { c.observer = o }
}

// WithLogger sets the connector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnector returns a connector sending through transport.
func NewConnector(transport Transport, opts ...Option) *Connector {
	c := &Connector{
		transport: transport,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pxp_connector")
	return c
}

// SendPCPError reports a message that could not be processed at all, for
// instance because its data is malformed.
func (c *Connector) SendPCPError(ctx context.Context, requestID, description string, endpoints []string) {
	data := protocol.ErrorData{ID: requestID, Description: description}
	err := c.transport.Send(ctx, endpoints, protocol.ErrorMessageType, c.timeout, data)
	if err != nil {
		c.logger.Error("Failed to send PCP error message", "request_id", requestID, "error", err)
	} else {
		c.logger.Info("Replied to request with a PCP error message", "request_id", requestID)
	}
	c.observe(KindPCPError, err)
}

// SendPXPError reports the failure of an action request to its sender.
func (c *Connector) SendPXPError(ctx context.Context, req *protocol.ActionRequest, description string) {
	data := protocol.PXPErrorData{
		TransactionID: req.TransactionID,
		ID:            req.ID,
		Description:   description,
	}
	err := c.transport.Send(ctx, []string{req.Sender}, protocol.PXPErrorMessageType, c.timeout, data)
	if err != nil {
		c.logger.Error("Failed to send PXP error message", "request", req.PrettyLabel(), "error", err)
	} else {
		c.logger.Info("Replied to request with a PXP error message", "request", req.PrettyLabel())
	}
	c.observe(KindPXPError, err)
}

// SendBlockingResponse returns the results of a blocking request. The
// request's debug entries are echoed back.
func (c *Connector) SendBlockingResponse(ctx context.Context, req *protocol.ActionRequest, results json.RawMessage) {
	data := protocol.BlockingResponseData{
		TransactionID: req.TransactionID,
		Results:       orNull(results),
	}
	debug := c.WrapDebug(req.ParsedChunks)
	err := c.transport.Send(ctx, []string{req.Sender}, protocol.BlockingResponseType, c.timeout, data, debug...)
	if err != nil {
		c.logger.Error("Failed to reply to blocking request", "request", req.PrettyLabel(), "error", err)
	} else {
		c.logger.Info("Sent response for blocking request", "request", req.PrettyLabel())
	}
	c.observe(KindBlocking, err)
}

// SendNonBlockingResponse returns the results of a completed non-blocking
// job.
func (c *Connector) SendNonBlockingResponse(ctx context.Context, req *protocol.ActionRequest, results json.RawMessage, jobID string) {
	data := protocol.NonBlockingResponseData{
		TransactionID: req.TransactionID,
		JobID:         jobID,
		Results:       orNull(results),
	}
	err := c.transport.Send(ctx, []string{req.Sender}, protocol.NonBlockingResponseType, c.timeout, data)
	if err != nil {
		c.logger.Error("Failed to send non-blocking response", "request", req.PrettyLabel(), "error", err)
	} else {
		c.logger.Info("Sent response for non-blocking request", "request", req.PrettyLabel())
	}
	c.observe(KindNonBlocking, err)
}

// SendProvisionalResponse acknowledges a non-blocking request before its
// job runs. The request's debug entries are echoed back.
func (c *Connector) SendProvisionalResponse(ctx context.Context, req *protocol.ActionRequest) {
	data := protocol.ProvisionalResponseData{TransactionID: req.TransactionID}
	debug := c.WrapDebug(req.ParsedChunks)
	err := c.transport.Send(ctx, []string{req.Sender}, protocol.ProvisionalResponseType, c.timeout, data, debug...)
	if err != nil {
		c.logger.Error("Failed to send provisional response", "request", req.PrettyLabel(), "error", err)
	} else {
		c.logger.Info("Sent provisional response", "request", req.PrettyLabel())
	}
	c.observe(KindProvisional, err)
}

// WrapDebug returns the well-formed debug entries of a message in arrival
// order, warning about the malformed ones.
func (c *Connector) WrapDebug(chunks protocol.ParsedChunks) []json.RawMessage {
	if n := chunks.NumInvalidDebug; n > 0 {
		noun := "chunks"
		if n == 1 {
			noun = "chunk"
		}
		c.logger.Warn(fmt.Sprintf("Message %s contained %d bad debug %s",
			chunks.Envelope.ID, n, noun))
	}
	if len(chunks.Debug) == 0 {
		return nil
	}
	return append([]json.RawMessage(nil), chunks.Debug...)
}

func (c *Connector) observe(kind string, err error) {
	if c.observer != nil {
		c.observer.ResponseSent(kind, err)
	}
}

func orNull(results json.RawMessage) json.RawMessage {
	if len(results) == 0 {
		return json.RawMessage("null")
	}
	return results
}
