// Package pcp is the websocket client connecting the agent to the broker.
// It associates the agent's identity, frames outbound messages and
// dispatches inbound ones to handlers registered by message type.
package pcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nupi-ai/pxp-agent/internal/protocol"
)

const (
	// DefaultConnectionTimeout bounds the websocket handshake and the
	// association exchange.
	DefaultConnectionTimeout = 5 * time.Second
	// ServerURI is the broker endpoint association requests are sent to.
	ServerURI = "pcp:///server"

	associationTTL     = 10 * time.Second
	defaultSendTimeout = 2 * time.Second
	logComponent       = "pcp_client"
)

var (
	// ErrNotConnected is returned by Send while no broker connection is established.
	ErrNotConnected = errors.New("pcp: not connected")
	// ErrAssociation indicates the broker rejected or never answered the
	// association request.
	ErrAssociation = errors.New("pcp: association failed")
)

// Handler processes one inbound message. It runs on its own goroutine.
type Handler func(ctx context.Context, chunks protocol.ParsedChunks)

// Options configures a Client.
type Options struct {
	BrokerURI  string
	CommonName string
	// ClientType is the last segment of the agent's identity.
	ClientType        string
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
	// NewBackOff returns the reconnection policy; nil means exponential
	// backoff without an elapsed time limit.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// Client is a broker connection. Send is safe for concurrent use.
type Client struct {
	opts     Options
	identity string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	inflight sync.WaitGroup
}

// New returns a disconnected client.
func New(opts Options) *Client {
	if opts.ClientType == "" {
		opts.ClientType = "agent"
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:     opts,
		identity: fmt.Sprintf("pcp://%s/%s", opts.CommonName, opts.ClientType),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectionTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
		logger:   logger.With("component", logComponent),
		handlers: make(map[string]Handler),
	}
}

// Identity is the agent's URI on the broker.
func (c *Client) Identity() string { return c.identity }

// RegisterHandler routes inbound messages of messageType to h.
func (c *Client) RegisterHandler(messageType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[messageType] = h
}

// Connected reports whether an associated connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the broker and associates the agent's identity.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.BrokerURI, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("pcp: dial %s: %w", c.opts.BrokerURI, err)
	}

	if err := c.associate(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("Associated with the broker", "broker", c.opts.BrokerURI, "identity", c.identity)
	return nil
}

func (c *Client) associate(conn *websocket.Conn) error {
	request := protocol.Envelope{
		ID:          uuid.NewString(),
		MessageType: protocol.AssociateRequestType,
		Sender:      c.identity,
		Targets:     []string{ServerURI},
		Expires:     time.Now().UTC().Add(associationTTL),
	}
	deadline := time.Now().Add(c.opts.ConnectionTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(request); err != nil {
		return fmt.Errorf("%w: send request: %v", ErrAssociation, err)
	}

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAssociation, err)
		}
		chunks, err := protocol.ParseEnvelope(frame)
		if err != nil {
			c.logger.Warn("Dropping invalid message during association", "error", err)
			continue
		}
		switch chunks.Envelope.MessageType {
		case protocol.AssociateResponseType:
			var resp protocol.AssociateResponse
			if err := json.Unmarshal(chunks.Data, &resp); err != nil {
				return fmt.Errorf("%w: invalid response: %v", ErrAssociation, err)
			}
			if resp.ID != request.ID {
				continue
			}
			if !resp.Success {
				return fmt.Errorf("%w: %s", ErrAssociation, resp.Reason)
			}
			return nil
		case protocol.ErrorMessageType:
			var data protocol.ErrorData
			_ = json.Unmarshal(chunks.Data, &data)
			if data.ID == request.ID {
				return fmt.Errorf("%w: %s", ErrAssociation, data.Description)
			}
		}
	}
}

// Run keeps the agent connected until ctx ends, reconnecting with backoff
// whenever the connection drops, and dispatches inbound messages. It waits
// for running handlers before returning.
func (c *Client) Run(ctx context.Context) error {
	defer c.inflight.Wait()
	for {
		if !c.Connected() {
			connect := func() error {
				err := c.Connect(ctx)
				if err != nil {
					c.logger.Warn("Failed to connect to the broker", "broker", c.opts.BrokerURI, "error", err)
				}
				return err
			}
			if err := backoff.Retry(connect, backoff.WithContext(c.opts.NewBackOff(), ctx)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Connection to the broker lost; reconnecting", "error", err)
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	defer c.drop(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		chunks, err := protocol.ParseEnvelope(frame)
		if err != nil {
			c.logger.Warn("Dropping invalid message", "error", err)
			continue
		}
		c.dispatch(ctx, chunks)
	}
}

func (c *Client) dispatch(ctx context.Context, chunks protocol.ParsedChunks) {
	messageType := chunks.Envelope.MessageType
	c.handlersMu.RLock()
	h, ok := c.handlers[messageType]
	c.handlersMu.RUnlock()
	if !ok {
		if messageType == protocol.ErrorMessageType {
			c.logger.Warn("Received error message from the broker", "id", chunks.Envelope.ID, "data", string(chunks.Data))
		} else {
			c.logger.Warn("No handler for message type", "message_type", messageType, "id", chunks.Envelope.ID)
		}
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		h(ctx, chunks)
	}()
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Send frames data as a message of messageType to endpoints. The message
// expires after timeout, which also bounds the write.
func (c *Client) Send(ctx context.Context, endpoints []string, messageType string, timeout time.Duration, data any, debug ...json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pcp: encode %s data: %w", messageType, err)
	}
	now := time.Now()
	env := protocol.Envelope{
		ID:          uuid.NewString(),
		MessageType: messageType,
		Sender:      c.identity,
		Targets:     endpoints,
		Expires:     now.UTC().Add(timeout),
		Data:        payload,
		Debug:       debug,
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(now.Add(timeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("pcp: send %s: %w", messageType, err)
	}
	return nil
}

// Close drops the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
