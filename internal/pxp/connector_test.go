package pxp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Endpoints   []string
	MessageType string
	Timeout     time.Duration
	Data        json.RawMessage
	Debug       []json.RawMessage
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeTransport) Send(_ context.Context, endpoints []string, messageType string, timeout time.Duration, data any, debug ...json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{
		Endpoints:   append([]string(nil), endpoints...),
		MessageType: messageType,
		Timeout:     timeout,
		Data:        encoded,
		Debug:       append([]json.RawMessage(nil), debug...),
	})
	return f.err
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeObserver struct {
	mu    sync.Mutex
	kinds []string
	errs  []error
}

func (f *fakeObserver) ResponseSent(kind string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.errs = append(f.errs, err)
}

func testRequest(t protocol.RequestType) *protocol.ActionRequest {
	return &protocol.ActionRequest{
		ID:            "123456",
		TransactionID: "42",
		Sender:        "pcp://controller/test",
		Module:        "reverse",
		Action:        "string",
		Params:        json.RawMessage(`{"argument": "maradona"}`),
		Type:          t,
		ParsedChunks: protocol.ParsedChunks{
			Envelope: protocol.Envelope{ID: "123456"},
			Debug: []json.RawMessage{
				json.RawMessage(`{"hops": [1]}`),
				json.RawMessage(`{"hops": [2]}`),
			},
		},
	}
}

func TestSendBlockingResponse(t *testing.T) {
	transport := &fakeTransport{}
	c := NewConnector(transport)

	c.SendBlockingResponse(context.Background(), testRequest(protocol.Blocking), json.RawMessage(`{"output": "anodaram"}`))

	sent := transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, []string{"pcp://controller/test"}, msg.Endpoints)
	assert.Equal(t, protocol.BlockingResponseType, msg.MessageType)
	assert.Equal(t, DefaultTimeout, msg.Timeout)
	assert.JSONEq(t, `{"transaction_id": "42", "results": {"output": "anodaram"}}`, string(msg.Data))
	require.Len(t, msg.Debug, 2)
	assert.JSONEq(t, `{"hops": [1]}`, string(msg.Debug[0]))
	assert.JSONEq(t, `{"hops": [2]}`, string(msg.Debug[1]))
}

func TestSendBlockingResponseNullResults(t *testing.T) {
	transport := &fakeTransport{}
	NewConnector(transport).SendBlockingResponse(context.Background(), testRequest(protocol.Blocking), nil)

	sent := transport.messages()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"transaction_id": "42", "results": null}`, string(sent[0].Data))
}

func TestSendNonBlockingResponse(t *testing.T) {
	transport := &fakeTransport{}
	NewConnector(transport).SendNonBlockingResponse(context.Background(), testRequest(protocol.NonBlocking), json.RawMessage(`{"a": 1}`), "42")

	sent := transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, protocol.NonBlockingResponseType, msg.MessageType)
	assert.Equal(t, []string{"pcp://controller/test"}, msg.Endpoints)
	assert.JSONEq(t, `{"transaction_id": "42", "job_id": "42", "results": {"a": 1}}`, string(msg.Data))
	assert.Empty(t, msg.Debug)
}

func TestSendProvisionalResponse(t *testing.T) {
	transport := &fakeTransport{}
	NewConnector(transport).SendProvisionalResponse(context.Background(), testRequest(protocol.NonBlocking))

	sent := transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, protocol.ProvisionalResponseType, msg.MessageType)
	assert.Equal(t, DefaultTimeout, msg.Timeout)
	assert.JSONEq(t, `{"transaction_id": "42"}`, string(msg.Data))
	assert.Len(t, msg.Debug, 2)
}

func TestSendPXPError(t *testing.T) {
	transport := &fakeTransport{}
	NewConnector(transport).SendPXPError(context.Background(), testRequest(protocol.Blocking), "boom")

	sent := transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, protocol.PXPErrorMessageType, msg.MessageType)
	assert.Equal(t, []string{"pcp://controller/test"}, msg.Endpoints)
	assert.JSONEq(t, `{"transaction_id": "42", "id": "123456", "description": "boom"}`, string(msg.Data))
	assert.Empty(t, msg.Debug)
}

func TestSendPCPErrorFansOut(t *testing.T) {
	transport := &fakeTransport{}
	endpoints := []string{"pcp://a/agent", "pcp://b/agent"}
	NewConnector(transport).SendPCPError(context.Background(), "123456", "bad data", endpoints)

	sent := transport.messages()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, protocol.ErrorMessageType, msg.MessageType)
	assert.Equal(t, endpoints, msg.Endpoints)
	assert.JSONEq(t, `{"id": "123456", "description": "bad data"}`, string(msg.Data))
	assert.Empty(t, msg.Debug)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	transport := &fakeTransport{err: errors.New("not connected")}
	observer := &fakeObserver{}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c := NewConnector(transport, WithObserver(observer), WithLogger(logger))

	req := testRequest(protocol.NonBlocking)
	c.SendProvisionalResponse(context.Background(), req)
	c.SendNonBlockingResponse(context.Background(), req, nil, req.TransactionID)

	assert.Len(t, transport.messages(), 2)
	assert.Equal(t, []string{KindProvisional, KindNonBlocking}, observer.kinds)
	for _, err := range observer.errs {
		assert.Error(t, err)
	}
	assert.Contains(t, logs.String(), "Failed to send provisional response")
	assert.Contains(t, logs.String(), "not connected")
}

func TestWrapDebugWarnsAboutBadChunks(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c := NewConnector(&fakeTransport{}, WithLogger(logger))

	chunks := protocol.ParsedChunks{
		Envelope:        protocol.Envelope{ID: "msg-7"},
		Debug:           []json.RawMessage{json.RawMessage(`{"ok": true}`)},
		NumInvalidDebug: 2,
	}
	debug := c.WrapDebug(chunks)

	require.Len(t, debug, 1)
	assert.Contains(t, logs.String(), `msg="Message msg-7 contained 2 bad debug chunks"`)

	logs.Reset()
	chunks.NumInvalidDebug = 1
	c.WrapDebug(chunks)
	assert.Contains(t, logs.String(), `msg="Message msg-7 contained 1 bad debug chunk"`)
}

func TestRequestValidator(t *testing.T) {
	v := NewRequestValidator()

	valid := json.RawMessage(`{"transaction_id": "1", "module": "m", "action": "a", "params": {}}`)
	assert.NoError(t, v.Validate(valid, protocol.BlockingRequestType))
	assert.NoError(t, v.Validate(valid, protocol.NonBlockingRequestType))

	notify := json.RawMessage(`{"transaction_id": "1", "module": "m", "action": "a", "params": {}, "notify_outcome": "yes"}`)
	assert.Error(t, v.Validate(notify, protocol.NonBlockingRequestType))

	missing := json.RawMessage(`{"transaction_id": "1", "action": "a", "params": {}}`)
	assert.Error(t, v.Validate(missing, protocol.BlockingRequestType))
}
