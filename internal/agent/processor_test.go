package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nupi-ai/pxp-agent/internal/observability"
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/pxp"
)

type sentMessage struct {
	Endpoints   []string
	MessageType string
	Data        json.RawMessage
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeTransport) Send(_ context.Context, endpoints []string, messageType string, _ time.Duration, data any, _ ...json.RawMessage) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Endpoints: endpoints, MessageType: messageType, Data: encoded})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	requests []string
	outcomes []string
	loaded   int
	failures int
}

func (f *fakeMetrics) RequestReceived(t string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, t)
}

func (f *fakeMetrics) ActionCompleted(_, _, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeMetrics) ModulesLoaded(n int) { f.loaded = n }

func (f *fakeMetrics) ModuleLoadFailed() { f.failures++ }

const echoModule = `#!/bin/sh
case "$1" in
metadata)
cat <<'METADATA'
{
  "description": "echoes its input",
  "actions": [
    {"name": "echo", "input": {"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]},
     "results": {"type": "object", "properties": {"message": {"type": "string"}}, "required": ["message"]}},
    {"name": "fail", "input": {"type": "object"}, "results": {"type": "object"}},
    {"name": "wrong", "input": {"type": "object"}, "results": {"type": "object", "required": ["message"]}},
    {"name": "background", "input": {"type": "object"}, "results": {"type": "object"}}
  ]
}
METADATA
;;
echo)
sed 's/.*"input":\({[^}]*}\).*/\1/'
;;
fail)
cat >/dev/null
echo "disk full" >&2
exit 2
;;
wrong)
cat >/dev/null
echo '{}'
;;
background)
args=$(cat)
out=$(printf '%s' "$args" | sed 's/.*"stdout":"\([^"]*\)".*/\1/')
code=$(printf '%s' "$args" | sed 's/.*"exitcode":"\([^"]*\)".*/\1/')
echo '{"done": true}' > "$out"
echo 0 > "$code"
;;
esac
`

type fixture struct {
	transport *fakeTransport
	metrics   *fakeMetrics
	processor *RequestProcessor
	spool     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}
	modulesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "echo"), []byte(echoModule), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "broken"), []byte("#!/bin/sh\necho nope\n"), 0o755))

	f := &fixture{
		transport: &fakeTransport{},
		metrics:   &fakeMetrics{},
		spool:     t.TempDir(),
	}
	f.processor = NewRequestProcessor(context.Background(), pxp.NewConnector(f.transport), ProcessorOptions{
		ModulesDir:        modulesDir,
		SpoolDir:          f.spool,
		MaxConcurrentJobs: 2,
		Metrics:           f.metrics,
	})
	return f
}

func chunks(data string) protocol.ParsedChunks {
	return protocol.ParsedChunks{
		Envelope: protocol.Envelope{ID: "msg-1", Sender: "pcp://controller/test"},
		Data:     json.RawMessage(data),
	}
}

func TestProcessorLoadsModules(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []string{"echo", "status"}, f.processor.Registry().Names())
	assert.Equal(t, 2, f.metrics.loaded)
	assert.Equal(t, 1, f.metrics.failures)
}

func TestProcessBlockingRequest(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessRequest(context.Background(), protocol.Blocking,
		chunks(`{"transaction_id": "t1", "module": "echo", "action": "echo", "params": {"message": "hi"}}`))

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.BlockingResponseType, sent[0].MessageType)
	assert.Equal(t, []string{"pcp://controller/test"}, sent[0].Endpoints)
	assert.JSONEq(t, `{"transaction_id": "t1", "results": {"message": "hi"}}`, string(sent[0].Data))
	assert.Equal(t, []string{"blocking"}, f.metrics.requests)
	assert.Equal(t, []string{observability.OutcomeSuccess}, f.metrics.outcomes)
}

func TestProcessRequestErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		messageType string
		description string
	}{
		{
			name:        "malformed data",
			data:        `{"module": "echo", "action": "echo", "params": {}}`,
			messageType: protocol.ErrorMessageType,
			description: "Message not in the expected format",
		},
		{
			name:        "unknown module",
			data:        `{"transaction_id": "t1", "module": "nope", "action": "echo", "params": {}}`,
			messageType: protocol.PXPErrorMessageType,
			description: "unknown module: nope",
		},
		{
			name:        "unknown action",
			data:        `{"transaction_id": "t1", "module": "echo", "action": "nope", "params": {}}`,
			messageType: protocol.PXPErrorMessageType,
			description: "unknown action 'nope' for module 'echo'",
		},
		{
			name:        "invalid input",
			data:        `{"transaction_id": "t1", "module": "echo", "action": "echo", "params": {"message": 1}}`,
			messageType: protocol.PXPErrorMessageType,
			description: "invalid input for 'echo echo'",
		},
		{
			name:        "nonzero exit",
			data:        `{"transaction_id": "t1", "module": "echo", "action": "fail", "params": {}}`,
			messageType: protocol.PXPErrorMessageType,
			description: "returned exit code 2 - stderr:\ndisk full",
		},
		{
			name:        "invalid results",
			data:        `{"transaction_id": "t1", "module": "echo", "action": "wrong", "params": {}}`,
			messageType: protocol.PXPErrorMessageType,
			description: "returned invalid results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.processor.ProcessRequest(context.Background(), protocol.Blocking, chunks(tt.data))

			sent := f.transport.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.messageType, sent[0].MessageType)
			assert.Equal(t, []string{"pcp://controller/test"}, sent[0].Endpoints)

			var data struct {
				ID          string `json:"id"`
				Description string `json:"description"`
			}
			require.NoError(t, json.Unmarshal(sent[0].Data, &data))
			assert.Equal(t, "msg-1", data.ID)
			assert.Contains(t, data.Description, tt.description)
		})
	}
}

func TestProcessNonBlockingRequest(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessRequest(context.Background(), protocol.NonBlocking,
		chunks(`{"transaction_id": "t2", "module": "echo", "action": "background", "params": {}}`))
	f.processor.Wait()

	sent := f.transport.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.ProvisionalResponseType, sent[0].MessageType)
	assert.JSONEq(t, `{"transaction_id": "t2"}`, string(sent[0].Data))
	assert.Equal(t, protocol.NonBlockingResponseType, sent[1].MessageType)
	assert.JSONEq(t, `{"transaction_id": "t2", "job_id": "t2", "results": {"done": true}}`, string(sent[1].Data))

	info, err := os.Stat(filepath.Join(f.spool, "t2"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.FileExists(t, filepath.Join(f.spool, "t2", "pid"))

	f.processor.ProcessRequest(context.Background(), protocol.Blocking,
		chunks(`{"transaction_id": "t3", "module": "status", "action": "query", "params": {"transaction_id": "t2"}}`))
	sent = f.transport.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, protocol.BlockingResponseType, sent[2].MessageType)
	assert.JSONEq(t, `{"transaction_id": "t3", "results": {"transaction_id": "t2", "status": "completed", "exitcode": 0, "stdout": "{\"done\": true}\n"}}`, string(sent[2].Data))
}

func TestProcessNonBlockingWithoutNotification(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessRequest(context.Background(), protocol.NonBlocking,
		chunks(`{"transaction_id": "t4", "module": "echo", "action": "background", "params": {}, "notify_outcome": false}`))
	f.processor.Wait()

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ProvisionalResponseType, sent[0].MessageType)
}

func TestProcessNonBlockingDuplicateTransaction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Mkdir(filepath.Join(f.spool, "t5"), 0o750))

	f.processor.ProcessRequest(context.Background(), protocol.NonBlocking,
		chunks(`{"transaction_id": "t5", "module": "echo", "action": "background", "params": {}}`))
	f.processor.Wait()

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.PXPErrorMessageType, sent[0].MessageType)
	assert.Contains(t, string(sent[0].Data), "duplicate transaction t5")
}

func TestProcessNonBlockingRejectsUnsafeTransactionID(t *testing.T) {
	f := newFixture(t)

	f.processor.ProcessRequest(context.Background(), protocol.NonBlocking,
		chunks(`{"transaction_id": "../escape", "module": "echo", "action": "background", "params": {}}`))

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.PXPErrorMessageType, sent[0].MessageType)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(f.spool), "escape"))
}
