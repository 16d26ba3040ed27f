package modules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/stretchr/testify/require"
)

const reverseMetadata = `{
  "description": "reverses strings",
  "configuration": {
    "type": "object",
    "properties": {"prefix": {"type": "string"}},
    "required": ["prefix"]
  },
  "actions": [
    {
      "name": "string",
      "description": "reverse a string",
      "input": {"type": "object", "properties": {"argument": {"type": "string"}}, "required": ["argument"]},
      "results": {"type": "object", "properties": {"output": {"type": "string"}}, "required": ["output"]}
    },
    {
      "name": "hash",
      "input": {"type": "object"},
      "results": {"type": "object"}
    }
  ]
}`

// writeModule writes an executable module named name whose "metadata"
// subcommand prints metadata and whose other subcommands run actions, a
// sh case body.
func writeModule(t *testing.T, dir, name, metadata, actions string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}
	script := "#!/bin/sh\ncase \"$1\" in\nmetadata)\ncat <<'METADATA'\n" + metadata + "\nMETADATA\n;;\n" + actions + "\nesac\n"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func blockingRequest(module, action, params string) *protocol.ActionRequest {
	return &protocol.ActionRequest{
		ID:            "msg-1",
		TransactionID: "tx-1",
		Sender:        "pcp://controller/test",
		Module:        module,
		Action:        action,
		Params:        json.RawMessage(params),
		Type:          protocol.Blocking,
	}
}

func nonBlockingRequest(module, action, params, resultsDir string) *protocol.ActionRequest {
	req := blockingRequest(module, action, params)
	req.Type = protocol.NonBlocking
	req.ResultsDir = resultsDir
	req.NotifyOutcome = true
	return req
}
