package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataValidatorIsShared(t *testing.T) {
	assert.Same(t, MetadataValidator(), MetadataValidator())
	assert.True(t, MetadataValidator().IncludesSchema(MetadataSchemaName))
}

func TestMetadataSchema(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{
			name:  "minimal",
			doc:   `{"description":"x","actions":[{"name":"a","input":{"type":"object"},"results":{"type":"object"}}]}`,
			valid: true,
		},
		{
			name:  "no actions",
			doc:   `{"description":"x","actions":[]}`,
			valid: true,
		},
		{
			name:  "with configuration and descriptions",
			doc:   `{"description":"x","configuration":{"type":"object"},"actions":[{"name":"a","description":"d","input":{},"results":{}}]}`,
			valid: true,
		},
		{
			name: "missing actions",
			doc:  `{"description":"x"}`,
		},
		{
			name: "missing description",
			doc:  `{"actions":[]}`,
		},
		{
			name: "configuration not an object",
			doc:  `{"description":"x","configuration":"yes","actions":[]}`,
		},
		{
			name: "action without results",
			doc:  `{"description":"x","actions":[{"name":"a","input":{}}]}`,
		},
		{
			name: "action name not a string",
			doc:  `{"description":"x","actions":[{"name":1,"input":{},"results":{}}]}`,
		},
		{
			name: "actions not an array",
			doc:  `{"description":"x","actions":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MetadataValidator().Validate(json.RawMessage(tt.doc), MetadataSchemaName)
			if tt.valid {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
		})
	}
}
