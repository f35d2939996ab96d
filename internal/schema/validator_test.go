package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_AcceptsWellFormedFlow(t *testing.T) {
	v := NewValidator(4)

	raw := json.RawMessage(`{
		"name": "greeting",
		"nodes": [
			{"id": "start", "type": "botMessage", "data": {"message": "hi"}},
			{"id": "q", "type": "choices", "data": {"choices": ["A", "B"]}}
		],
		"edges": [
			{"source": "start", "target": "q"},
			{"source": "q", "target": "start", "sourceHandle": "choice-0"}
		]
	}`)

	assert.NoError(t, v.ValidateFlow(raw))
}

func TestValidator_RejectsStructuralDefects(t *testing.T) {
	v := NewValidator(4)

	tests := []struct {
		name string
		raw  string
	}{
		{"missing nodes", `{"edges":[]}`},
		{"node without id", `{"nodes":[{"type":"botMessage"}],"edges":[]}`},
		{"empty node id", `{"nodes":[{"id":""}],"edges":[]}`},
		{"edge without target", `{"nodes":[{"id":"a"}],"edges":[{"source":"a"}]}`},
		{"nodes not an array", `{"nodes":{},"edges":[]}`},
		{"not an object", `[1,2,3]`},
		{"not json", `{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, v.ValidateFlow(json.RawMessage(tt.raw)))
		})
	}
}

func TestValidator_ToleratesUnknownNodeTypes(t *testing.T) {
	v := NewValidator(4)
	raw := json.RawMessage(`{"nodes":[{"id":"x","type":"somethingNew","data":{}}],"edges":[]}`)
	require.NoError(t, v.ValidateFlow(raw))
}

func TestValidator_ReusesCompiledSchema(t *testing.T) {
	v := NewValidator(4)
	raw := json.RawMessage(`{"nodes":[],"edges":[]}`)

	require.NoError(t, v.ValidateFlow(raw))
	require.NoError(t, v.ValidateFlow(raw))
	assert.Equal(t, 1, v.cache.Len())
}
