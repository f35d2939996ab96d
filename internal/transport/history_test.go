package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkbox/internal/model"
)

func TestDecodeHistory(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
		ok   bool
	}{
		{
			name: "content envelope",
			body: `{"messages":[{"content":[{"id":"1","text":"a","type":"admin","timestamp":"2024-01-01T00:00:00Z"}]}]}`,
			want: 1,
			ok:   true,
		},
		{
			name: "content envelope with several rows",
			body: `{"messages":[{"content":[{"id":"1","text":"a","type":"admin"}]},{"content":[{"id":"2","text":"b","type":"client"}]}]}`,
			want: 2,
			ok:   true,
		},
		{
			name: "plain messages field",
			body: `{"messages":[{"id":"1","text":"a","type":"admin"},{"id":"2","text":"b","type":"client"}]}`,
			want: 2,
			ok:   true,
		},
		{
			name: "bare array",
			body: `[{"id":"1","text":"a","type":"admin","timestamp":"2024-01-01T00:00:00Z"}]`,
			want: 1,
			ok:   true,
		},
		{
			name: "empty envelope",
			body: `{"messages":[]}`,
			want: 0,
			ok:   true,
		},
		{
			name: "empty bare array",
			body: `[]`,
			want: 0,
			ok:   true,
		},
		{
			name: "no recognizable shape",
			body: `{"conversations":[{"id":"1"}]}`,
			ok:   false,
		},
		{
			name: "not json",
			body: `<html>502</html>`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, ok := DecodeHistory([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Len(t, msgs, tt.want)
			}
		})
	}
}

func TestDecodeHistory_PreservesFields(t *testing.T) {
	body := `{"messages":[{"content":[{"id":"7","text":"hello","type":"client","timestamp":"2024-06-01T10:00:00Z"}]}]}`
	msgs, ok := DecodeHistory([]byte(body))
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.Message{
		ID:        "7",
		Text:      "hello",
		Type:      model.MessageTypeClient,
		Timestamp: "2024-06-01T10:00:00Z",
	}, msgs[0])
}
