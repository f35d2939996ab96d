package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talkbox/internal/model"
	"talkbox/internal/schema"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL, schema.NewValidator(4), zap.NewNop())
}

func TestClient_SendMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/send-message", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["message"])
		assert.Equal(t, "conv_1", body["conversation_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"message":         model.Message{ID: "42", Text: "hello", Type: model.MessageTypeClient, Timestamp: "2024-01-01T00:00:00Z"},
			"conversation_id": "conv_1",
		})
	}))

	result, err := c.SendMessage(context.Background(), "hello", model.MessageTypeClient, &model.UserInfo{Name: "Ana"}, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, "42", result.Message.ID)
	assert.Equal(t, "conv_1", result.ConversationID)
}

func TestClient_SendMessage_ServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.SendMessage(context.Background(), "hello", model.MessageTypeClient, nil, "conv_1")
	assert.Error(t, err)
}

func TestClient_GetHistory_Shapes(t *testing.T) {
	bodies := []string{
		`{"messages":[{"content":[{"id":"1","text":"a","type":"admin","timestamp":"t"}]}]}`,
		`{"messages":[{"id":"1","text":"a","type":"admin","timestamp":"t"}]}`,
		`[{"id":"1","text":"a","type":"admin","timestamp":"t"}]`,
	}
	for _, body := range bodies {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		msgs, ok := c.GetHistory(context.Background(), "conv_1")
		require.True(t, ok, body)
		require.Len(t, msgs, 1, body)
		assert.Equal(t, "1", msgs[0].ID)
	}
}

func TestClient_GetHistory_NotFoundIsEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	msgs, ok := c.GetHistory(context.Background(), "conv_1")
	assert.True(t, ok)
	assert.Empty(t, msgs)
}

func TestClient_GetHistory_UnrecognizedShapeDegrades(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected":true}`))
	}))

	msgs, ok := c.GetHistory(context.Background(), "conv_1")
	assert.False(t, ok)
	assert.Empty(t, msgs)
}

func TestClient_GetHistory_NetworkFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", schema.NewValidator(4), zap.NewNop())

	msgs, ok := c.GetHistory(context.Background(), "conv_1")
	assert.False(t, ok)
	assert.Empty(t, msgs)
}

func TestClient_ConversationExists(t *testing.T) {
	exists := true
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !exists {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))

	got, err := c.ConversationExists(context.Background(), "conv_1")
	require.NoError(t, err)
	assert.True(t, got)

	exists = false
	got, err = c.ConversationExists(context.Background(), "conv_1")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestClient_ConversationExists_NetworkFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", schema.NewValidator(4), zap.NewNop())

	_, err := c.ConversationExists(context.Background(), "conv_1")
	assert.Error(t, err)
}

func TestClient_GetFlow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/start-flow", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"name":"greeting","nodes":[{"id":"start","type":"botMessage","data":{"message":"hi"}}],"edges":[]}}`))
	}))

	def := c.GetFlow(context.Background())
	require.NotNil(t, def)
	assert.Equal(t, "greeting", def.Name)
	require.Len(t, def.Nodes, 1)
	assert.Equal(t, model.NodeTypeBotMessage, def.Nodes[0].Type)
}

func TestClient_GetFlow_NoFlow(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"success false", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"success":false}`)) }},
		{"not json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`<oops>`)) }},
		{"schema reject", func(w http.ResponseWriter, r *http.Request) {
			// nodes missing ids
			w.Write([]byte(`{"success":true,"data":{"nodes":[{"type":"botMessage"}],"edges":[]}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			assert.Nil(t, c.GetFlow(context.Background()))
		})
	}
}

func TestClient_GetFlow_ObjectChoices(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"nodes":[{"id":"q","type":"choices","data":{"choices":[{"text":"A"},{"label":"B"},"C"]}}],"edges":[]}}`))
	}))

	def := c.GetFlow(context.Background())
	require.NotNil(t, def)
	require.Len(t, def.Nodes[0].Data.Choices, 3)
	assert.Equal(t, "A", def.Nodes[0].Data.Choices[0].Text)
	assert.Equal(t, "B", def.Nodes[0].Data.Choices[1].Text)
	assert.Equal(t, "C", def.Nodes[0].Data.Choices[2].Text)
}
