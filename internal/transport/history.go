package transport

import (
	"encoding/json"

	"talkbox/internal/model"
)

// Backends have served conversation history in three shapes over time:
// messages wrapped in per-row content envelopes, a plain messages field, and
// a bare array. Each probe is a pure function returning (nil, false) when
// the body is not its shape; DecodeHistory takes the first hit.

type historyProbe func(data []byte) ([]model.Message, bool)

var historyProbes = []historyProbe{
	probeContentEnvelope,
	probeMessagesEnvelope,
	probeBareArray,
}

// DecodeHistory decodes a history response body, degrading to (nil, false)
// when no known shape matches.
func DecodeHistory(data []byte) ([]model.Message, bool) {
	for _, probe := range historyProbes {
		if msgs, ok := probe(data); ok {
			return msgs, true
		}
	}
	return nil, false
}

// probeContentEnvelope matches {"messages":[{"content":[Message,...]},...]}.
func probeContentEnvelope(data []byte) ([]model.Message, bool) {
	var body struct {
		Messages []struct {
			Content []model.Message `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Messages == nil {
		return nil, false
	}
	if len(body.Messages) == 0 {
		return []model.Message{}, true
	}
	var msgs []model.Message
	for _, row := range body.Messages {
		if row.Content == nil {
			return nil, false
		}
		msgs = append(msgs, row.Content...)
	}
	return msgs, true
}

// probeMessagesEnvelope matches {"messages":[Message,...]}.
func probeMessagesEnvelope(data []byte) ([]model.Message, bool) {
	var body struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Messages == nil {
		return nil, false
	}
	return body.Messages, true
}

// probeBareArray matches [Message,...].
func probeBareArray(data []byte) ([]model.Message, bool) {
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil || msgs == nil {
		return nil, false
	}
	return msgs, true
}
