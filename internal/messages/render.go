package messages

import "talkbox/internal/model"

// Alignment places a bubble in the conversation column.
type Alignment string

const (
	AlignLeft  Alignment = "left"  // admin / bot
	AlignRight Alignment = "right" // visitor
)

// Bubble is one rendered message. It is a pure function of the message's
// fields; the view layer holds no state of its own and can be rebuilt from
// the store at any time.
type Bubble struct {
	ID        string
	Text      string
	Type      model.MessageType
	Timestamp string
	Align     Alignment
	Style     string
}

// RenderMessage projects a single message into its bubble.
func RenderMessage(msg model.Message) Bubble {
	b := Bubble{
		ID:        msg.ID,
		Text:      msg.Text,
		Type:      msg.Type,
		Timestamp: msg.Timestamp,
	}
	if msg.Type == model.MessageTypeClient {
		b.Align = AlignRight
		b.Style = "bubble-client"
	} else {
		b.Align = AlignLeft
		b.Style = "bubble-admin"
	}
	return b
}

// Render projects the whole store into an ordered bubble list.
func (s *Store) Render() []Bubble {
	msgs := s.Messages()
	bubbles := make([]Bubble, len(msgs))
	for i, m := range msgs {
		bubbles[i] = RenderMessage(m)
	}
	return bubbles
}
