package model

import "time"

// MessageType identifies the author side of a message.
type MessageType string

const (
	MessageTypeAdmin  MessageType = "admin"
	MessageTypeClient MessageType = "client"
)

// Message is one chat bubble. ID is either server-assigned or a temporary
// client-generated id pending confirmation.
type Message struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// UserInfo is captured once per visitor and attached to outbound traffic.
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// TypingState is the ephemeral typing indicator for a conversation. Every
// new event supersedes the previous one; there is no sequencing.
type TypingState struct {
	IsTyping bool      `json:"isTyping"`
	User     *UserInfo `json:"userInfo,omitempty"`
	At       time.Time `json:"-"`
}

// NodeType identifies a flow graph node kind.
type NodeType string

const (
	NodeTypeBotMessage NodeType = "botMessage"
	NodeTypeChoices    NodeType = "choices"
	NodeTypeAttendant  NodeType = "attendant"
)

// NodeData carries the payload of a flow node.
type NodeData struct {
	Message string   `json:"message,omitempty"`
	Choices []Choice `json:"choices,omitempty"`
}

// Node is one vertex of a flow definition.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge connects two flow nodes. SourceHandle encodes which choice index the
// edge follows, in the form "choice-<index>".
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// FlowDefinition is a bot script graph, fetched read-only from the backend.
type FlowDefinition struct {
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Realtime event names carried on a conversation channel.
const (
	EventMessageCreated      = "MessageCreated"
	EventUserTyping          = "UserTyping"
	EventChatDeleted         = "ChatDeleted"
	EventConversationCreated = "ConversationCreated"
)

// Envelope is the wire format of a realtime event.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// SendResult is the backend's answer to a send-message call.
type SendResult struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversation_id"`
}
