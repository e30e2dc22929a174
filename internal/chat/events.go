package chat

import "encoding/json"

// Event is the wire envelope for the realtime channel.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server-emitted events.
const (
	EvNewMessage     = "new_message"
	EvMessagesRead   = "messages_read"
	EvTyping         = "typing"
	EvStopTyping     = "stop_typing"
	EvMessageDeleted = "message_deleted"
)

// Client-emitted events. typing and stop_typing flow both ways.
const (
	EvJoinConv = "join_conv"
)

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type readPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId,omitempty"`
}

type deletePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// Emitter sends client events over the realtime channel. The connection
// manager implements it; the store and typing notifier depend only on this.
type Emitter interface {
	Emit(event string, data any) error
}

// Handler receives routed server events. The store implements it.
type Handler interface {
	HandleNewMessage(msg Message)
	HandleMessagesRead(conversationID, readerID string)
	HandleTyping(conversationID string)
	HandleStopTyping(conversationID string)
	HandleMessageDeleted(conversationID, messageID string)
}
