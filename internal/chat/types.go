// Package chat keeps a local view of the viewer's conversations and the
// open message stream consistent between the marketplace REST API and the
// realtime channel. The backend is the sole authority; everything here is a
// read-mostly cache with best-effort writes.
package chat

import "time"

// Participant is one side of a conversation. Businesses carry a logo,
// regular users an avatar.
type Participant struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Logo   string `json:"logo,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// AvatarRef returns whichever image reference is set, logo first.
func (p Participant) AvatarRef() string {
	if p.Logo != "" {
		return p.Logo
	}
	return p.Avatar
}

// LastMessage is the denormalized preview carried on a conversation summary.
type LastMessage struct {
	Text      string    `json:"text,omitempty"`
	Image     string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a two-participant thread as the list displays it.
type Conversation struct {
	ID           string        `json:"_id"`
	Participants []Participant `json:"participants"`
	Other        Participant   `json:"other"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	UnreadCount  int           `json:"unreadCount"`
}

// Preview is the one-line summary for the conversation list. Image-only
// messages get an attachment marker.
func (c Conversation) Preview() string {
	if c.LastMessage == nil {
		return ""
	}
	if c.LastMessage.Text == "" && c.LastMessage.Image != "" {
		return "[Photo]"
	}
	return c.LastMessage.Text
}

// Message is a single text and/or image unit belonging to one conversation.
// ReadBy only grows until the message is deleted.
type Message struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversation"`
	Sender         Participant `json:"sender"`
	Text           string      `json:"text,omitempty"`
	Image          string      `json:"image,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadBy         []string    `json:"readBy"`
}

// ReadByAll reports whether both participants have seen the message
// (double tick vs single tick).
func (m Message) ReadByAll() bool { return len(m.ReadBy) >= 2 }

func (m Message) readBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}
