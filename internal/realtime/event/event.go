// Package event defines the outbound realtime event vocabulary and the
// emitter boundary that delivers events to live connections.
package event

import (
	"context"
	"time"
)

// Name identifies one outbound event type on the wire.
type Name string

const (
	// PeerOnline tells relationship peers a profile gained its first live
	// connection.
	PeerOnline Name = "peer-online"
	// PeerOffline tells relationship peers a profile lost its last live
	// connection.
	PeerOffline Name = "peer-offline"
	// ConversationActive tells current viewers a profile started viewing.
	ConversationActive Name = "conversation-active"
	// ConversationInactive tells current viewers a profile stopped viewing.
	ConversationInactive Name = "conversation-inactive"
	// NewMessage carries a full message payload to conversation viewers.
	NewMessage Name = "new-message"
	// MessageNotify carries minimal message metadata to online profiles
	// that are not viewing the conversation.
	MessageNotify Name = "message-notify"
	// MessageRecalled carries a recall notice to conversation viewers.
	MessageRecalled Name = "message-recalled"
	// MessageEdited carries an edited message to conversation viewers.
	MessageEdited Name = "message-edited"
	// MessageDeleted carries a delete notice to conversation viewers.
	MessageDeleted Name = "message-deleted"
	// MessagesRead reports receipts created for a profile in a conversation.
	MessagesRead Name = "messages-read"
	// UnreadCounts carries a profile's per-conversation unread mapping.
	UnreadCounts Name = "unread-counts"
)

// Event pairs an event name with its JSON-serializable payload.
type Event struct {
	Name    Name
	Payload any
}

// Emitter delivers an event to a set of live connections. Delivery is best
// effort: connections owned by other instances or already gone are skipped
// without error.
type Emitter interface {
	Emit(ctx context.Context, connectionIDs []string, evt Event)
}

// PresencePayload reports a presence transition for one profile.
type PresencePayload struct {
	ProfileID string `json:"profile_id"`
}

// ViewerPayload reports a viewer-set change in one conversation.
type ViewerPayload struct {
	ProfileID      string `json:"profile_id"`
	ConversationID string `json:"conversation_id"`
}

// MessagePayload carries a full message to viewing connections. ReadBy
// lists the profiles marked as having read the message in the same pass.
type MessagePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body,omitempty"`
	SentAt         time.Time `json:"sent_at"`
	ReadBy         []string  `json:"read_by,omitempty"`
}

// NotifyPayload carries minimal metadata for online-not-viewing profiles.
type NotifyPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Kind           string `json:"kind"`
}

// ReadPayload reports receipts created for a profile in a conversation.
type ReadPayload struct {
	ProfileID      string   `json:"profile_id"`
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// CountsPayload carries a profile's per-conversation unread counts.
type CountsPayload struct {
	Counts map[string]int `json:"counts"`
}
