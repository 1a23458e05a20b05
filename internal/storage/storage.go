// Package storage defines the persistence boundary consumed by the
// realtime core: messages, read receipts, conversation membership, device
// records, and relationship contacts. The core only coordinates these
// records; ownership of account and profile data stays with the
// surrounding system.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicted with a uniqueness constraint.
	ErrConflict = errors.New("record conflict")
)

// Message is one persisted conversation message. The realtime core reads
// messages to build delivery payloads; it never authors their content.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           string
	Body           string
	CreatedAt      time.Time
}

// Device is one registered device for a profile, owned by the session
// subsystem. PushToken may be empty when the device cannot receive pushes.
type Device struct {
	ProfileID          string
	DeviceID           string
	PushToken          string
	SessionFingerprint string
}

// ReadReceipt records that a profile has read a message. At most one
// receipt exists per (message, profile) pair.
type ReadReceipt struct {
	MessageID string
	ProfileID string
	CreatedAt time.Time
}

// MessageStore reads and writes persisted messages.
type MessageStore interface {
	PutMessage(ctx context.Context, message Message) error
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// UpdateMessageBody replaces a message body after an edit or recall.
	// Returns ErrNotFound when the message does not exist.
	UpdateMessageBody(ctx context.Context, messageID string, body string) error
	// DeleteMessage removes a message and its receipts.
	DeleteMessage(ctx context.Context, messageID string) error
}

// ReceiptStore persists read receipts and answers unread queries.
type ReceiptStore interface {
	// CreateReceipts writes receipts in one batch. Pairs that already have
	// a receipt are skipped; the uniqueness constraint guarantees at most
	// one receipt per pair even under concurrent overlapping batches.
	CreateReceipts(ctx context.Context, receipts []ReadReceipt) error
	// UnreadMessageIDs lists messages in a conversation lacking a receipt
	// for the profile, oldest first.
	UnreadMessageIDs(ctx context.Context, conversationID string, profileID string) ([]string, error)
	// MissingReceiptProfiles filters profileIDs down to those lacking a
	// receipt for the message.
	MissingReceiptProfiles(ctx context.Context, messageID string, profileIDs []string) ([]string, error)
	// UnreadCountsByProfile maps every conversation the profile belongs to
	// onto its unread count, including zero counts.
	UnreadCountsByProfile(ctx context.Context, profileID string) (map[string]int, error)
}

// MembershipStore answers conversation membership queries.
type MembershipStore interface {
	IsMember(ctx context.Context, profileID string, conversationID string) (bool, error)
	// ParticipantIDs lists a conversation's participants in join order.
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

// DeviceStore reads device records owned by the session subsystem.
type DeviceStore interface {
	GetDevice(ctx context.Context, profileID string, deviceID string) (Device, error)
	ListDeviceIDs(ctx context.Context, profileID string) ([]string, error)
}

// ContactStore lists a profile's relationship peers for presence fan-out.
type ContactStore interface {
	PeerIDs(ctx context.Context, profileID string) ([]string, error)
}
