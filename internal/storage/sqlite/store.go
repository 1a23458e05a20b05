// Package sqlite provides SQLite-backed persistence for conversations,
// messages, read receipts, devices, and contacts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/courier/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/courier/internal/storage"
	"github.com/louisbranch/courier/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed courier persistence.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// Open opens a courier SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, clock: time.Now}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateConversation persists a conversation with its initial participants.
// The owner is always a participant.
func (s *Store) CreateConversation(ctx context.Context, conversationID, ownerID, title string, participantIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	ownerID = strings.TrimSpace(ownerID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}

	now := s.clock().UTC().UnixMilli()
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conversation transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations (id, owner_id, title, created_at)
VALUES (?, ?, ?, ?)
`, conversationID, ownerID, strings.TrimSpace(title), now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert conversation: %w", err)
	}

	members := append([]string{ownerID}, participantIDs...)
	for _, profileID := range members {
		profileID = strings.TrimSpace(profileID)
		if profileID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO conversation_participants (conversation_id, profile_id, joined_at)
VALUES (?, ?, ?)
`, conversationID, profileID, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

// AddParticipant adds a profile to a conversation. Adding an existing
// participant is a no-op.
func (s *Store) AddParticipant(ctx context.Context, conversationID, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	profileID = strings.TrimSpace(profileID)
	if conversationID == "" || profileID == "" {
		return fmt.Errorf("conversation and profile ids are required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO conversation_participants (conversation_id, profile_id, joined_at)
VALUES (?, ?, ?)
`, conversationID, profileID, s.clock().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// IsMember reports whether the profile belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, profileID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM conversation_participants
WHERE conversation_id = ? AND profile_id = ?
`, strings.TrimSpace(conversationID), strings.TrimSpace(profileID)).Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// ParticipantIDs lists a conversation's participants in join order.
func (s *Store) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT profile_id FROM conversation_participants
WHERE conversation_id = ?
ORDER BY joined_at, profile_id
`, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return ids, nil
}

// PutMessage persists one message.
func (s *Store) PutMessage(ctx context.Context, message storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	message.ID = strings.TrimSpace(message.ID)
	message.ConversationID = strings.TrimSpace(message.ConversationID)
	message.SenderID = strings.TrimSpace(message.SenderID)
	message.Kind = strings.TrimSpace(message.Kind)
	if message.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if message.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if message.SenderID == "" {
		return fmt.Errorf("sender id is required")
	}
	if message.Kind == "" {
		return fmt.Errorf("message kind is required")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.clock().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, sender_id, kind, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Kind,
		message.Body,
		message.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}

	var message storage.Message
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, conversation_id, sender_id, kind, body, created_at
FROM messages WHERE id = ?
`, strings.TrimSpace(messageID)).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Kind,
		&message.Body,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	message.CreatedAt = time.UnixMilli(createdAt).UTC()
	return message, nil
}

// DeleteMessage removes a message and, through cascading, its receipts.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, strings.TrimSpace(messageID))
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UpdateMessageBody replaces a message body after an edit.
func (s *Store) UpdateMessageBody(ctx context.Context, messageID, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE messages SET body = ? WHERE id = ?
`, body, strings.TrimSpace(messageID))
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateReceipts writes receipts in one transaction. The primary key on
// (message_id, profile_id) makes repeat pairs no-ops, so overlapping
// batches never produce duplicates.
func (s *Store) CreateReceipts(ctx context.Context, receipts []storage.ReadReceipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(receipts) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin receipt transaction: %w", err)
	}
	for _, receipt := range receipts {
		createdAt := receipt.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.clock().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO read_receipts (message_id, profile_id, created_at)
VALUES (?, ?, ?)
`,
			strings.TrimSpace(receipt.MessageID),
			strings.TrimSpace(receipt.ProfileID),
			createdAt.UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert receipt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit receipts: %w", err)
	}
	return nil
}

// UnreadMessageIDs lists messages in the conversation lacking a receipt for
// the profile, oldest first.
func (s *Store) UnreadMessageIDs(ctx context.Context, conversationID, profileID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT m.id FROM messages m
WHERE m.conversation_id = ?
AND NOT EXISTS (
	SELECT 1 FROM read_receipts r
	WHERE r.message_id = m.id AND r.profile_id = ?
)
ORDER BY m.created_at, m.id
`, strings.TrimSpace(conversationID), strings.TrimSpace(profileID))
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unread message: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread messages: %w", err)
	}
	return ids, nil
}

// MissingReceiptProfiles filters profileIDs down to those lacking a receipt
// for the message, preserving input order.
func (s *Store) MissingReceiptProfiles(ctx context.Context, messageID string, profileIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)

	var missing []string
	for _, profileID := range profileIDs {
		var found int
		err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM read_receipts WHERE message_id = ? AND profile_id = ?
`, messageID, strings.TrimSpace(profileID)).Scan(&found)
		if err == sql.ErrNoRows {
			missing = append(missing, profileID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check receipt: %w", err)
		}
	}
	return missing, nil
}

// UnreadCountsByProfile maps every conversation the profile belongs to onto
// its unread count. Conversations with nothing unread appear with an
// explicit zero.
func (s *Store) UnreadCountsByProfile(ctx context.Context, profileID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT p.conversation_id, COUNT(m.id)
FROM conversation_participants p
LEFT JOIN messages m ON m.conversation_id = p.conversation_id
	AND NOT EXISTS (
		SELECT 1 FROM read_receipts r
		WHERE r.message_id = m.id AND r.profile_id = p.profile_id
	)
WHERE p.profile_id = ?
GROUP BY p.conversation_id
`, strings.TrimSpace(profileID))
	if err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var conversationID string
		var count int
		if err := rows.Scan(&conversationID, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[conversationID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread counts: %w", err)
	}
	return counts, nil
}

// UpsertDevice records a device for a profile, replacing its push token and
// session fingerprint.
func (s *Store) UpsertDevice(ctx context.Context, device storage.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	device.ProfileID = strings.TrimSpace(device.ProfileID)
	device.DeviceID = strings.TrimSpace(device.DeviceID)
	if device.ProfileID == "" || device.DeviceID == "" {
		return fmt.Errorf("profile and device ids are required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO devices (profile_id, device_id, push_token, session_fingerprint, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(profile_id, device_id) DO UPDATE SET
	push_token = excluded.push_token,
	session_fingerprint = excluded.session_fingerprint
`,
		device.ProfileID,
		device.DeviceID,
		strings.TrimSpace(device.PushToken),
		strings.TrimSpace(device.SessionFingerprint),
		s.clock().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// GetDevice loads one device record.
func (s *Store) GetDevice(ctx context.Context, profileID, deviceID string) (storage.Device, error) {
	if err := ctx.Err(); err != nil {
		return storage.Device{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Device{}, fmt.Errorf("storage is not configured")
	}

	var device storage.Device
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT profile_id, device_id, push_token, session_fingerprint
FROM devices WHERE profile_id = ? AND device_id = ?
`, strings.TrimSpace(profileID), strings.TrimSpace(deviceID)).Scan(
		&device.ProfileID,
		&device.DeviceID,
		&device.PushToken,
		&device.SessionFingerprint,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.Device{}, storage.ErrNotFound
		}
		return storage.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDeviceIDs lists a profile's device ids, oldest first.
func (s *Store) ListDeviceIDs(ctx context.Context, profileID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT device_id FROM devices
WHERE profile_id = ?
ORDER BY created_at, device_id
`, strings.TrimSpace(profileID))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return ids, nil
}

// AddContact records a mutual relationship between two profiles.
func (s *Store) AddContact(ctx context.Context, profileID, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	profileID = strings.TrimSpace(profileID)
	peerID = strings.TrimSpace(peerID)
	if profileID == "" || peerID == "" {
		return fmt.Errorf("profile and peer ids are required")
	}
	if profileID == peerID {
		return fmt.Errorf("a profile cannot be its own contact")
	}

	now := s.clock().UTC().UnixMilli()
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin contact transaction: %w", err)
	}
	for _, pair := range [][2]string{{profileID, peerID}, {peerID, profileID}} {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO contacts (profile_id, peer_id, created_at)
VALUES (?, ?, ?)
`, pair[0], pair[1], now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert contact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit contact: %w", err)
	}
	return nil
}

// PeerIDs lists a profile's relationship peers.
func (s *Store) PeerIDs(ctx context.Context, profileID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT peer_id FROM contacts
WHERE profile_id = ?
ORDER BY created_at, peer_id
`, strings.TrimSpace(profileID))
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return ids, nil
}

var (
	_ storage.MessageStore    = (*Store)(nil)
	_ storage.ReceiptStore    = (*Store)(nil)
	_ storage.MembershipStore = (*Store)(nil)
	_ storage.DeviceStore     = (*Store)(nil)
	_ storage.ContactStore    = (*Store)(nil)
)
