// Package receipts coordinates read-receipt creation, read broadcasts, and
// unread-count recomputation.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/storage"
)

// ConnectionSource lists a profile's live connection ids.
type ConnectionSource interface {
	AllConnections(ctx context.Context, profileID string) ([]string, error)
}

// ViewerSource lists the profiles currently viewing a conversation.
type ViewerSource interface {
	Viewers(ctx context.Context, conversationID string) ([]string, error)
}

// Coordinator marks messages read and propagates the resulting state.
type Coordinator struct {
	store       storage.ReceiptStore
	connections ConnectionSource
	viewers     ViewerSource
	emitter     event.Emitter
	clock       func() time.Time
}

// New creates a read-receipt coordinator. The emitter may be nil when read
// broadcasts are not wanted.
func New(store storage.ReceiptStore, connections ConnectionSource, viewers ViewerSource, emitter event.Emitter, clock func() time.Time) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		store:       store,
		connections: connections,
		viewers:     viewers,
		emitter:     emitter,
		clock:       clock,
	}
}

// MarkAllUnreadAsRead creates one receipt per unread message for the
// profile in the conversation, in a single batch, and returns the
// newly-read message ids. An empty result is not an error; a repeat call
// with no new messages returns an empty list. The messages-read broadcast
// goes out only after the receipts are durably created, so client replays
// of the broadcast are safe no-ops.
func (c *Coordinator) MarkAllUnreadAsRead(ctx context.Context, profileID, conversationID string) ([]string, error) {
	profileID = strings.TrimSpace(profileID)
	conversationID = strings.TrimSpace(conversationID)
	if profileID == "" || conversationID == "" {
		return nil, errors.New("profile and conversation ids are required")
	}

	messageIDs, err := c.store.UnreadMessageIDs(ctx, conversationID, profileID)
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	if len(messageIDs) == 0 {
		return []string{}, nil
	}

	now := c.clock().UTC()
	batch := make([]storage.ReadReceipt, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		batch = append(batch, storage.ReadReceipt{
			MessageID: messageID,
			ProfileID: profileID,
			CreatedAt: now,
		})
	}
	if err := c.store.CreateReceipts(ctx, batch); err != nil {
		return nil, fmt.Errorf("create receipts: %w", err)
	}

	c.broadcastRead(ctx, profileID, conversationID, messageIDs)
	c.emitCounts(ctx, profileID)
	return messageIDs, nil
}

// MarkAsReadForViewers creates receipts for the given message for exactly
// the viewer profiles that lack one, and returns those profiles. The
// pre-check plus the store's uniqueness constraint together guarantee at
// most one receipt per (message, profile) pair even under concurrent
// overlapping calls.
func (c *Coordinator) MarkAsReadForViewers(ctx context.Context, messageID string, viewerProfileIDs []string) ([]string, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, errors.New("message id is required")
	}
	if len(viewerProfileIDs) == 0 {
		return []string{}, nil
	}

	missing, err := c.store.MissingReceiptProfiles(ctx, messageID, viewerProfileIDs)
	if err != nil {
		return nil, fmt.Errorf("check existing receipts: %w", err)
	}
	if len(missing) == 0 {
		return []string{}, nil
	}

	now := c.clock().UTC()
	batch := make([]storage.ReadReceipt, 0, len(missing))
	for _, profileID := range missing {
		batch = append(batch, storage.ReadReceipt{
			MessageID: messageID,
			ProfileID: profileID,
			CreatedAt: now,
		})
	}
	if err := c.store.CreateReceipts(ctx, batch); err != nil {
		return nil, fmt.Errorf("create viewer receipts: %w", err)
	}
	return missing, nil
}

// UnreadCountsByConversation maps every conversation the profile belongs
// to onto its count of messages lacking a receipt for the profile.
func (c *Coordinator) UnreadCountsByConversation(ctx context.Context, profileID string) (map[string]int, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return nil, errors.New("profile id is required")
	}
	counts, err := c.store.UnreadCountsByProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	return counts, nil
}

// broadcastRead tells the reader's own devices and the conversation's
// current viewers which messages were read. Best effort.
func (c *Coordinator) broadcastRead(ctx context.Context, profileID, conversationID string, messageIDs []string) {
	if c.emitter == nil {
		return
	}

	targets := make(map[string]struct{})
	ownConns, err := c.connections.AllConnections(ctx, profileID)
	if err != nil {
		log.Printf("receipts: resolve reader connections: %v", err)
	}
	for _, conn := range ownConns {
		targets[conn] = struct{}{}
	}

	if c.viewers != nil {
		viewing, err := c.viewers.Viewers(ctx, conversationID)
		if err != nil {
			log.Printf("receipts: resolve conversation viewers: %v", err)
		}
		for _, viewer := range viewing {
			conns, err := c.connections.AllConnections(ctx, viewer)
			if err != nil {
				log.Printf("receipts: resolve viewer connections: %v", err)
				continue
			}
			for _, conn := range conns {
				targets[conn] = struct{}{}
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	connectionIDs := make([]string, 0, len(targets))
	for conn := range targets {
		connectionIDs = append(connectionIDs, conn)
	}
	c.emitter.Emit(ctx, connectionIDs, event.Event{
		Name: event.MessagesRead,
		Payload: event.ReadPayload{
			ProfileID:      profileID,
			ConversationID: conversationID,
			MessageIDs:     messageIDs,
		},
	})
}

// emitCounts pushes the profile's refreshed unread mapping to its own
// connections. Best effort.
func (c *Coordinator) emitCounts(ctx context.Context, profileID string) {
	if c.emitter == nil {
		return
	}
	counts, err := c.store.UnreadCountsByProfile(ctx, profileID)
	if err != nil {
		log.Printf("receipts: recompute unread counts: %v", err)
		return
	}
	conns, err := c.connections.AllConnections(ctx, profileID)
	if err != nil {
		log.Printf("receipts: resolve connections for counts: %v", err)
		return
	}
	if len(conns) == 0 {
		return
	}
	c.emitter.Emit(ctx, conns, event.Event{
		Name:    event.UnreadCounts,
		Payload: event.CountsPayload{Counts: counts},
	})
}
