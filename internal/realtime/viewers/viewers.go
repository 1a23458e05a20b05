// Package viewers tracks which profiles actively view which conversation.
//
// The viewer set is keyed by profile id, not connection id, so one profile
// viewing the same conversation from several devices counts once. Each
// connection additionally carries a pointer to its current conversation; a
// connection belongs to at most one conversation at any quiescent instant.
package viewers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/realtime/keys"
	"github.com/louisbranch/courier/internal/realtime/store"
)

// ErrNotAMember indicates the profile does not belong to the conversation
// it tried to open.
var ErrNotAMember = errors.New("profile is not a conversation member")

// DefaultTTL bounds viewer entries so stale state from a crashed process
// decays to "not viewing".
const DefaultTTL = 2 * time.Minute

// Membership is the delegated conversation-membership check.
type Membership interface {
	IsMember(ctx context.Context, profileID string, conversationID string) (bool, error)
}

// ConnectionSource lists a profile's live connection ids.
type ConnectionSource interface {
	AllConnections(ctx context.Context, profileID string) ([]string, error)
}

// Tracker maintains viewer sets and per-connection pointers in the shared
// store.
type Tracker struct {
	shared      store.Shared
	membership  Membership
	connections ConnectionSource
	emitter     event.Emitter
	ttl         time.Duration
}

// New creates a viewer tracker. A non-positive ttl falls back to
// DefaultTTL. The emitter may be nil when viewer-change events are not
// wanted (tests, tooling).
func New(shared store.Shared, membership Membership, connections ConnectionSource, emitter event.Emitter, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		shared:      shared,
		membership:  membership,
		connections: connections,
		emitter:     emitter,
		ttl:         ttl,
	}
}

// Open marks the connection as viewing the conversation. When the
// connection was viewing a different conversation, it is evicted from that
// conversation's viewer set in the same atomic batch, so no reader on any
// instance observes the connection in two conversations. Opening requires
// conversation membership.
func (t *Tracker) Open(ctx context.Context, connectionID, profileID, conversationID string) error {
	connectionID = strings.TrimSpace(connectionID)
	profileID = strings.TrimSpace(profileID)
	conversationID = strings.TrimSpace(conversationID)
	if connectionID == "" || profileID == "" || conversationID == "" {
		return errors.New("connection, profile, and conversation ids are required")
	}

	member, err := t.membership.IsMember(ctx, profileID, conversationID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: profile %s conversation %s", ErrNotAMember, profileID, conversationID)
	}

	previous, _, err := t.shared.Value(ctx, keys.Viewing(connectionID))
	if err != nil {
		return fmt.Errorf("read current conversation: %w", err)
	}

	var ops []store.Op
	if previous != "" && previous != conversationID {
		still, err := t.profileStillViewing(ctx, profileID, previous, connectionID)
		if err != nil {
			return err
		}
		if !still {
			ops = append(ops, store.RemoveMember(keys.ConversationViewers(previous), profileID))
		}
	}
	ops = append(ops,
		store.AddMember(keys.ConversationViewers(conversationID), profileID, t.ttl),
		store.SetValue(keys.Viewing(connectionID), conversationID, t.ttl),
	)
	if err := t.shared.Apply(ctx, ops...); err != nil {
		return fmt.Errorf("join viewer set: %w", err)
	}

	if previous != "" && previous != conversationID {
		t.notify(ctx, event.ConversationInactive, profileID, previous)
	}
	t.notify(ctx, event.ConversationActive, profileID, conversationID)
	return nil
}

// Close removes the connection from the conversation and clears its
// pointer. The profile leaves the viewer set only when none of its other
// connections still views the conversation; the store drops the viewer-set
// key once it empties.
func (t *Tracker) Close(ctx context.Context, connectionID, profileID, conversationID string) error {
	connectionID = strings.TrimSpace(connectionID)
	profileID = strings.TrimSpace(profileID)
	conversationID = strings.TrimSpace(conversationID)
	if connectionID == "" || profileID == "" || conversationID == "" {
		return errors.New("connection, profile, and conversation ids are required")
	}

	still, err := t.profileStillViewing(ctx, profileID, conversationID, connectionID)
	if err != nil {
		return err
	}

	ops := []store.Op{store.Delete(keys.Viewing(connectionID))}
	if !still {
		ops = append(ops, store.RemoveMember(keys.ConversationViewers(conversationID), profileID))
	}
	if err := t.shared.Apply(ctx, ops...); err != nil {
		return fmt.Errorf("leave viewer set: %w", err)
	}

	if !still {
		t.notify(ctx, event.ConversationInactive, profileID, conversationID)
	}
	return nil
}

// Disconnect clears any viewer state held by a connection that is going
// away. Unlike Close it tolerates the pointer being already gone.
func (t *Tracker) Disconnect(ctx context.Context, connectionID, profileID string) error {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return errors.New("connection id is required")
	}

	current, ok, err := t.shared.Value(ctx, keys.Viewing(connectionID))
	if err != nil {
		return fmt.Errorf("read current conversation: %w", err)
	}
	if !ok || current == "" {
		return nil
	}
	return t.Close(ctx, connectionID, profileID, current)
}

// Viewers lists the profiles currently viewing a conversation.
func (t *Tracker) Viewers(ctx context.Context, conversationID string) ([]string, error) {
	members, err := t.shared.Members(ctx, keys.ConversationViewers(strings.TrimSpace(conversationID)))
	if err != nil {
		return nil, fmt.Errorf("read viewer set: %w", err)
	}
	return members, nil
}

// profileStillViewing reports whether any of the profile's connections
// other than exclude currently points at the conversation.
func (t *Tracker) profileStillViewing(ctx context.Context, profileID, conversationID, exclude string) (bool, error) {
	conns, err := t.connections.AllConnections(ctx, profileID)
	if err != nil {
		return false, fmt.Errorf("list profile connections: %w", err)
	}
	viewingKeys := make([]string, 0, len(conns))
	for _, conn := range conns {
		if conn == exclude {
			continue
		}
		viewingKeys = append(viewingKeys, keys.Viewing(conn))
	}
	if len(viewingKeys) == 0 {
		return false, nil
	}
	pointers, err := t.shared.Values(ctx, viewingKeys)
	if err != nil {
		return false, fmt.Errorf("read sibling pointers: %w", err)
	}
	for _, target := range pointers {
		if target == conversationID {
			return true, nil
		}
	}
	return false, nil
}

// notify tells the conversation's current viewers about a viewer-set
// change. Best effort: failures are logged and never fail the action.
func (t *Tracker) notify(ctx context.Context, name event.Name, profileID, conversationID string) {
	if t.emitter == nil {
		return
	}
	audience, err := t.shared.Members(ctx, keys.ConversationViewers(conversationID))
	if err != nil {
		log.Printf("viewers: resolve audience for %s: %v", name, err)
		return
	}
	var targets []string
	for _, viewer := range audience {
		if viewer == profileID {
			continue
		}
		conns, err := t.connections.AllConnections(ctx, viewer)
		if err != nil {
			log.Printf("viewers: resolve connections for %s: %v", viewer, err)
			continue
		}
		targets = append(targets, conns...)
	}
	if len(targets) == 0 {
		return
	}
	t.emitter.Emit(ctx, targets, event.Event{
		Name:    name,
		Payload: event.ViewerPayload{ProfileID: profileID, ConversationID: conversationID},
	})
}
