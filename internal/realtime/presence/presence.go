// Package presence derives online/offline state from the connection
// registry and notifies relationship peers of transitions.
//
// Presence is never stored on its own: a profile is online iff its
// connection set is non-empty. Losing registry state therefore degrades to
// "offline", never to an elevated state.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/courier/internal/realtime/event"
)

// ConnectionSource lists a profile's live connection ids.
type ConnectionSource interface {
	AllConnections(ctx context.Context, profileID string) ([]string, error)
}

// Relationships resolves the peers that should learn about a profile's
// presence transitions.
type Relationships interface {
	PeerIDs(ctx context.Context, profileID string) ([]string, error)
}

// Engine answers presence queries and fans out transitions.
type Engine struct {
	connections   ConnectionSource
	relationships Relationships
	emitter       event.Emitter
}

// New creates a presence engine.
func New(connections ConnectionSource, relationships Relationships, emitter event.Emitter) *Engine {
	return &Engine{
		connections:   connections,
		relationships: relationships,
		emitter:       emitter,
	}
}

// IsOnline reports whether the profile has at least one live connection.
func (e *Engine) IsOnline(ctx context.Context, profileID string) (bool, error) {
	conns, err := e.connections.AllConnections(ctx, profileID)
	if err != nil {
		return false, fmt.Errorf("read connections: %w", err)
	}
	return len(conns) > 0, nil
}

// MarkOnline fans a peer-online event out to each relationship peer's live
// connections. Call it when a profile's first registration succeeds. The
// fan-out is best effort: no retry, no persistence.
func (e *Engine) MarkOnline(ctx context.Context, profileID string) error {
	return e.fanOut(ctx, profileID, event.PeerOnline)
}

// MarkOffline re-checks that the profile's connection set is empty and, if
// so, fans a peer-offline event out to relationship peers. The post-release
// re-check resolves the race against a concurrent registration elsewhere
// by ordering, not by locking: when another connection registered in the
// meantime the set is non-empty and no transition is announced.
func (e *Engine) MarkOffline(ctx context.Context, profileID string) error {
	conns, err := e.connections.AllConnections(ctx, profileID)
	if err != nil {
		return fmt.Errorf("re-check connections: %w", err)
	}
	if len(conns) > 0 {
		return nil
	}
	return e.fanOut(ctx, profileID, event.PeerOffline)
}

func (e *Engine) fanOut(ctx context.Context, profileID string, name event.Name) error {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return errors.New("profile id is required")
	}
	if e.emitter == nil {
		return nil
	}

	peers, err := e.relationships.PeerIDs(ctx, profileID)
	if err != nil {
		return fmt.Errorf("resolve relationship peers: %w", err)
	}

	var targets []string
	for _, peer := range peers {
		conns, err := e.connections.AllConnections(ctx, peer)
		if err != nil {
			log.Printf("presence: resolve connections for peer %s: %v", peer, err)
			continue
		}
		targets = append(targets, conns...)
	}
	if len(targets) == 0 {
		return nil
	}

	e.emitter.Emit(ctx, targets, event.Event{
		Name:    name,
		Payload: event.PresencePayload{ProfileID: profileID},
	})
	return nil
}
