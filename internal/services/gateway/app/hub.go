package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/louisbranch/courier/internal/realtime/event"
)

// Hub tracks the connections this process accepted and delivers outbound
// events to them. Connections owned by other instances are forwarded over
// the bridge when one is configured; without a bridge they are skipped,
// which is correct for single-instance deployments.
type Hub struct {
	mu     sync.Mutex
	peers  map[string]*wsPeer
	bridge *RedisBridge
}

// NewHub creates a connection hub. The bridge may be nil.
func NewHub(bridge *RedisBridge) *Hub {
	return &Hub{
		peers:  make(map[string]*wsPeer),
		bridge: bridge,
	}
}

func (h *Hub) attach(connectionID string, peer *wsPeer) {
	h.mu.Lock()
	h.peers[connectionID] = peer
	h.mu.Unlock()
}

func (h *Hub) detach(connectionID string) {
	h.mu.Lock()
	delete(h.peers, connectionID)
	h.mu.Unlock()
}

// Emit delivers the event to each connection: locally attached peers get
// the frame directly, the rest go over the bridge. Best effort.
func (h *Hub) Emit(ctx context.Context, connectionIDs []string, evt event.Event) {
	if h == nil || len(connectionIDs) == 0 {
		return
	}
	frame := wsFrame{
		Type:    string(evt.Name),
		Payload: mustJSON(evt.Payload),
	}

	var remote []string
	for _, connectionID := range connectionIDs {
		h.mu.Lock()
		peer, ok := h.peers[connectionID]
		h.mu.Unlock()
		if !ok {
			remote = append(remote, connectionID)
			continue
		}
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("gateway: write %s to %s: %v", evt.Name, connectionID, err)
		}
	}

	if len(remote) > 0 && h.bridge != nil {
		if err := h.bridge.publish(ctx, remote, frame); err != nil {
			log.Printf("gateway: bridge publish %s: %v", evt.Name, err)
		}
	}
}

// deliverLocal writes a bridged frame to whichever of the connections this
// process owns.
func (h *Hub) deliverLocal(connectionIDs []string, frame wsFrame) {
	for _, connectionID := range connectionIDs {
		h.mu.Lock()
		peer, ok := h.peers[connectionID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("gateway: write bridged %s to %s: %v", frame.Type, connectionID, err)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
