package presence

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/realtime/registry"
	"github.com/louisbranch/courier/internal/realtime/store"
	"github.com/louisbranch/courier/internal/storage"
)

type fakeDevices struct{}

func (fakeDevices) GetDevice(_ context.Context, profileID, deviceID string) (storage.Device, error) {
	return storage.Device{ProfileID: profileID, DeviceID: deviceID}, nil
}

type fakeRelationships struct {
	peers map[string][]string
}

func (f *fakeRelationships) PeerIDs(_ context.Context, profileID string) ([]string, error) {
	return f.peers[profileID], nil
}

type recordedEvent struct {
	targets []string
	evt     event.Event
}

type capturingEmitter struct {
	emitted []recordedEvent
}

func (c *capturingEmitter) Emit(_ context.Context, connectionIDs []string, evt event.Event) {
	c.emitted = append(c.emitted, recordedEvent{targets: connectionIDs, evt: evt})
}

func (c *capturingEmitter) named(name event.Name) []recordedEvent {
	var matched []recordedEvent
	for _, rec := range c.emitted {
		if rec.evt.Name == name {
			matched = append(matched, rec)
		}
	}
	return matched
}

func TestIsOnlineFollowsConnectionSet(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	reg := registry.New(mem, fakeDevices{}, time.Minute)
	engine := New(reg, &fakeRelationships{}, &capturingEmitter{})
	ctx := context.Background()

	online, err := engine.IsOnline(ctx, "alice")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if online {
		t.Fatal("profile with no connections reported online")
	}

	if _, err := reg.Register(ctx, "alice", "phone", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	online, err = engine.IsOnline(ctx, "alice")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !online {
		t.Fatal("profile with a live connection reported offline")
	}
}

// Scenario: profile X registers devices D1 and D2; disconnecting D1 leaves
// X online; disconnecting D2 marks X offline and notifies X's peers exactly
// once.
func TestMultiDeviceOfflineTransitionNotifiesPeersOnce(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	reg := registry.New(mem, fakeDevices{}, time.Minute)
	emitter := &capturingEmitter{}
	relationships := &fakeRelationships{peers: map[string][]string{"x": {"peer"}}}
	engine := New(reg, relationships, emitter)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "peer", "phone", "p1"); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	first, err := reg.Register(ctx, "x", "d1", "c1")
	if err != nil {
		t.Fatalf("register d1: %v", err)
	}
	if first {
		if err := engine.MarkOnline(ctx, "x"); err != nil {
			t.Fatalf("mark online: %v", err)
		}
	}
	if _, err := reg.Register(ctx, "x", "d2", "c2"); err != nil {
		t.Fatalf("register d2: %v", err)
	}

	onlineEvents := emitter.named(event.PeerOnline)
	if len(onlineEvents) != 1 {
		t.Fatalf("peer-online events = %d, want 1", len(onlineEvents))
	}
	if len(onlineEvents[0].targets) != 1 || onlineEvents[0].targets[0] != "p1" {
		t.Fatalf("peer-online targets = %v, want [p1]", onlineEvents[0].targets)
	}

	// First disconnect: X stays online, no offline event.
	if _, err := reg.Release(ctx, "c1"); err != nil {
		t.Fatalf("release c1: %v", err)
	}
	if err := engine.MarkOffline(ctx, "x"); err != nil {
		t.Fatalf("mark offline after c1: %v", err)
	}
	if got := len(emitter.named(event.PeerOffline)); got != 0 {
		t.Fatalf("peer-offline events after first disconnect = %d, want 0", got)
	}
	online, err := engine.IsOnline(ctx, "x")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !online {
		t.Fatal("x reported offline while d2 still connected")
	}

	// Last disconnect: X goes offline and peers hear it exactly once.
	if _, err := reg.Release(ctx, "c2"); err != nil {
		t.Fatalf("release c2: %v", err)
	}
	if err := engine.MarkOffline(ctx, "x"); err != nil {
		t.Fatalf("mark offline after c2: %v", err)
	}
	offlineEvents := emitter.named(event.PeerOffline)
	if len(offlineEvents) != 1 {
		t.Fatalf("peer-offline events = %d, want 1", len(offlineEvents))
	}
	payload, ok := offlineEvents[0].evt.Payload.(event.PresencePayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", offlineEvents[0].evt.Payload)
	}
	if payload.ProfileID != "x" {
		t.Fatalf("payload profile = %q, want x", payload.ProfileID)
	}
}

func TestMarkOfflineSkipsFanOutWhenReRegisteredElsewhere(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	reg := registry.New(mem, fakeDevices{}, time.Minute)
	emitter := &capturingEmitter{}
	relationships := &fakeRelationships{peers: map[string][]string{"x": {"peer"}}}
	engine := New(reg, relationships, emitter)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "x", "d1", "c1"); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if _, err := reg.Release(ctx, "c1"); err != nil {
		t.Fatalf("release c1: %v", err)
	}
	// A racing registration on another instance lands before the offline
	// re-check.
	if _, err := reg.Register(ctx, "x", "d2", "c2"); err != nil {
		t.Fatalf("register c2: %v", err)
	}

	if err := engine.MarkOffline(ctx, "x"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if got := len(emitter.named(event.PeerOffline)); got != 0 {
		t.Fatalf("peer-offline events = %d, want 0 after racing registration", got)
	}
}
