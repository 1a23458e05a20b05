package viewers

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/realtime/registry"
	"github.com/louisbranch/courier/internal/realtime/store"
	"github.com/louisbranch/courier/internal/storage"
)

type fakeMembership struct {
	members map[string]map[string]struct{}
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{members: make(map[string]map[string]struct{})}
}

func (f *fakeMembership) add(conversationID string, profileIDs ...string) {
	set, ok := f.members[conversationID]
	if !ok {
		set = make(map[string]struct{})
		f.members[conversationID] = set
	}
	for _, id := range profileIDs {
		set[id] = struct{}{}
	}
}

func (f *fakeMembership) IsMember(_ context.Context, profileID, conversationID string) (bool, error) {
	_, ok := f.members[conversationID][profileID]
	return ok, nil
}

type fakeDevices struct{}

func (fakeDevices) GetDevice(_ context.Context, profileID, deviceID string) (storage.Device, error) {
	return storage.Device{ProfileID: profileID, DeviceID: deviceID}, nil
}

type capturingEmitter struct {
	events []event.Event
}

func (c *capturingEmitter) Emit(_ context.Context, _ []string, evt event.Event) {
	c.events = append(c.events, evt)
}

func newTestTracker(t *testing.T) (*Tracker, *registry.Registry, *fakeMembership) {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New(mem, fakeDevices{}, time.Minute)
	membership := newFakeMembership()
	tracker := New(mem, membership, reg, &capturingEmitter{}, time.Minute)
	return tracker, reg, membership
}

func register(t *testing.T, reg *registry.Registry, profileID, deviceID, connectionID string) {
	t.Helper()
	if _, err := reg.Register(context.Background(), profileID, deviceID, connectionID); err != nil {
		t.Fatalf("register %s: %v", connectionID, err)
	}
}

func TestOpenRequiresMembership(t *testing.T) {
	t.Parallel()

	tracker, reg, _ := newTestTracker(t)
	register(t, reg, "alice", "phone", "c1")

	err := tracker.Open(context.Background(), "c1", "alice", "g1")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestOpenSwitchEvictsPreviousConversation(t *testing.T) {
	t.Parallel()

	tracker, reg, membership := newTestTracker(t)
	membership.add("g1", "alice")
	membership.add("g2", "alice")
	register(t, reg, "alice", "phone", "c1")
	ctx := context.Background()

	if err := tracker.Open(ctx, "c1", "alice", "g1"); err != nil {
		t.Fatalf("open g1: %v", err)
	}
	if err := tracker.Open(ctx, "c1", "alice", "g2"); err != nil {
		t.Fatalf("open g2: %v", err)
	}

	g1Viewers, err := tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers g1: %v", err)
	}
	if len(g1Viewers) != 0 {
		t.Fatalf("g1 viewers = %v, want empty after switch", g1Viewers)
	}

	g2Viewers, err := tracker.Viewers(ctx, "g2")
	if err != nil {
		t.Fatalf("viewers g2: %v", err)
	}
	if len(g2Viewers) != 1 || g2Viewers[0] != "alice" {
		t.Fatalf("g2 viewers = %v, want [alice]", g2Viewers)
	}
}

func TestOpenSwitchKeepsProfileWhenSiblingConnectionStillViews(t *testing.T) {
	t.Parallel()

	tracker, reg, membership := newTestTracker(t)
	membership.add("g1", "alice")
	membership.add("g2", "alice")
	register(t, reg, "alice", "phone", "c1")
	register(t, reg, "alice", "laptop", "c2")
	ctx := context.Background()

	if err := tracker.Open(ctx, "c1", "alice", "g1"); err != nil {
		t.Fatalf("open c1 g1: %v", err)
	}
	if err := tracker.Open(ctx, "c2", "alice", "g1"); err != nil {
		t.Fatalf("open c2 g1: %v", err)
	}
	if err := tracker.Open(ctx, "c1", "alice", "g2"); err != nil {
		t.Fatalf("switch c1 to g2: %v", err)
	}

	g1Viewers, err := tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers g1: %v", err)
	}
	if len(g1Viewers) != 1 || g1Viewers[0] != "alice" {
		t.Fatalf("g1 viewers = %v, want [alice] while c2 still views", g1Viewers)
	}
}

func TestMultiDeviceViewingCollapsesToOneProfile(t *testing.T) {
	t.Parallel()

	tracker, reg, membership := newTestTracker(t)
	membership.add("g1", "alice", "bob")
	register(t, reg, "alice", "phone", "c1")
	register(t, reg, "alice", "laptop", "c2")
	register(t, reg, "bob", "phone", "c3")
	ctx := context.Background()

	for conn, profile := range map[string]string{"c1": "alice", "c2": "alice", "c3": "bob"} {
		if err := tracker.Open(ctx, conn, profile, "g1"); err != nil {
			t.Fatalf("open %s: %v", conn, err)
		}
	}

	viewerList, err := tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	sort.Strings(viewerList)
	if len(viewerList) != 2 || viewerList[0] != "alice" || viewerList[1] != "bob" {
		t.Fatalf("viewers = %v, want [alice bob]", viewerList)
	}
}

func TestCloseRemovesProfileOnlyWhenLastConnectionLeaves(t *testing.T) {
	t.Parallel()

	tracker, reg, membership := newTestTracker(t)
	membership.add("g1", "alice")
	register(t, reg, "alice", "phone", "c1")
	register(t, reg, "alice", "laptop", "c2")
	ctx := context.Background()

	if err := tracker.Open(ctx, "c1", "alice", "g1"); err != nil {
		t.Fatalf("open c1: %v", err)
	}
	if err := tracker.Open(ctx, "c2", "alice", "g1"); err != nil {
		t.Fatalf("open c2: %v", err)
	}

	if err := tracker.Close(ctx, "c1", "alice", "g1"); err != nil {
		t.Fatalf("close c1: %v", err)
	}
	viewerList, err := tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(viewerList) != 1 || viewerList[0] != "alice" {
		t.Fatalf("viewers = %v, want [alice] while c2 views", viewerList)
	}

	if err := tracker.Close(ctx, "c2", "alice", "g1"); err != nil {
		t.Fatalf("close c2: %v", err)
	}
	viewerList, err = tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers after last close: %v", err)
	}
	if len(viewerList) != 0 {
		t.Fatalf("viewers = %v, want empty", viewerList)
	}
}

func TestDisconnectClearsViewerState(t *testing.T) {
	t.Parallel()

	tracker, reg, membership := newTestTracker(t)
	membership.add("g1", "alice")
	register(t, reg, "alice", "phone", "c1")
	ctx := context.Background()

	if err := tracker.Open(ctx, "c1", "alice", "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tracker.Disconnect(ctx, "c1", "alice"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	viewerList, err := tracker.Viewers(ctx, "g1")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(viewerList) != 0 {
		t.Fatalf("viewers = %v, want empty after disconnect", viewerList)
	}

	// A second disconnect finds no pointer and stays a no-op.
	if err := tracker.Disconnect(ctx, "c1", "alice"); err != nil {
		t.Fatalf("repeated disconnect: %v", err)
	}
}
