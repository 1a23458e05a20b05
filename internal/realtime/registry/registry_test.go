package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/louisbranch/courier/internal/realtime/keys"
	"github.com/louisbranch/courier/internal/realtime/store"
	"github.com/louisbranch/courier/internal/storage"
)

type fakeDevices struct {
	known map[string]struct{}
	err   error
}

func newFakeDevices(pairs ...string) *fakeDevices {
	known := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		known[pair] = struct{}{}
	}
	return &fakeDevices{known: known}
}

func (f *fakeDevices) GetDevice(_ context.Context, profileID, deviceID string) (storage.Device, error) {
	if f.err != nil {
		return storage.Device{}, f.err
	}
	if _, ok := f.known[profileID+"/"+deviceID]; !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return storage.Device{ProfileID: profileID, DeviceID: deviceID}, nil
}

type failingStore struct {
	store.Shared
}

func (f failingStore) Members(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func TestRegisterUnknownDeviceIsRejected(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("alice/phone"), time.Minute)

	_, err := reg.Register(context.Background(), "alice", "tablet", "c1")
	if !errors.Is(err, ErrDeviceUnknown) {
		t.Fatalf("expected ErrDeviceUnknown, got %v", err)
	}
}

func TestRegisterReportsFirstConnection(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("alice/phone", "alice/laptop"), time.Minute)
	ctx := context.Background()

	first, err := reg.Register(ctx, "alice", "phone", "c1")
	if err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if !first {
		t.Fatal("expected first connection to report first=true")
	}

	first, err = reg.Register(ctx, "alice", "laptop", "c2")
	if err != nil {
		t.Fatalf("register c2: %v", err)
	}
	if first {
		t.Fatal("expected second connection to report first=false")
	}

	conns, err := reg.AllConnections(ctx, "alice")
	if err != nil {
		t.Fatalf("all connections: %v", err)
	}
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Fatalf("connections = %v, want [c1 c2]", conns)
	}
}

func TestResolveProfileAndDevice(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("alice/phone"), time.Minute)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "alice", "phone", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	profile, err := reg.ResolveProfile(ctx, "c1")
	if err != nil {
		t.Fatalf("resolve profile: %v", err)
	}
	if profile != "alice" {
		t.Fatalf("profile = %q, want alice", profile)
	}

	device, err := reg.ResolveDevice(ctx, "c1")
	if err != nil {
		t.Fatalf("resolve device: %v", err)
	}
	if device != "phone" {
		t.Fatalf("device = %q, want phone", device)
	}

	if _, err := reg.ResolveProfile(ctx, "missing"); !errors.Is(err, ErrConnectionUnknown) {
		t.Fatalf("expected ErrConnectionUnknown, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("alice/phone"), time.Minute)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "alice", "phone", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	profile, err := reg.Release(ctx, "c1")
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if profile != "alice" {
		t.Fatalf("released profile = %q, want alice", profile)
	}

	profile, err = reg.Release(ctx, "c1")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if profile != "" {
		t.Fatalf("repeated release returned profile %q, want empty", profile)
	}

	conns, err := reg.AllConnections(ctx, "alice")
	if err != nil {
		t.Fatalf("all connections: %v", err)
	}
	if len(conns) != 0 {
		t.Fatalf("connections after release = %v, want empty", conns)
	}
}

func TestRegisterEntriesExpireWithoutRefresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryWithClock(func() time.Time { return now })
	reg := New(mem, newFakeDevices("alice/phone"), 30*time.Second)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "alice", "phone", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	now = now.Add(29 * time.Second)
	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	now = now.Add(29 * time.Second)
	if _, err := reg.ResolveProfile(ctx, "c1"); err != nil {
		t.Fatalf("resolve after touch: %v", err)
	}

	now = now.Add(31 * time.Second)
	if _, err := reg.ResolveProfile(ctx, "c1"); !errors.Is(err, ErrConnectionUnknown) {
		t.Fatalf("expected expired connection to be unknown, got %v", err)
	}
	conns, err := reg.AllConnections(ctx, "alice")
	if err != nil {
		t.Fatalf("all connections: %v", err)
	}
	if len(conns) != 0 {
		t.Fatalf("expected profile set to self-heal after expiry, got %v", conns)
	}
}

func TestRegisterSameConnectionAgainIsNotFirst(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("alice/phone"), time.Minute)
	ctx := context.Background()

	first, err := reg.Register(ctx, "alice", "phone", "c1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !first {
		t.Fatal("expected initial registration to report first=true")
	}

	first, err = reg.Register(ctx, "alice", "phone", "c1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first {
		t.Fatal("re-registering the sole connection must not report a presence transition")
	}
}

func TestRegisterProfileSwitchEvictsStaleMembership(t *testing.T) {
	t.Parallel()

	reg := New(store.NewMemory(), newFakeDevices("p1/d1", "p2/d2"), time.Minute)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "p1", "d1", "c1"); err != nil {
		t.Fatalf("register as p1: %v", err)
	}
	if _, err := reg.Register(ctx, "p2", "d2", "c1"); err != nil {
		t.Fatalf("register as p2: %v", err)
	}

	p1Conns, err := reg.AllConnections(ctx, "p1")
	if err != nil {
		t.Fatalf("p1 connections: %v", err)
	}
	if len(p1Conns) != 0 {
		t.Fatalf("p1 connections = %v, want empty after c1 switched to p2", p1Conns)
	}

	p2Conns, err := reg.AllConnections(ctx, "p2")
	if err != nil {
		t.Fatalf("p2 connections: %v", err)
	}
	if len(p2Conns) != 1 || p2Conns[0] != "c1" {
		t.Fatalf("p2 connections = %v, want [c1]", p2Conns)
	}

	profile, err := reg.ResolveProfile(ctx, "c1")
	if err != nil {
		t.Fatalf("resolve profile: %v", err)
	}
	if profile != "p2" {
		t.Fatalf("c1 resolves to %q, want p2", profile)
	}
}

func TestTouchRefreshesViewerSetTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	mem := store.NewMemoryWithClock(func() time.Time { return now })
	reg := New(mem, newFakeDevices("alice/phone"), 30*time.Second)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "alice", "phone", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mem.Apply(ctx,
		store.SetValue(keys.Viewing("c1"), "g1", 30*time.Second),
		store.AddMember(keys.ConversationViewers("g1"), "alice", 30*time.Second),
	); err != nil {
		t.Fatalf("seed viewer state: %v", err)
	}

	now = now.Add(29 * time.Second)
	if err := reg.Touch(ctx, "c1"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	now = now.Add(29 * time.Second)
	members, err := mem.Members(ctx, keys.ConversationViewers("g1"))
	if err != nil {
		t.Fatalf("viewer members: %v", err)
	}
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("viewer set = %v, want [alice] after touch", members)
	}
	pointer, ok, err := mem.Value(ctx, keys.Viewing("c1"))
	if err != nil {
		t.Fatalf("viewing pointer: %v", err)
	}
	if !ok || pointer != "g1" {
		t.Fatalf("viewing pointer = %q ok=%v, want \"g1\" true", pointer, ok)
	}
}

func TestRegisterStoreFailureAbortsAction(t *testing.T) {
	t.Parallel()

	reg := New(failingStore{Shared: store.NewMemory()}, newFakeDevices("alice/phone"), time.Minute)

	_, err := reg.Register(context.Background(), "alice", "phone", "c1")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected store.ErrUnavailable, got %v", err)
	}
}
