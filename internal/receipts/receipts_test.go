package receipts

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/storage"
)

type fakeReceiptStore struct {
	mu       sync.Mutex
	messages []storage.Message
	receipts map[string]map[string]struct{} // messageID -> profileIDs
	members  map[string][]string            // conversationID -> profileIDs
}

func newFakeReceiptStore() *fakeReceiptStore {
	return &fakeReceiptStore{
		receipts: make(map[string]map[string]struct{}),
		members:  make(map[string][]string),
	}
}

func (f *fakeReceiptStore) addMessage(id, conversationID, senderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, storage.Message{ID: id, ConversationID: conversationID, SenderID: senderID})
}

func (f *fakeReceiptStore) CreateReceipts(_ context.Context, batch []storage.ReadReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, receipt := range batch {
		set, ok := f.receipts[receipt.MessageID]
		if !ok {
			set = make(map[string]struct{})
			f.receipts[receipt.MessageID] = set
		}
		// Uniqueness constraint: an existing pair is skipped, not duplicated.
		set[receipt.ProfileID] = struct{}{}
	}
	return nil
}

func (f *fakeReceiptStore) UnreadMessageIDs(_ context.Context, conversationID, profileID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, msg := range f.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if _, read := f.receipts[msg.ID][profileID]; !read {
			ids = append(ids, msg.ID)
		}
	}
	return ids, nil
}

func (f *fakeReceiptStore) MissingReceiptProfiles(_ context.Context, messageID string, profileIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []string
	for _, profileID := range profileIDs {
		if _, read := f.receipts[messageID][profileID]; !read {
			missing = append(missing, profileID)
		}
	}
	return missing, nil
}

func (f *fakeReceiptStore) UnreadCountsByProfile(_ context.Context, profileID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for conversationID, members := range f.members {
		for _, member := range members {
			if member == profileID {
				counts[conversationID] = 0
			}
		}
	}
	for _, msg := range f.messages {
		if _, member := counts[msg.ConversationID]; !member {
			continue
		}
		if _, read := f.receipts[msg.ID][profileID]; !read {
			counts[msg.ConversationID]++
		}
	}
	return counts, nil
}

func (f *fakeReceiptStore) receiptCount(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts[messageID])
}

type fakeConnections struct {
	conns map[string][]string
}

func (f *fakeConnections) AllConnections(_ context.Context, profileID string) ([]string, error) {
	return f.conns[profileID], nil
}

type fakeViewers struct {
	viewing map[string][]string
}

func (f *fakeViewers) Viewers(_ context.Context, conversationID string) ([]string, error) {
	return f.viewing[conversationID], nil
}

type recordedEvent struct {
	targets []string
	evt     event.Event
}

type capturingEmitter struct {
	mu      sync.Mutex
	emitted []recordedEvent
}

func (c *capturingEmitter) Emit(_ context.Context, connectionIDs []string, evt event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, recordedEvent{targets: connectionIDs, evt: evt})
}

func (c *capturingEmitter) named(name event.Name) []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []recordedEvent
	for _, rec := range c.emitted {
		if rec.evt.Name == name {
			matched = append(matched, rec)
		}
	}
	return matched
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMarkAllUnreadAsReadIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeReceiptStore()
	store.members["g"] = []string{"alice", "bob"}
	store.addMessage("m1", "g", "bob")
	store.addMessage("m2", "g", "bob")

	emitter := &capturingEmitter{}
	coord := New(store, &fakeConnections{conns: map[string][]string{"alice": {"c1"}}}, &fakeViewers{}, emitter,
		fixedClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	read, err := coord.MarkAllUnreadAsRead(ctx, "alice", "g")
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	sort.Strings(read)
	if len(read) != 2 || read[0] != "m1" || read[1] != "m2" {
		t.Fatalf("newly read = %v, want [m1 m2]", read)
	}

	again, err := coord.MarkAllUnreadAsRead(ctx, "alice", "g")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("repeat mark returned %v, want empty list", again)
	}

	readEvents := emitter.named(event.MessagesRead)
	if len(readEvents) != 1 {
		t.Fatalf("messages-read events = %d, want 1", len(readEvents))
	}
	payload := readEvents[0].evt.Payload.(event.ReadPayload)
	if payload.ProfileID != "alice" || payload.ConversationID != "g" || len(payload.MessageIDs) != 2 {
		t.Fatalf("unexpected read payload: %+v", payload)
	}
}

func TestMarkAsReadForViewersNeverDuplicatesUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := newFakeReceiptStore()
	store.addMessage("m1", "g", "alice")
	coord := New(store, &fakeConnections{}, &fakeViewers{}, nil, nil)
	ctx := context.Background()

	viewerIDs := []string{"alice", "bob", "carol"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := coord.MarkAsReadForViewers(ctx, "m1", viewerIDs); err != nil {
				t.Errorf("mark for viewers: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := store.receiptCount("m1"); got != len(viewerIDs) {
		t.Fatalf("receipts for m1 = %d, want %d", got, len(viewerIDs))
	}
}

func TestMarkAsReadForViewersReturnsOnlyNewlyRead(t *testing.T) {
	t.Parallel()

	store := newFakeReceiptStore()
	store.addMessage("m1", "g", "alice")
	coord := New(store, &fakeConnections{}, &fakeViewers{}, nil, nil)
	ctx := context.Background()

	first, err := coord.MarkAsReadForViewers(ctx, "m1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	sort.Strings(first)
	if len(first) != 2 {
		t.Fatalf("first call marked %v, want 2 profiles", first)
	}

	second, err := coord.MarkAsReadForViewers(ctx, "m1", []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(second) != 1 || second[0] != "carol" {
		t.Fatalf("second call marked %v, want [carol]", second)
	}
}

func TestUnreadCountsCoverProfileConversations(t *testing.T) {
	t.Parallel()

	store := newFakeReceiptStore()
	store.members["g1"] = []string{"alice"}
	store.members["g2"] = []string{"alice"}
	store.addMessage("m1", "g1", "bob")
	store.addMessage("m2", "g1", "bob")

	coord := New(store, &fakeConnections{}, &fakeViewers{}, nil, nil)
	ctx := context.Background()

	counts, err := coord.UnreadCountsByConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts["g1"] != 2 {
		t.Fatalf("g1 unread = %d, want 2", counts["g1"])
	}
	if count, ok := counts["g2"]; !ok || count != 0 {
		t.Fatalf("g2 unread = %d (present=%v), want explicit 0", count, ok)
	}

	if _, err := coord.MarkAllUnreadAsRead(ctx, "alice", "g1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	counts, err = coord.UnreadCountsByConversation(ctx, "alice")
	if err != nil {
		t.Fatalf("unread counts after read: %v", err)
	}
	if counts["g1"] != 0 {
		t.Fatalf("g1 unread after read = %d, want 0", counts["g1"])
	}
}
