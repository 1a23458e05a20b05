package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	members   map[string]struct{}
	isSet     bool
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Shared implementation with Redis-equivalent
// semantics, used in tests and single-node development. It honors TTLs via
// an injectable clock and applies batches under one lock so no partial
// batch state is observable.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

// NewMemory creates an in-memory store using wall-clock time.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory store with an explicit clock so
// tests can step time past TTLs deterministically.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
	}
}

// Value reads one value key.
func (m *Memory) Value(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.isSet {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Values reads many value keys at once.
func (m *Memory) Values(ctx context.Context, keys []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(keys))
	for _, key := range keys {
		entry := m.live(key)
		if entry == nil || entry.isSet {
			continue
		}
		result[key] = entry.value
	}
	return result, nil
}

// Members lists a set's members.
func (m *Memory) Members(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || !entry.isSet {
		return nil, nil
	}
	members := make([]string, 0, len(entry.members))
	for member := range entry.members {
		members = append(members, member)
	}
	return members, nil
}

// Apply executes a batch of mutations under one lock.
func (m *Memory) Apply(ctx context.Context, ops ...Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, op := range ops {
		switch op.Kind {
		case OpSetValue:
			entry := &memoryEntry{value: op.Value}
			if op.TTL > 0 {
				entry.expiresAt = now.Add(op.TTL)
			}
			m.entries[op.Key] = entry
		case OpDelete:
			delete(m.entries, op.Key)
		case OpAddMember:
			entry := m.live(op.Key)
			if entry == nil || !entry.isSet {
				entry = &memoryEntry{isSet: true, members: make(map[string]struct{})}
				m.entries[op.Key] = entry
			}
			entry.members[op.Member] = struct{}{}
			if op.TTL > 0 {
				entry.expiresAt = now.Add(op.TTL)
			}
		case OpRemoveMember:
			entry := m.live(op.Key)
			if entry == nil || !entry.isSet {
				continue
			}
			delete(entry.members, op.Member)
			if len(entry.members) == 0 {
				delete(m.entries, op.Key)
			}
		case OpRefresh:
			entry := m.live(op.Key)
			if entry == nil {
				continue
			}
			if op.TTL > 0 {
				entry.expiresAt = now.Add(op.TTL)
			}
		}
	}
	return nil
}

// live returns the entry for key, pruning it first if expired. Callers must
// hold the lock.
func (m *Memory) live(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(m.clock()) {
		delete(m.entries, key)
		return nil
	}
	return entry
}
