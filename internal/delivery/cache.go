package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/courier/internal/platform/timeouts"
	"github.com/louisbranch/courier/internal/storage"
)

// DefaultParticipantTTL bounds how long a cached participant list is served
// before the membership store is consulted again.
const DefaultParticipantTTL = 30 * time.Second

type participantEntry struct {
	ids       []string
	expiresAt time.Time
}

// participantCache memoizes conversation participant lists with a TTL.
// Membership changes call Invalidate so the next delivery re-reads the
// store instead of waiting for expiry.
type participantCache struct {
	source storage.MembershipStore
	ttl    time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]participantEntry
}

func newParticipantCache(source storage.MembershipStore, ttl time.Duration, clock func() time.Time) *participantCache {
	if ttl <= 0 {
		ttl = DefaultParticipantTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &participantCache{
		source:  source,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]participantEntry),
	}
}

func (c *participantCache) participants(ctx context.Context, conversationID string) ([]string, error) {
	now := c.clock()

	c.mu.Lock()
	entry, ok := c.entries[conversationID]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.ids, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeouts.ParticipantLookup)
	defer cancel()
	ids, err := c.source.ParticipantIDs(lookupCtx, conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[conversationID] = participantEntry{ids: ids, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return ids, nil
}

func (c *participantCache) invalidate(conversationID string) {
	c.mu.Lock()
	delete(c.entries, conversationID)
	c.mu.Unlock()
}
