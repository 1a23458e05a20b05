// Package store defines the shared state boundary for connection, viewer,
// and presence records.
//
// Registry, viewer, and presence state must never be authoritative in local
// process memory: any server instance has to answer queries for connections
// accepted by another instance. Implementations back the interface with an
// external store (Redis) or, for tests, an in-memory table with the same
// semantics. All entries carry TTLs so state left behind by a crashed
// process self-heals after expiry.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates a transient store failure. Callers reject the
// triggering action instead of proceeding with inconsistent state.
var ErrUnavailable = errors.New("shared store unavailable")

// Shared is the repository boundary for TTL'd values and sets.
//
// Set semantics follow Redis: removing the last member of a set removes the
// key entirely, and reading a missing set yields an empty slice.
type Shared interface {
	// Value reads one value key. The boolean reports presence.
	Value(ctx context.Context, key string) (string, bool, error)
	// Values reads many value keys at once; missing keys are absent from
	// the result map.
	Values(ctx context.Context, keys []string) (map[string]string, error)
	// Members lists a set's members. A missing set is an empty slice.
	Members(ctx context.Context, key string) ([]string, error)
	// Apply executes a batch of mutations atomically: a concurrent reader
	// on any instance observes either none or all of the ops.
	Apply(ctx context.Context, ops ...Op) error
}

// OpKind discriminates batch mutations.
type OpKind int

const (
	// OpSetValue writes a value key with a TTL.
	OpSetValue OpKind = iota
	// OpDelete removes a key of any type.
	OpDelete
	// OpAddMember adds a set member and refreshes the set's TTL.
	OpAddMember
	// OpRemoveMember removes a set member.
	OpRemoveMember
	// OpRefresh extends a key's TTL without changing its value.
	OpRefresh
)

// Op is one mutation in an atomic batch. Construct ops with the package
// functions; the zero value is invalid.
type Op struct {
	Kind   OpKind
	Key    string
	Member string
	Value  string
	TTL    time.Duration
}

// SetValue writes a value key with a TTL.
func SetValue(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSetValue, Key: key, Value: value, TTL: ttl}
}

// Delete removes a key of any type. Deleting a missing key is a no-op.
func Delete(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// AddMember adds a member to a set and refreshes the set's TTL.
func AddMember(key, member string, ttl time.Duration) Op {
	return Op{Kind: OpAddMember, Key: key, Member: member, TTL: ttl}
}

// RemoveMember removes a member from a set. Removing the last member
// removes the set key.
func RemoveMember(key, member string) Op {
	return Op{Kind: OpRemoveMember, Key: key, Member: member}
}

// Refresh extends the TTL of an existing key without changing its value.
// Refreshing a missing key is a no-op.
func Refresh(key string, ttl time.Duration) Op {
	return Op{Kind: OpRefresh, Key: key, TTL: ttl}
}
