// Package registry tracks live connections in the shared store: the
// mapping from connection id to (profile, device) and the per-profile set
// of connection ids. An empty set means the profile is offline.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/courier/internal/realtime/keys"
	"github.com/louisbranch/courier/internal/realtime/store"
	"github.com/louisbranch/courier/internal/storage"
)

var (
	// ErrDeviceUnknown indicates no device record exists for the
	// (profile, device) pair attempting to register.
	ErrDeviceUnknown = errors.New("device is not registered for profile")
	// ErrConnectionUnknown indicates the connection id has no live record.
	ErrConnectionUnknown = errors.New("connection is not registered")
)

// DefaultTTL bounds how long registry entries survive without a refresh,
// so a crashed process without a clean disconnect self-heals.
const DefaultTTL = 2 * time.Minute

// DeviceDirectory resolves device records owned by the session subsystem.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, profileID string, deviceID string) (storage.Device, error)
}

type record struct {
	ProfileID string `json:"profile_id"`
	DeviceID  string `json:"device_id"`
}

// Registry maps connection ids to identities through the shared store.
type Registry struct {
	shared  store.Shared
	devices DeviceDirectory
	ttl     time.Duration
}

// New creates a connection registry. A non-positive ttl falls back to
// DefaultTTL.
func New(shared store.Shared, devices DeviceDirectory, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{shared: shared, devices: devices, ttl: ttl}
}

// Register stores the connection identity and adds the connection to the
// profile's set in one atomic batch, refreshing both expiries. It reports
// whether this is the profile's first live connection, which drives the
// presence online transition. A connection re-registering under a new
// profile is removed from its previous profile's set in the same batch.
// Registration fails with ErrDeviceUnknown when no device record exists
// for the pair.
func (r *Registry) Register(ctx context.Context, profileID, deviceID, connectionID string) (first bool, err error) {
	profileID = strings.TrimSpace(profileID)
	deviceID = strings.TrimSpace(deviceID)
	connectionID = strings.TrimSpace(connectionID)
	if profileID == "" || deviceID == "" || connectionID == "" {
		return false, errors.New("profile, device, and connection ids are required")
	}

	if _, err := r.devices.GetDevice(ctx, profileID, deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: profile %s device %s", ErrDeviceUnknown, profileID, deviceID)
		}
		return false, fmt.Errorf("resolve device record: %w", err)
	}

	existing, err := r.shared.Members(ctx, keys.ProfileConnections(profileID))
	if err != nil {
		return false, fmt.Errorf("read profile connections: %w", err)
	}
	// A re-registered connection is not a presence transition, so first
	// holds only when the profile had no live members at all.
	first = len(existing) == 0

	payload, err := json.Marshal(record{ProfileID: profileID, DeviceID: deviceID})
	if err != nil {
		return false, fmt.Errorf("marshal connection record: %w", err)
	}

	ops := []store.Op{
		store.SetValue(keys.Connection(connectionID), string(payload), r.ttl),
		store.AddMember(keys.ProfileConnections(profileID), connectionID, r.ttl),
	}
	prev, err := r.resolve(ctx, connectionID)
	switch {
	case err == nil && prev.ProfileID != profileID:
		// The connection is switching identity. Leaving it in the old
		// profile's set would keep that profile online with no live socket.
		ops = append(ops, store.RemoveMember(keys.ProfileConnections(prev.ProfileID), connectionID))
	case err != nil && !errors.Is(err, ErrConnectionUnknown):
		return false, err
	}

	if err := r.shared.Apply(ctx, ops...); err != nil {
		return false, fmt.Errorf("store connection: %w", err)
	}
	return first, nil
}

// ResolveProfile returns the profile owning a connection.
func (r *Registry) ResolveProfile(ctx context.Context, connectionID string) (string, error) {
	rec, err := r.resolve(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return rec.ProfileID, nil
}

// ResolveDevice returns the device behind a connection.
func (r *Registry) ResolveDevice(ctx context.Context, connectionID string) (string, error) {
	rec, err := r.resolve(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return rec.DeviceID, nil
}

// AllConnections lists the profile's live connection ids. An empty result
// is not an error; it means the profile is offline.
func (r *Registry) AllConnections(ctx context.Context, profileID string) ([]string, error) {
	members, err := r.shared.Members(ctx, keys.ProfileConnections(strings.TrimSpace(profileID)))
	if err != nil {
		return nil, fmt.Errorf("read profile connections: %w", err)
	}
	return members, nil
}

// Touch refreshes the TTLs for an active connection: its record, the
// owning profile's set, its viewing pointer, and the viewer set the pointer
// names. A live socket that keeps touching never expires out of the store.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	rec, err := r.resolve(ctx, connectionID)
	if err != nil {
		return err
	}
	ops := []store.Op{
		store.Refresh(keys.Connection(connectionID), r.ttl),
		store.Refresh(keys.ProfileConnections(rec.ProfileID), r.ttl),
		store.Refresh(keys.Viewing(connectionID), r.ttl),
	}
	conversationID, viewing, err := r.shared.Value(ctx, keys.Viewing(connectionID))
	if err != nil {
		return fmt.Errorf("read viewing pointer: %w", err)
	}
	if viewing {
		ops = append(ops, store.Refresh(keys.ConversationViewers(conversationID), r.ttl))
	}
	if err := r.shared.Apply(ctx, ops...); err != nil {
		return fmt.Errorf("refresh connection ttl: %w", err)
	}
	return nil
}

// Release removes the connection mapping and the profile-set membership.
// Releasing an unknown connection is a no-op, so repeated disconnect
// handling stays idempotent. It returns the profile that owned the
// connection, or empty when the record was already gone.
func (r *Registry) Release(ctx context.Context, connectionID string) (string, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return "", errors.New("connection id is required")
	}

	rec, err := r.resolve(ctx, connectionID)
	if err != nil {
		if errors.Is(err, ErrConnectionUnknown) {
			return "", nil
		}
		return "", err
	}

	err = r.shared.Apply(ctx,
		store.Delete(keys.Connection(connectionID)),
		store.RemoveMember(keys.ProfileConnections(rec.ProfileID), connectionID),
	)
	if err != nil {
		return "", fmt.Errorf("release connection: %w", err)
	}
	return rec.ProfileID, nil
}

func (r *Registry) resolve(ctx context.Context, connectionID string) (record, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return record{}, errors.New("connection id is required")
	}

	value, ok, err := r.shared.Value(ctx, keys.Connection(connectionID))
	if err != nil {
		return record{}, fmt.Errorf("read connection record: %w", err)
	}
	if !ok {
		return record{}, fmt.Errorf("%w: %s", ErrConnectionUnknown, connectionID)
	}

	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return record{}, fmt.Errorf("decode connection record: %w", err)
	}
	return rec, nil
}
