// Package timeouts defines shared timeout constants used across the
// realtime core. Centralizing these values prevents drift between the
// store, push, and transport boundaries and makes the durations
// discoverable.
package timeouts

import "time"

// StoreOp caps a single round-trip to the shared state store. Registry,
// viewer, and presence operations fail with a transient error instead of
// hanging past this bound.
const StoreOp = 2 * time.Second

// PushSend caps one push-provider HTTP call for a batch of tokens.
const PushSend = 5 * time.Second

// ParticipantLookup caps one membership resolution for delivery routing.
const ParticipantLookup = 2 * time.Second

// ReadHeader limits how long the gateway HTTP server waits for request
// headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the gateway waits for in-flight connections
// during graceful shutdown.
const Shutdown = 5 * time.Second
