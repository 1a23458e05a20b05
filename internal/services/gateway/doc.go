// Package gateway implements the realtime transport for courier clients.
//
// It keeps WebSocket lifecycle, connection registration, and event fan-out
// isolated from domain logic so the realtime core and persistence layer
// remain the source of truth for presence and message state.
package gateway
