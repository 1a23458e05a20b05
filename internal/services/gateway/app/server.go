// Package server hosts the courier gateway: the WebSocket surface that
// accepts client actions, drives the realtime core, and streams outbound
// events to live connections.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/courier/internal/delivery"
	"github.com/louisbranch/courier/internal/platform/timeouts"
	"github.com/louisbranch/courier/internal/realtime/presence"
	"github.com/louisbranch/courier/internal/realtime/registry"
	"github.com/louisbranch/courier/internal/realtime/viewers"
	"github.com/louisbranch/courier/internal/receipts"
	"github.com/louisbranch/courier/internal/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
)

// defaultTouchInterval paces the per-connection TTL keepalive. It must be
// well under the registry TTL so a quiet socket never expires out of the
// shared store.
const defaultTouchInterval = 30 * time.Second

// Config defines the inputs for the gateway transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Deps carries the realtime core collaborators the gateway drives. The hub
// must be the same instance wired into the core's emitters.
type Deps struct {
	Hub        *Hub
	Registry   *registry.Registry
	Viewers    *viewers.Tracker
	Presence   *presence.Engine
	Router     *delivery.Router
	Receipts   *receipts.Coordinator
	Messages   storage.MessageStore
	Membership storage.MembershipStore

	// TouchInterval overrides the TTL keepalive pace. Zero uses
	// defaultTouchInterval.
	TouchInterval time.Duration
}

func (d Deps) validate() error {
	if d.Hub == nil {
		return errors.New("hub is required")
	}
	if d.Registry == nil {
		return errors.New("connection registry is required")
	}
	if d.Viewers == nil {
		return errors.New("viewer tracker is required")
	}
	if d.Presence == nil {
		return errors.New("presence engine is required")
	}
	if d.Router == nil {
		return errors.New("delivery router is required")
	}
	if d.Receipts == nil {
		return errors.New("receipt coordinator is required")
	}
	if d.Messages == nil {
		return errors.New("message store is required")
	}
	if d.Membership == nil {
		return errors.New("membership store is required")
	}
	return nil
}

// Server hosts the gateway HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ackPayload acknowledges one inbound action to its initiator. Code
// carries a machine-readable failure class; Message stays human-readable.
type ackPayload struct {
	Success   bool   `json:"success"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type registerPayload struct {
	ProfileID string `json:"profile_id"`
	DeviceID  string `json:"device_id"`
}

type conversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
}

type messageRefPayload struct {
	MessageID string `json:"message_id"`
}

type editMessagePayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

// wsSession tracks the registered identity of one connection.
type wsSession struct {
	mu           sync.Mutex
	connectionID string
	profileID    string
	peer         *wsPeer
}

func newWSSession(connectionID string, peer *wsPeer) *wsSession {
	return &wsSession{connectionID: connectionID, peer: peer}
}

func (s *wsSession) setProfile(profileID string) {
	s.mu.Lock()
	s.profileID = profileID
	s.mu.Unlock()
}

func (s *wsSession) profile() string {
	s.mu.Lock()
	id := s.profileID
	s.mu.Unlock()
	return id
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// NewServer builds a configured gateway server.
func NewServer(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a gateway until the context ends.
func Run(ctx context.Context, config Config, deps Deps) error {
	server, err := NewServer(config, deps)
	if err != nil {
		return fmt.Errorf("init gateway server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("gateway listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
