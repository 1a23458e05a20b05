// Package delivery routes outbound message events to conversation
// participants. Each participant is classified as viewing, online but not
// viewing, or offline, and receives the delivery path matching that state:
// a full broadcast, a lighter notify plus push for disconnected devices, or
// push only.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/courier/internal/push"
	"github.com/louisbranch/courier/internal/realtime/event"
	"github.com/louisbranch/courier/internal/storage"
)

// ErrParticipantsUnresolved reports that the participant list for a
// conversation could not be resolved. Delivery for the event is aborted;
// the persisted mutation that triggered it is not rolled back.
var ErrParticipantsUnresolved = errors.New("participant resolution failed")

// ConnectionSource answers connection queries for a profile and maps a
// connection back to its device.
type ConnectionSource interface {
	AllConnections(ctx context.Context, profileID string) ([]string, error)
	ResolveDevice(ctx context.Context, connectionID string) (string, error)
}

// ViewerSource lists the profiles currently viewing a conversation.
type ViewerSource interface {
	Viewers(ctx context.Context, conversationID string) ([]string, error)
}

// ReceiptMarker creates receipts for viewers that lack one and returns the
// newly-marked profiles.
type ReceiptMarker interface {
	MarkAsReadForViewers(ctx context.Context, messageID string, viewerProfileIDs []string) ([]string, error)
}

// Pusher enqueues push notifications for device tokens. Enqueue must not
// block delivery.
type Pusher interface {
	Enqueue(tokens []string, notification push.Notification)
}

// Router drives one delivery pass per outbound message event.
type Router struct {
	participants *participantCache
	viewers      ViewerSource
	connections  ConnectionSource
	devices      storage.DeviceStore
	receipts     ReceiptMarker
	emitter      event.Emitter
	pusher       Pusher
}

// Options tunes optional router behavior.
type Options struct {
	// ParticipantTTL bounds the participant cache. Zero uses
	// DefaultParticipantTTL.
	ParticipantTTL time.Duration
	// Clock overrides time.Now for cache expiry.
	Clock func() time.Time
}

// New creates a delivery router. The pusher may be nil when push delivery
// is disabled; offline participants then receive nothing until they
// reconnect.
func New(membership storage.MembershipStore, viewers ViewerSource, connections ConnectionSource, devices storage.DeviceStore, receipts ReceiptMarker, emitter event.Emitter, pusher Pusher, opts Options) *Router {
	return &Router{
		participants: newParticipantCache(membership, opts.ParticipantTTL, opts.Clock),
		viewers:      viewers,
		connections:  connections,
		devices:      devices,
		receipts:     receipts,
		emitter:      emitter,
		pusher:       pusher,
	}
}

// InvalidateParticipants drops the cached participant list for a
// conversation. Called on membership changes.
func (r *Router) InvalidateParticipants(conversationID string) {
	r.participants.invalidate(conversationID)
}

// DeliverNew routes a freshly persisted message. Every viewing profile is
// marked as having read it, and the resulting read set is folded into the
// broadcast payload.
func (r *Router) DeliverNew(ctx context.Context, message storage.Message) error {
	return r.deliver(ctx, message, event.NewMessage, true)
}

// DeliverRecalled routes a recall notice for a message.
func (r *Router) DeliverRecalled(ctx context.Context, message storage.Message) error {
	return r.deliver(ctx, message, event.MessageRecalled, false)
}

// DeliverEdited routes an edited message.
func (r *Router) DeliverEdited(ctx context.Context, message storage.Message) error {
	return r.deliver(ctx, message, event.MessageEdited, false)
}

// DeliverDeleted routes a delete notice for a message.
func (r *Router) DeliverDeleted(ctx context.Context, message storage.Message) error {
	return r.deliver(ctx, message, event.MessageDeleted, false)
}

type partition struct {
	viewing          []string
	onlineNotViewing map[string][]string // profileID -> live connection ids
	offline          []string
}

// deliver runs the single-pass classification and fan-out for one event.
func (r *Router) deliver(ctx context.Context, message storage.Message, name event.Name, markRead bool) error {
	conversationID := strings.TrimSpace(message.ConversationID)
	if conversationID == "" || strings.TrimSpace(message.ID) == "" {
		return errors.New("message and conversation ids are required")
	}

	participantIDs, err := r.participants.participants(ctx, conversationID)
	if err != nil {
		log.Printf("delivery: resolve participants for %s: %v", conversationID, err)
		return fmt.Errorf("%w: %v", ErrParticipantsUnresolved, err)
	}

	groups, err := r.partition(ctx, conversationID, participantIDs)
	if err != nil {
		return err
	}

	var readBy []string
	if markRead && r.receipts != nil && len(groups.viewing) > 0 {
		readBy, err = r.receipts.MarkAsReadForViewers(ctx, message.ID, groups.viewing)
		if err != nil {
			// Read folding is an optimization over the viewer's own
			// mark-as-read path; the broadcast still goes out.
			log.Printf("delivery: mark viewers read for %s: %v", message.ID, err)
			readBy = nil
		}
	}

	r.broadcastToViewers(ctx, message, name, groups.viewing, readBy)
	r.notifyOnline(ctx, message, groups.onlineNotViewing)
	r.pushOffline(ctx, message, groups.offline)
	return nil
}

// partition classifies participants by viewer membership first, then by
// live-connection presence.
func (r *Router) partition(ctx context.Context, conversationID string, participantIDs []string) (partition, error) {
	groups := partition{onlineNotViewing: make(map[string][]string)}

	viewing, err := r.viewers.Viewers(ctx, conversationID)
	if err != nil {
		return groups, fmt.Errorf("resolve viewers for %s: %w", conversationID, err)
	}
	viewingSet := make(map[string]struct{}, len(viewing))
	for _, profileID := range viewing {
		viewingSet[profileID] = struct{}{}
	}

	for _, profileID := range participantIDs {
		if _, ok := viewingSet[profileID]; ok {
			groups.viewing = append(groups.viewing, profileID)
			continue
		}
		conns, err := r.connections.AllConnections(ctx, profileID)
		if err != nil {
			return groups, fmt.Errorf("resolve connections for %s: %w", profileID, err)
		}
		if len(conns) > 0 {
			groups.onlineNotViewing[profileID] = conns
		} else {
			groups.offline = append(groups.offline, profileID)
		}
	}
	return groups, nil
}

// broadcastToViewers emits the full event once to the union of the viewing
// profiles' connections.
func (r *Router) broadcastToViewers(ctx context.Context, message storage.Message, name event.Name, viewing []string, readBy []string) {
	if len(viewing) == 0 {
		return
	}

	seen := make(map[string]struct{})
	var connectionIDs []string
	for _, profileID := range viewing {
		conns, err := r.connections.AllConnections(ctx, profileID)
		if err != nil {
			log.Printf("delivery: resolve viewer connections for %s: %v", profileID, err)
			continue
		}
		for _, conn := range conns {
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			connectionIDs = append(connectionIDs, conn)
		}
	}
	if len(connectionIDs) == 0 {
		return
	}

	r.emitter.Emit(ctx, connectionIDs, event.Event{
		Name: name,
		Payload: event.MessagePayload{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Kind:           message.Kind,
			Body:           message.Body,
			SentAt:         message.CreatedAt,
			ReadBy:         readBy,
		},
	})
}

// notifyOnline emits the lighter notify event to each online-not-viewing
// profile's connections and enqueues pushes for that profile's devices
// without a live connection.
func (r *Router) notifyOnline(ctx context.Context, message storage.Message, online map[string][]string) {
	for profileID, conns := range online {
		r.emitter.Emit(ctx, conns, event.Event{
			Name: event.MessageNotify,
			Payload: event.NotifyPayload{
				MessageID:      message.ID,
				ConversationID: message.ConversationID,
				SenderID:       message.SenderID,
				Kind:           message.Kind,
			},
		})

		connected := make(map[string]struct{}, len(conns))
		for _, conn := range conns {
			deviceID, err := r.connections.ResolveDevice(ctx, conn)
			if err != nil {
				log.Printf("delivery: resolve device for connection %s: %v", conn, err)
				continue
			}
			connected[deviceID] = struct{}{}
		}
		r.enqueuePush(ctx, message, profileID, connected)
	}
}

// pushOffline enqueues pushes for every device of each offline profile.
func (r *Router) pushOffline(ctx context.Context, message storage.Message, offline []string) {
	for _, profileID := range offline {
		r.enqueuePush(ctx, message, profileID, nil)
	}
}

// enqueuePush collects push tokens for the profile's devices, skipping any
// device in the connected set, and hands them to the pusher. Failures are
// logged and never abort the delivery pass.
func (r *Router) enqueuePush(ctx context.Context, message storage.Message, profileID string, connected map[string]struct{}) {
	if r.pusher == nil {
		return
	}

	deviceIDs, err := r.devices.ListDeviceIDs(ctx, profileID)
	if err != nil {
		log.Printf("delivery: list devices for %s: %v", profileID, err)
		return
	}

	var tokens []string
	for _, deviceID := range deviceIDs {
		if _, live := connected[deviceID]; live {
			continue
		}
		device, err := r.devices.GetDevice(ctx, profileID, deviceID)
		if err != nil {
			log.Printf("delivery: load device %s/%s: %v", profileID, deviceID, err)
			continue
		}
		if device.PushToken == "" {
			continue
		}
		tokens = append(tokens, device.PushToken)
	}
	if len(tokens) == 0 {
		return
	}

	r.pusher.Enqueue(tokens, push.Notification{
		Title: "New message",
		Data: map[string]string{
			"conversation_id": message.ConversationID,
			"message_id":      message.ID,
			"kind":            message.Kind,
		},
	})
}
