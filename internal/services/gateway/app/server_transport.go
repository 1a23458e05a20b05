package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/courier/internal/delivery"
	"github.com/louisbranch/courier/internal/platform/id"
	"github.com/louisbranch/courier/internal/realtime/registry"
	"github.com/louisbranch/courier/internal/realtime/store"
	"github.com/louisbranch/courier/internal/realtime/viewers"
	"github.com/louisbranch/courier/internal/storage"
)

// NewHandler creates gateway routes for the given core collaborators.
func NewHandler(deps Deps) http.Handler {
	return newHandler(deps)
}

func newHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, deps Deps) {
	defer func() {
		_ = conn.Close()
	}()

	connectionID, err := id.NewID()
	if err != nil {
		log.Printf("gateway: generate connection id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(connectionID, peer)

	deps.Hub.attach(connectionID, peer)
	defer func() {
		deps.Hub.detach(connectionID)
		teardown(session, deps)
	}()

	touchInterval := deps.TouchInterval
	if touchInterval <= 0 {
		touchInterval = defaultTouchInterval
	}
	stopTouch := make(chan struct{})
	defer close(stopTouch)
	go touchLoop(session, deps, touchInterval, stopTouch)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeAck(session.peer, "", false, "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeAck(session.peer, frame.RequestID, false, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		ctx := conn.Request().Context()

		// Any inbound frame proves the socket is alive; refresh the
		// registered identity's store entries so they outlive the TTL.
		if session.profile() != "" {
			if err := deps.Registry.Touch(ctx, session.connectionID); err != nil {
				log.Printf("gateway: touch connection %s: %v", session.connectionID, err)
			}
		}

		switch frame.Type {
		case "register":
			handleRegisterFrame(ctx, session, deps, frame)
		case "open-conversation":
			handleOpenFrame(ctx, session, deps, frame)
		case "close-conversation":
			handleCloseFrame(ctx, session, deps, frame)
		case "send-message":
			handleSendFrame(ctx, session, deps, frame)
		case "recall-message":
			handleRecallFrame(ctx, session, deps, frame)
		case "edit-message":
			handleEditFrame(ctx, session, deps, frame)
		case "delete-message":
			handleDeleteFrame(ctx, session, deps, frame)
		case "mark-read":
			handleMarkReadFrame(ctx, session, deps, frame)
		default:
			_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// touchLoop refreshes the connection's registry and viewer TTLs while the
// socket stays open, so an idle but connected client never expires out of
// the shared store.
func touchLoop(session *wsSession, deps Deps, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if session.profile() == "" {
				continue
			}
			if err := deps.Registry.Touch(context.Background(), session.connectionID); err != nil {
				log.Printf("gateway: touch connection %s: %v", session.connectionID, err)
			}
		}
	}
}

// teardown releases everything a disconnecting connection held: its viewer
// membership, its registry entries, and its contribution to presence. The
// offline re-check lives inside the presence engine.
func teardown(session *wsSession, deps Deps) {
	profileID := session.profile()
	if profileID == "" {
		return
	}

	ctx := context.Background()
	if err := deps.Viewers.Disconnect(ctx, session.connectionID, profileID); err != nil {
		log.Printf("gateway: viewer teardown for %s: %v", session.connectionID, err)
	}
	released, err := deps.Registry.Release(ctx, session.connectionID)
	if err != nil {
		log.Printf("gateway: release connection %s: %v", session.connectionID, err)
		return
	}
	if released == "" {
		released = profileID
	}
	if err := deps.Presence.MarkOffline(ctx, released); err != nil {
		log.Printf("gateway: mark %s offline: %v", released, err)
	}
}

func handleRegisterFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	if session.profile() != "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FAILED_PRECONDITION", "connection is already registered")
		return
	}
	var payload registerPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid register payload")
		return
	}
	profileID := strings.TrimSpace(payload.ProfileID)
	deviceID := strings.TrimSpace(payload.DeviceID)
	if profileID == "" || deviceID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "profile_id and device_id are required")
		return
	}

	first, err := deps.Registry.Register(ctx, profileID, deviceID, session.connectionID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrDeviceUnknown):
			_ = writeAck(session.peer, frame.RequestID, false, "FAILED_PRECONDITION", "unknown device for profile")
		case errors.Is(err, store.ErrUnavailable):
			_ = writeAck(session.peer, frame.RequestID, false, "UNAVAILABLE", "registration temporarily unavailable, retry")
		default:
			log.Printf("gateway: register %s/%s: %v", profileID, deviceID, err)
			_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "registration failed")
		}
		return
	}

	session.setProfile(profileID)
	if first {
		if err := deps.Presence.MarkOnline(ctx, profileID); err != nil {
			log.Printf("gateway: mark %s online: %v", profileID, err)
		}
	}
	_ = writeAck(session.peer, frame.RequestID, true, "", "")
}

func handleOpenFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	profileID := session.profile()
	if profileID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before opening a conversation")
		return
	}
	var payload conversationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid open payload")
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "conversation_id is required")
		return
	}

	if err := deps.Viewers.Open(ctx, session.connectionID, profileID, conversationID); err != nil {
		switch {
		case errors.Is(err, viewers.ErrNotAMember):
			_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "not a conversation member")
		case errors.Is(err, store.ErrUnavailable):
			_ = writeAck(session.peer, frame.RequestID, false, "UNAVAILABLE", "open temporarily unavailable, retry")
		default:
			log.Printf("gateway: open %s for %s: %v", conversationID, profileID, err)
			_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "open failed")
		}
		return
	}

	read, err := deps.Receipts.MarkAllUnreadAsRead(ctx, profileID, conversationID)
	if err != nil {
		// The viewer state is already correct; reads catch up on the next
		// open or explicit mark-read.
		log.Printf("gateway: mark read on open %s for %s: %v", conversationID, profileID, err)
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Success: true, Count: len(read)}),
	})
}

func handleCloseFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	profileID := session.profile()
	if profileID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before closing a conversation")
		return
	}
	var payload conversationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid close payload")
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "conversation_id is required")
		return
	}

	if err := deps.Viewers.Close(ctx, session.connectionID, profileID, conversationID); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			_ = writeAck(session.peer, frame.RequestID, false, "UNAVAILABLE", "close temporarily unavailable, retry")
			return
		}
		log.Printf("gateway: close %s for %s: %v", conversationID, profileID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "close failed")
		return
	}
	_ = writeAck(session.peer, frame.RequestID, true, "", "")
}

func handleSendFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	profileID := session.profile()
	if profileID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before sending")
		return
	}
	var payload sendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid send payload")
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "conversation_id is required")
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}
	kind := strings.TrimSpace(payload.Kind)
	if kind == "" {
		kind = "text"
	}

	member, err := deps.Membership.IsMember(ctx, profileID, conversationID)
	if err != nil {
		log.Printf("gateway: membership check for %s in %s: %v", profileID, conversationID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "UNAVAILABLE", "membership verification unavailable")
		return
	}
	if !member {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "not a conversation member")
		return
	}

	messageID, err := id.NewID()
	if err != nil {
		log.Printf("gateway: generate message id: %v", err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "send failed")
		return
	}
	message := storage.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       profileID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	if err := deps.Messages.PutMessage(ctx, message); err != nil {
		log.Printf("gateway: persist message in %s: %v", conversationID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "send failed")
		return
	}

	ackMessage := ""
	if err := deps.Router.DeliverNew(ctx, message); err != nil {
		// The message is persisted; only the fan-out fell short.
		log.Printf("gateway: deliver message %s: %v", messageID, err)
		if errors.Is(err, delivery.ErrParticipantsUnresolved) {
			ackMessage = "message stored, delivery incomplete"
		}
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Success: true, Message: ackMessage, MessageID: messageID}),
	})
}

// loadOwnMessage resolves a message and verifies the session's profile
// authored it.
func loadOwnMessage(ctx context.Context, session *wsSession, deps Deps, frame wsFrame, messageID string) (storage.Message, bool) {
	message, err := deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeAck(session.peer, frame.RequestID, false, "NOT_FOUND", "message not found")
		} else {
			log.Printf("gateway: load message %s: %v", messageID, err)
			_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "message lookup failed")
		}
		return storage.Message{}, false
	}
	if message.SenderID != session.profile() {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "only the sender can modify a message")
		return storage.Message{}, false
	}
	return message, true
}

func handleRecallFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	if session.profile() == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before recalling")
		return
	}
	var payload messageRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid recall payload")
		return
	}
	messageID := strings.TrimSpace(payload.MessageID)
	if messageID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "message_id is required")
		return
	}
	message, ok := loadOwnMessage(ctx, session, deps, frame, messageID)
	if !ok {
		return
	}

	if err := deps.Messages.UpdateMessageBody(ctx, messageID, ""); err != nil {
		log.Printf("gateway: recall message %s: %v", messageID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "recall failed")
		return
	}
	message.Body = ""
	if err := deps.Router.DeliverRecalled(ctx, message); err != nil {
		log.Printf("gateway: deliver recall %s: %v", messageID, err)
	}
	_ = writeAck(session.peer, frame.RequestID, true, "", "")
}

func handleEditFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	if session.profile() == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before editing")
		return
	}
	var payload editMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid edit payload")
		return
	}
	messageID := strings.TrimSpace(payload.MessageID)
	body := strings.TrimSpace(payload.Body)
	if messageID == "" || body == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "message_id and body are required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}
	message, ok := loadOwnMessage(ctx, session, deps, frame, messageID)
	if !ok {
		return
	}

	if err := deps.Messages.UpdateMessageBody(ctx, messageID, body); err != nil {
		log.Printf("gateway: edit message %s: %v", messageID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "edit failed")
		return
	}
	message.Body = body
	if err := deps.Router.DeliverEdited(ctx, message); err != nil {
		log.Printf("gateway: deliver edit %s: %v", messageID, err)
	}
	_ = writeAck(session.peer, frame.RequestID, true, "", "")
}

func handleDeleteFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	if session.profile() == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before deleting")
		return
	}
	var payload messageRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid delete payload")
		return
	}
	messageID := strings.TrimSpace(payload.MessageID)
	if messageID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "message_id is required")
		return
	}
	message, ok := loadOwnMessage(ctx, session, deps, frame, messageID)
	if !ok {
		return
	}

	if err := deps.Messages.DeleteMessage(ctx, messageID); err != nil {
		log.Printf("gateway: delete message %s: %v", messageID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "delete failed")
		return
	}
	if err := deps.Router.DeliverDeleted(ctx, message); err != nil {
		log.Printf("gateway: deliver delete %s: %v", messageID, err)
	}
	_ = writeAck(session.peer, frame.RequestID, true, "", "")
}

func handleMarkReadFrame(ctx context.Context, session *wsSession, deps Deps, frame wsFrame) {
	profileID := session.profile()
	if profileID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "FORBIDDEN", "register before marking read")
		return
	}
	var payload conversationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "invalid mark-read payload")
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		_ = writeAck(session.peer, frame.RequestID, false, "INVALID_ARGUMENT", "conversation_id is required")
		return
	}

	read, err := deps.Receipts.MarkAllUnreadAsRead(ctx, profileID, conversationID)
	if err != nil {
		log.Printf("gateway: mark read %s for %s: %v", conversationID, profileID, err)
		_ = writeAck(session.peer, frame.RequestID, false, "INTERNAL", "mark-read failed")
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Success: true, Count: len(read)}),
	})
}

func writeAck(peer *wsPeer, requestID string, success bool, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "ack",
		RequestID: requestID,
		Payload:   mustJSON(ackPayload{Success: success, Code: code, Message: message}),
	})
}
