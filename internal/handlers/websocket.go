package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"CipherChat/server/internal/pool"
	"CipherChat/server/internal/services"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxFrameBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one client request: an event name, an optional ack id the
// client correlates the reply with, and the event payload.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func eventFrame(event string, data interface{}) []byte {
	b, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		logrus.WithError(err).Errorf("failed to marshal event %s", event)
		return nil
	}
	return b
}

// acker replies to exactly one framed request at most once, no matter
// how the handler exits. Requests without an ack id get no reply.
type acker struct {
	client *pool.Client
	ackID  string
	done   int32
}

func (a *acker) send(data map[string]interface{}) {
	if a.ackID == "" {
		return
	}
	if !atomic.CompareAndSwapInt32(&a.done, 0, 1) {
		return
	}
	b, err := json.Marshal(map[string]interface{}{"event": "ack", "ack_id": a.ackID, "data": data})
	if err != nil {
		logrus.WithError(err).Error("failed to marshal ack")
		return
	}
	a.client.Send(b)
}

func (a *acker) success(payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["success"] = true
	a.send(payload)
}

func (a *acker) fail(err error) {
	a.send(map[string]interface{}{
		"success": false,
		"error":   appErrors.MessageOf(err),
		"code":    string(appErrors.CodeOf(err)),
	})
}

// WSHandler owns the websocket lifecycle: upgrade, authentication,
// frame dispatch, fan-out and presence. Callers never carry their own
// identity in payloads; it always comes from the authenticated
// binding.
type WSHandler struct {
	registry  *pool.Registry
	users     services.UserService
	messaging services.MessagingService
	groups    services.GroupService
	clock     clockwork.Clock

	opTimeout  time.Duration
	sendBuffer int
	rateLimit  int
}

func NewWSHandler(registry *pool.Registry, users services.UserService, messaging services.MessagingService,
	groups services.GroupService, clock clockwork.Clock, opTimeout time.Duration, sendBuffer, rateLimit int) *WSHandler {
	return &WSHandler{
		registry:   registry,
		users:      users,
		messaging:  messaging,
		groups:     groups,
		clock:      clock,
		opTimeout:  opTimeout,
		sendBuffer: sendBuffer,
		rateLimit:  rateLimit,
	}
}

// HandleWS upgrades the request. A token in the query string
// authenticates the connection right away; otherwise the connection
// stays unbound until an authenticate frame arrives.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	var tokenUserID int64
	if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
		id, err := h.users.VerifyToken(tokenStr)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		tokenUserID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Error("error upgrading to websocket")
		return
	}

	client := pool.NewClient(conn, h.clock, h.sendBuffer)
	go client.WritePump()

	logrus.Infof("connection %s opened", client.ConnID)

	if tokenUserID != 0 {
		ctx, cancel := context.WithTimeout(client.Context(), h.opTimeout)
		h.bindUser(ctx, client, tokenUserID)
		cancel()
	}

	h.readLoop(client, conn)
}

func (h *WSHandler) readLoop(client *pool.Client, conn *websocket.Conn) {
	defer h.disconnect(client)

	conn.SetReadLimit(maxFrameBytes)
	limiter := rate.NewLimiter(rate.Limit(h.rateLimit), h.rateLimit)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logrus.Debugf("connection %s read ended: %v", client.ConnID, err)
			return
		}
		if !limiter.Allow() {
			logrus.Debugf("rate limit exceeded on connection %s", client.ConnID)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			logrus.Debugf("malformed frame on connection %s", client.ConnID)
			continue
		}

		h.dispatch(client, frame)
	}
}

// dispatch runs one operation under the per-op timeout. Whatever
// happens inside the handler, a request carrying an ack id gets
// exactly one reply.
func (h *WSHandler) dispatch(client *pool.Client, frame Frame) {
	ack := &acker{client: client, ackID: frame.AckID}
	if len(frame.Data) == 0 {
		frame.Data = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(client.Context(), h.opTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("panic handling event %s from user %d: %v", frame.Event, client.UserID, rec)
			ack.fail(appErrors.Internal("internal error"))
		}
	}()

	if frame.Event == "authenticate" {
		h.handleAuthenticate(ctx, client, frame.Data, ack)
		return
	}
	if client.UserID == 0 {
		ack.fail(appErrors.ErrNotAuthenticated)
		return
	}

	switch frame.Event {
	case "send-direct-message":
		h.handleSendDirect(ctx, client, frame.Data, ack)
	case "edit-direct-message":
		h.handleEditDirect(ctx, client, frame.Data, ack)
	case "delete-direct-message":
		h.handleDeleteDirect(ctx, client, frame.Data, ack)
	case "load-direct-history":
		h.handleDirectHistory(ctx, client, frame.Data, ack)
	case "mark-direct-read":
		h.handleMarkDirectRead(ctx, client, frame.Data, ack)
	case "get-unread-count":
		h.handleUnreadCount(ctx, client, frame.Data, ack)
	case "create-group":
		h.handleCreateGroup(ctx, client, frame.Data, ack)
	case "send-group-message":
		h.handleSendGroup(ctx, client, frame.Data, ack)
	case "edit-group-message":
		h.handleEditGroup(ctx, client, frame.Data, ack)
	case "delete-group-message":
		h.handleDeleteGroup(ctx, client, frame.Data, ack)
	case "load-group-history":
		h.handleGroupHistory(ctx, client, frame.Data, ack)
	case "add-group-member":
		h.handleAddMember(ctx, client, frame.Data, ack)
	case "remove-group-member":
		h.handleRemoveMember(ctx, client, frame.Data, ack)
	case "mark-group-read":
		h.handleMarkGroupRead(ctx, client, frame.Data, ack)
	case "typing-start", "typing-stop":
		h.handleTyping(ctx, client, frame.Event, frame.Data, ack)
	default:
		logrus.Debugf("unknown event %q from user %d", frame.Event, client.UserID)
		ack.fail(appErrors.InvalidArg("unknown event"))
	}
}

func (h *WSHandler) handleAuthenticate(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	claimID, err := h.users.VerifyToken(req.Token)
	if err != nil {
		ack.fail(err)
		return
	}
	// A claimed identity is only accepted when the token vouches for it.
	if req.UserID != 0 && req.UserID != claimID {
		ack.fail(appErrors.ErrNotAuthenticated)
		return
	}

	if client.UserID != 0 {
		if client.UserID == claimID {
			ack.success(map[string]interface{}{"user_id": claimID})
			return
		}
		ack.fail(appErrors.InvalidArg("connection already authenticated"))
		return
	}

	h.bindUser(ctx, client, claimID)
	ack.success(map[string]interface{}{"user_id": claimID})
}

// bindUser makes the connection the user's live one, supersedes any
// previous connection and announces presence. Presence persistence is
// best-effort; a failed update never blocks the binding.
func (h *WSHandler) bindUser(ctx context.Context, client *pool.Client, userID int64) {
	h.registry.Bind(userID, client)

	if err := h.users.SetOnline(ctx, userID); err != nil {
		logrus.WithError(err).Warnf("failed to mark user %d online", userID)
	}

	client.Send(eventFrame("authenticated", map[string]interface{}{"user_id": userID}))
	h.registry.Broadcast(userID, eventFrame("user:online", map[string]interface{}{"user_id": userID}))
}

// disconnect tears the connection down. The registry is only cleared
// when this connection still owns the binding; a superseded connection
// going away must not knock the newer one offline.
func (h *WSHandler) disconnect(client *pool.Client) {
	client.Close()

	if client.UserID == 0 {
		logrus.Infof("connection %s closed before authenticating", client.ConnID)
		return
	}
	if !h.registry.Unbind(client.UserID, client.ConnID) {
		logrus.Debugf("connection %s for user %d was already superseded", client.ConnID, client.UserID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()

	if err := h.users.SetOffline(ctx, client.UserID); err != nil {
		logrus.WithError(err).Warnf("failed to mark user %d offline", client.UserID)
	}
	h.registry.Broadcast(client.UserID, eventFrame("user:offline", map[string]interface{}{"user_id": client.UserID}))

	logrus.Infof("user %d disconnected", client.UserID)
}

// handleTyping relays a typing indicator to the counterpart or the
// group, stamped with the sender resolved from the connection. Nothing
// is persisted.
func (h *WSHandler) handleTyping(ctx context.Context, client *pool.Client, event string, data json.RawMessage, ack *acker) {
	var req struct {
		ReceiverID int64 `json:"receiver_id"`
		GroupID    int64 `json:"group_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	switch {
	case req.ReceiverID != 0:
		h.registry.SendToUser(req.ReceiverID, eventFrame(event, map[string]interface{}{
			"from": client.UserID,
		}))
	case req.GroupID != 0:
		members, err := h.groups.ListMembers(ctx, client.UserID, req.GroupID)
		if err != nil {
			ack.fail(err)
			return
		}
		payload := eventFrame(event, map[string]interface{}{
			"from":     client.UserID,
			"group_id": req.GroupID,
		})
		for _, m := range members {
			if m.UserID != client.UserID {
				h.registry.SendToUser(m.UserID, payload)
			}
		}
	default:
		ack.fail(appErrors.InvalidArg("receiver_id or group_id is required"))
		return
	}

	ack.success(nil)
}
