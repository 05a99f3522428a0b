package handlers

import (
	"context"
	"encoding/json"

	"CipherChat/server/internal/pool"
	appErrors "CipherChat/server/pkg/errors"
)

func (h *WSHandler) handleSendDirect(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		ReceiverID int64  `json:"receiver_id"`
		Content    string `json:"content"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	msg, err := h.messaging.SendMessage(ctx, client.UserID, req.ReceiverID, req.Content)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"message": msg})
	h.registry.SendToUser(msg.ReceiverID, eventFrame("new-message", msg))
}

func (h *WSHandler) handleEditDirect(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		MessageID  int64  `json:"message_id"`
		NewContent string `json:"new_content"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	msg, err := h.messaging.EditMessage(ctx, client.UserID, req.MessageID, req.NewContent)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"message": msg})
	h.registry.SendToUser(msg.ReceiverID, eventFrame("message-edited", msg))
}

func (h *WSHandler) handleDeleteDirect(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		MessageID    int64 `json:"message_id"`
		DeleteForAll bool  `json:"delete_for_all"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	res, err := h.messaging.DeleteMessage(ctx, client.UserID, req.MessageID, req.DeleteForAll)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{
		"message_id":     res.MessageID,
		"delete_for_all": res.ForAll,
	})

	payload := eventFrame("message-deleted", map[string]interface{}{
		"message_id":     res.MessageID,
		"delete_for_all": res.ForAll,
	})
	if res.ForAll {
		// Both parties see the message disappear.
		h.registry.SendToUser(res.SenderID, payload)
		h.registry.SendToUser(res.ReceiverID, payload)
	} else {
		client.Send(payload)
	}
}

func (h *WSHandler) handleDirectHistory(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		ContactID int64 `json:"contact_id"`
		Limit     int64 `json:"limit"`
		Offset    int64 `json:"offset"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	messages, err := h.messaging.History(ctx, client.UserID, req.ContactID, req.Limit, req.Offset)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"messages": messages})
}

func (h *WSHandler) handleMarkDirectRead(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		SenderID int64 `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	ids, err := h.messaging.MarkRead(ctx, client.UserID, req.SenderID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"count": len(ids), "message_ids": ids})

	if len(ids) > 0 {
		h.registry.SendToUser(req.SenderID, eventFrame("messages-read", map[string]interface{}{
			"read_by":     client.UserID,
			"message_ids": ids,
		}))
	}
}

func (h *WSHandler) handleUnreadCount(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		SenderID *int64 `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	count, err := h.messaging.UnreadCount(ctx, client.UserID, req.SenderID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"count": count})
}
