package handlers

import (
	"context"
	"encoding/json"

	"CipherChat/server/internal/pool"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

func (h *WSHandler) handleCreateGroup(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		Name        string  `json:"name"`
		Description *string `json:"description"`
		AvatarURL   *string `json:"avatar_url"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	view, err := h.groups.CreateGroup(ctx, client.UserID, req.Name, req.Description, req.AvatarURL)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"group": view})
}

func (h *WSHandler) handleSendGroup(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		GroupID int64  `json:"group_id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	msg, recipients, err := h.groups.SendMessage(ctx, client.UserID, req.GroupID, req.Content)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"message": msg})
	h.registry.SendToUsers(recipients, eventFrame("new-message", msg))
}

func (h *WSHandler) handleEditGroup(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		MessageID  int64  `json:"message_id"`
		NewContent string `json:"new_content"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	msg, recipients, err := h.groups.EditMessage(ctx, client.UserID, req.MessageID, req.NewContent)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"message": msg})
	h.registry.SendToUsers(recipients, eventFrame("message-edited", msg))
}

func (h *WSHandler) handleDeleteGroup(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	groupID, recipients, err := h.groups.DeleteMessage(ctx, client.UserID, req.MessageID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"message_id": req.MessageID, "group_id": groupID})
	h.registry.SendToUsers(recipients, eventFrame("message-deleted", map[string]interface{}{
		"message_id": req.MessageID,
		"group_id":   groupID,
	}))
}

func (h *WSHandler) handleGroupHistory(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		GroupID int64 `json:"group_id"`
		Limit   int64 `json:"limit"`
		Offset  int64 `json:"offset"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	messages, err := h.groups.History(ctx, client.UserID, req.GroupID, req.Limit, req.Offset)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"messages": messages})
}

func (h *WSHandler) handleAddMember(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		GroupID      int64 `json:"group_id"`
		TargetUserID int64 `json:"target_user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	member, recipients, err := h.groups.AddMember(ctx, client.UserID, req.GroupID, req.TargetUserID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"member": member})

	h.registry.SendToUser(req.TargetUserID, eventFrame("added-to-group", map[string]interface{}{
		"group_id": req.GroupID,
	}))
	h.registry.SendToUsers(recipients, eventFrame("member-added", map[string]interface{}{
		"group_id": req.GroupID,
		"user_id":  req.TargetUserID,
	}))
}

func (h *WSHandler) handleRemoveMember(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		GroupID      int64 `json:"group_id"`
		TargetUserID int64 `json:"target_user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	recipients, err := h.groups.RemoveMember(ctx, client.UserID, req.GroupID, req.TargetUserID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"group_id": req.GroupID, "user_id": req.TargetUserID})

	h.registry.SendToUser(req.TargetUserID, eventFrame("removed-from-group", map[string]interface{}{
		"group_id": req.GroupID,
	}))
	h.registry.SendToUsers(recipients, eventFrame("member-removed", map[string]interface{}{
		"group_id": req.GroupID,
		"user_id":  req.TargetUserID,
	}))
}

func (h *WSHandler) handleMarkGroupRead(ctx context.Context, client *pool.Client, data json.RawMessage, ack *acker) {
	var req struct {
		GroupID int64 `json:"group_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		ack.fail(appErrors.InvalidArg("malformed payload"))
		return
	}

	count, err := h.groups.MarkRead(ctx, client.UserID, req.GroupID)
	if err != nil {
		ack.fail(err)
		return
	}

	ack.success(map[string]interface{}{"count": count})

	if count > 0 {
		members, err := h.groups.ListMembers(ctx, client.UserID, req.GroupID)
		if err != nil {
			logrus.WithError(err).Debugf("skipping group-read fan-out for group %d", req.GroupID)
			return
		}
		payload := eventFrame("group-read", map[string]interface{}{
			"group_id": req.GroupID,
			"read_by":  client.UserID,
		})
		for _, m := range members {
			if m.UserID != client.UserID {
				h.registry.SendToUser(m.UserID, payload)
			}
		}
	}
}
