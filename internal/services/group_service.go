package services

import (
	"context"
	"strings"

	"CipherChat/server/internal/crypto"
	"CipherChat/server/internal/models"
	"CipherChat/server/internal/storage"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/sirupsen/logrus"
)

// tombstonePlaceholder replaces the content of messages deleted for
// everyone. Distinct from decryptedPlaceholder on purpose.
const tombstonePlaceholder = "This message was deleted"

type GroupService interface {
	CreateGroup(ctx context.Context, adminID int64, name string, description, avatarURL *string) (*models.GroupView, error)
	GetGroup(ctx context.Context, userID, groupID int64) (*models.Group, error)
	ListGroups(ctx context.Context, userID int64) ([]models.GroupView, error)
	ListMembers(ctx context.Context, userID, groupID int64) ([]models.GroupMemberView, error)
	AddMember(ctx context.Context, actorID, groupID, targetID int64) (*models.GroupMember, []int64, error)
	RemoveMember(ctx context.Context, actorID, groupID, targetID int64) ([]int64, error)
	SendMessage(ctx context.Context, senderID, groupID int64, content string) (*models.GroupMessage, []int64, error)
	EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.GroupMessage, []int64, error)
	DeleteMessage(ctx context.Context, userID, messageID int64) (int64, []int64, error)
	History(ctx context.Context, userID, groupID int64, limit, offset int64) ([]models.GroupMessage, error)
	MarkRead(ctx context.Context, userID, groupID int64) (int64, error)
	UnreadCount(ctx context.Context, userID, groupID int64) (int, error)
}

type groupService struct {
	groups storage.GroupStore
	users  storage.UserStore
	cipher *crypto.Cipher
}

func NewGroupService(groups storage.GroupStore, users storage.UserStore, cipher *crypto.Cipher) *groupService {
	return &groupService{groups: groups, users: users, cipher: cipher}
}

func (gs *groupService) CreateGroup(ctx context.Context, adminID int64, name string, description, avatarURL *string) (*models.GroupView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, appErrors.ErrGroupNameEmpty
	}
	if len([]rune(name)) > 100 {
		return nil, appErrors.InvalidArg("group name exceeds the 100 character limit")
	}

	group, err := gs.groups.CreateGroup(ctx, name, description, avatarURL, adminID)
	if err != nil {
		return nil, err
	}

	return &models.GroupView{
		Group:       *group,
		MemberCount: 1,
		IsAdmin:     true,
		JoinedAt:    group.CreatedAt,
	}, nil
}

func (gs *groupService) GetGroup(ctx context.Context, userID, groupID int64) (*models.Group, error) {
	if err := gs.requireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	return gs.groups.GetGroup(ctx, groupID)
}

func (gs *groupService) ListGroups(ctx context.Context, userID int64) ([]models.GroupView, error) {
	return gs.groups.ListForUser(ctx, userID)
}

func (gs *groupService) ListMembers(ctx context.Context, userID, groupID int64) ([]models.GroupMemberView, error) {
	if err := gs.requireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	return gs.groups.ListMembers(ctx, groupID)
}

// AddMember is admin-only. Returns the new membership and the active
// member ids to notify (the target excluded, it gets its own event).
func (gs *groupService) AddMember(ctx context.Context, actorID, groupID, targetID int64) (*models.GroupMember, []int64, error) {
	group, err := gs.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.AdminID != actorID {
		return nil, nil, appErrors.ErrNotGroupAdmin
	}

	exists, err := gs.users.Exists(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, appErrors.ErrUserNotFound
	}

	member, err := gs.groups.AddMember(ctx, groupID, targetID, actorID)
	if err != nil {
		return nil, nil, err
	}

	recipients, err := gs.recipients(ctx, groupID, targetID)
	if err != nil {
		return nil, nil, err
	}
	return member, recipients, nil
}

// RemoveMember is admin-only and never removes the admin, not even on
// the admin's own request. Returns the remaining member ids to notify.
func (gs *groupService) RemoveMember(ctx context.Context, actorID, groupID, targetID int64) ([]int64, error) {
	group, err := gs.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.AdminID != actorID {
		return nil, appErrors.ErrNotGroupAdmin
	}
	if targetID == group.AdminID {
		return nil, appErrors.ErrAdminLeave
	}

	if err := gs.groups.RemoveMember(ctx, groupID, targetID); err != nil {
		return nil, err
	}

	return gs.recipients(ctx, groupID, targetID)
}

func (gs *groupService) SendMessage(ctx context.Context, senderID, groupID int64, content string) (*models.GroupMessage, []int64, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, nil, err
	}

	if err := gs.requireMember(ctx, groupID, senderID); err != nil {
		return nil, nil, err
	}

	ciphertext, iv, err := gs.cipher.Encrypt(content)
	if err != nil {
		return nil, nil, err
	}

	msg, err := gs.groups.CreateMessage(ctx, groupID, senderID, ciphertext, iv)
	if err != nil {
		return nil, nil, err
	}

	recipients, err := gs.recipients(ctx, groupID, senderID)
	if err != nil {
		return nil, nil, err
	}

	msg.Content = content
	return msg, recipients, nil
}

func (gs *groupService) EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.GroupMessage, []int64, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, nil, err
	}

	msg, err := gs.groups.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != userID || msg.DeletedForAll {
		// Same answer as a missing id.
		return nil, nil, appErrors.ErrMessageNotFound
	}

	ciphertext, iv, err := gs.cipher.Encrypt(content)
	if err != nil {
		return nil, nil, err
	}

	updated, err := gs.groups.UpdateMessage(ctx, messageID, ciphertext, iv)
	if err != nil {
		return nil, nil, err
	}

	recipients, err := gs.recipients(ctx, updated.GroupID, userID)
	if err != nil {
		return nil, nil, err
	}

	updated.Content = content
	return updated, recipients, nil
}

// DeleteMessage tombstones the message for everyone. Groups have no
// per-side deletion. Returns the group id and the member ids to
// notify.
func (gs *groupService) DeleteMessage(ctx context.Context, userID, messageID int64) (int64, []int64, error) {
	msg, err := gs.groups.GetMessage(ctx, messageID)
	if err != nil {
		return 0, nil, err
	}
	if msg.SenderID != userID || msg.DeletedForAll {
		return 0, nil, appErrors.ErrMessageNotFound
	}

	if err := gs.groups.TombstoneMessage(ctx, messageID); err != nil {
		return 0, nil, err
	}

	recipients, err := gs.recipients(ctx, msg.GroupID, userID)
	if err != nil {
		return 0, nil, err
	}
	return msg.GroupID, recipients, nil
}

func (gs *groupService) History(ctx context.Context, userID, groupID int64, limit, offset int64) ([]models.GroupMessage, error) {
	if limit == 0 {
		limit = defaultHistory
	}
	if limit < 0 || offset < 0 {
		return nil, appErrors.InvalidArg("limit and offset must not be negative")
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	if err := gs.requireMember(ctx, groupID, userID); err != nil {
		return nil, err
	}

	messages, err := gs.groups.History(ctx, groupID, userID, uint64(limit), uint64(offset))
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Content = gs.decryptForDisplay(&messages[i])
	}
	return messages, nil
}

func (gs *groupService) MarkRead(ctx context.Context, userID, groupID int64) (int64, error) {
	if err := gs.requireMember(ctx, groupID, userID); err != nil {
		return 0, err
	}
	return gs.groups.MarkRead(ctx, groupID, userID)
}

func (gs *groupService) UnreadCount(ctx context.Context, userID, groupID int64) (int, error) {
	if err := gs.requireMember(ctx, groupID, userID); err != nil {
		return 0, err
	}
	return gs.groups.UnreadCount(ctx, groupID, userID)
}

// decryptForDisplay resolves the text shown for a group message. A
// tombstoned message yields its placeholder without touching the
// cipher.
func (gs *groupService) decryptForDisplay(msg *models.GroupMessage) string {
	if msg.DeletedForAll {
		return tombstonePlaceholder
	}
	plaintext, err := gs.cipher.Decrypt(msg.Ciphertext, msg.IV)
	if err != nil {
		logrus.WithError(err).Warnf("failed to decrypt group message %d", msg.ID)
		return decryptedPlaceholder
	}
	return plaintext
}

func (gs *groupService) requireMember(ctx context.Context, groupID, userID int64) error {
	_, err := gs.groups.ActiveMembership(ctx, groupID, userID)
	if err != nil {
		if appErrors.IsCode(err, appErrors.CodeNotFound) {
			return appErrors.ErrNotGroupMember
		}
		return err
	}
	return nil
}

// recipients lists the active members except the acting user, who
// already learns the outcome from the ack.
func (gs *groupService) recipients(ctx context.Context, groupID, actorID int64) ([]int64, error) {
	ids, err := gs.groups.ActiveMemberIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if id != actorID {
			out = append(out, id)
		}
	}
	return out, nil
}
