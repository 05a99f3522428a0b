package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"CipherChat/server/internal/crypto"
	"CipherChat/server/internal/models"
	appErrors "CipherChat/server/pkg/errors"
)

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewCipher() unexpected error: %v", err)
	}
	return cipher
}

// fakeUserStore implements storage.UserStore in memory.
type fakeUserStore struct {
	users  map[int64]*models.User
	nextID int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[int64]*models.User)}
}

func (f *fakeUserStore) addUser(username string) int64 {
	f.nextID++
	f.users[f.nextID] = &models.User{
		ID:        f.nextID,
		Username:  username,
		Email:     username + "@example.com",
		CreatedAt: time.Now(),
	}
	return f.nextID
}

func (f *fakeUserStore) Create(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email || u.Username == username {
			return nil, appErrors.ErrEmailTaken
		}
	}
	f.nextID++
	user := &models.User{
		ID:           f.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	f.users[user.ID] = user
	out := *user
	return &out, nil
}

func (f *fakeUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			out := *u
			return &out, nil
		}
	}
	return nil, appErrors.ErrUserNotFound
}

func (f *fakeUserStore) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, appErrors.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (f *fakeUserStore) Exists(ctx context.Context, userID int64) (bool, error) {
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fakeUserStore) SetOnline(ctx context.Context, userID int64) error {
	u, ok := f.users[userID]
	if !ok {
		return appErrors.ErrUserNotFound
	}
	u.IsOnline = true
	return nil
}

func (f *fakeUserStore) SetOffline(ctx context.Context, userID int64) error {
	u, ok := f.users[userID]
	if !ok {
		return appErrors.ErrUserNotFound
	}
	u.IsOnline = false
	now := time.Now()
	u.LastSeenAt = &now
	return nil
}

// fakeMessageStore implements storage.MessageStore in memory with the
// same visibility rules as the real store.
type fakeMessageStore struct {
	messages map[int64]*models.DirectMessage
	nextID   int64
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[int64]*models.DirectMessage)}
}

func (f *fakeMessageStore) Create(ctx context.Context, senderID, receiverID int64, ciphertext, iv string) (*models.DirectMessage, error) {
	f.nextID++
	msg := &models.DirectMessage{
		ID:         f.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		IV:         iv,
		SentAt:     time.Now(),
	}
	f.messages[msg.ID] = msg
	out := *msg
	return &out, nil
}

func (f *fakeMessageStore) GetByID(ctx context.Context, messageID int64) (*models.DirectMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (f *fakeMessageStore) UpdateContent(ctx context.Context, messageID int64, ciphertext, iv string) (*models.DirectMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	msg.Ciphertext = ciphertext
	msg.IV = iv
	now := time.Now()
	msg.EditedAt = &now
	out := *msg
	return &out, nil
}

func (f *fakeMessageStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeMessageStore) History(ctx context.Context, userID, contactID int64, limit, offset uint64) ([]models.DirectMessage, error) {
	var out []models.DirectMessage
	for _, id := range f.sortedIDs() {
		msg := f.messages[id]
		pair := (msg.SenderID == userID && msg.ReceiverID == contactID) ||
			(msg.SenderID == contactID && msg.ReceiverID == userID)
		if pair && msg.VisibleTo(userID) {
			out = append(out, *msg)
		}
	}
	if offset >= uint64(len(out)) {
		return nil, nil
	}
	out = out[offset:]
	if uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) MarkRead(ctx context.Context, receiverID, senderID int64) ([]int64, error) {
	var ids []int64
	for _, id := range f.sortedIDs() {
		msg := f.messages[id]
		if msg.ReceiverID == receiverID && msg.SenderID == senderID && !msg.IsRead && !msg.DeletedByReceiver {
			msg.IsRead = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeMessageStore) UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error) {
	count := 0
	for _, msg := range f.messages {
		if msg.ReceiverID != userID || msg.IsRead || msg.DeletedByReceiver {
			continue
		}
		if senderID != nil && msg.SenderID != *senderID {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeMessageStore) SoftDelete(ctx context.Context, messageID, userID int64) (bool, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return false, appErrors.ErrMessageNotFound
	}
	switch userID {
	case msg.SenderID:
		msg.DeletedBySender = true
	case msg.ReceiverID:
		msg.DeletedByReceiver = true
	default:
		return false, appErrors.ErrMessageNotFound
	}
	if msg.DeletedBySender && msg.DeletedByReceiver {
		delete(f.messages, messageID)
		return true, nil
	}
	return false, nil
}

func (f *fakeMessageStore) DeleteForAll(ctx context.Context, messageID, senderID int64) (*models.DirectMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok || msg.SenderID != senderID {
		return nil, appErrors.ErrMessageNotFound
	}
	delete(f.messages, messageID)
	out := *msg
	return &out, nil
}

// fakeConversationStore records summary upkeep calls and serves canned
// listing rows.
type fakeConversationStore struct {
	rows []models.ConversationListRow

	upserts    int
	increments int
	resets     int

	failUpsert    error
	failIncrement error
}

func (f *fakeConversationStore) Upsert(ctx context.Context, senderID, receiverID, messageID int64, sentAt time.Time) error {
	if f.failUpsert != nil {
		return f.failUpsert
	}
	f.upserts++
	return nil
}

func (f *fakeConversationStore) IncrementUnread(ctx context.Context, receiverID, senderID int64) error {
	if f.failIncrement != nil {
		return f.failIncrement
	}
	f.increments++
	return nil
}

func (f *fakeConversationStore) ResetUnread(ctx context.Context, userID, contactID int64) error {
	f.resets++
	return nil
}

func (f *fakeConversationStore) GetByPair(ctx context.Context, a, b int64) (*models.ConversationSummary, error) {
	return nil, appErrors.ErrConversationNotFound
}

func (f *fakeConversationStore) ListForUser(ctx context.Context, userID int64) ([]models.ConversationListRow, error) {
	return f.rows, nil
}

// fakeGroupStore implements storage.GroupStore in memory. Membership
// is tracked as a flat active set; the join window subtleties live in
// the storage tests.
type fakeGroupStore struct {
	groups      map[int64]*models.Group
	members     map[int64]map[int64]*models.GroupMember
	messages    map[int64]*models.GroupMessage
	nextGroupID int64
	nextMsgID   int64

	markedCount int64
	unreadCount int
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:   make(map[int64]*models.Group),
		members:  make(map[int64]map[int64]*models.GroupMember),
		messages: make(map[int64]*models.GroupMessage),
	}
}

func (f *fakeGroupStore) CreateGroup(ctx context.Context, name string, description, avatarURL *string, adminID int64) (*models.Group, error) {
	f.nextGroupID++
	group := &models.Group{
		ID:          f.nextGroupID,
		Name:        name,
		Description: description,
		AvatarURL:   avatarURL,
		AdminID:     adminID,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	f.groups[group.ID] = group
	f.members[group.ID] = map[int64]*models.GroupMember{
		adminID: {ID: group.ID, GroupID: group.ID, UserID: adminID, AddedBy: adminID, JoinedAt: group.CreatedAt},
	}
	out := *group
	return &out, nil
}

func (f *fakeGroupStore) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	group, ok := f.groups[groupID]
	if !ok {
		return nil, appErrors.ErrGroupNotFound
	}
	out := *group
	return &out, nil
}

func (f *fakeGroupStore) AddMember(ctx context.Context, groupID, userID, addedBy int64) (*models.GroupMember, error) {
	if _, ok := f.members[groupID][userID]; ok {
		return nil, appErrors.ErrAlreadyMember
	}
	member := &models.GroupMember{GroupID: groupID, UserID: userID, AddedBy: addedBy, JoinedAt: time.Now()}
	f.members[groupID][userID] = member
	out := *member
	return &out, nil
}

func (f *fakeGroupStore) RemoveMember(ctx context.Context, groupID, userID int64) error {
	if _, ok := f.members[groupID][userID]; !ok {
		return appErrors.ErrMembershipNotFound
	}
	delete(f.members[groupID], userID)
	return nil
}

func (f *fakeGroupStore) ActiveMembership(ctx context.Context, groupID, userID int64) (*models.GroupMember, error) {
	member, ok := f.members[groupID][userID]
	if !ok {
		return nil, appErrors.ErrMembershipNotFound
	}
	out := *member
	return &out, nil
}

func (f *fakeGroupStore) ActiveMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	ids := make([]int64, 0, len(f.members[groupID]))
	for id := range f.members[groupID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeGroupStore) ListMembers(ctx context.Context, groupID int64) ([]models.GroupMemberView, error) {
	ids, _ := f.ActiveMemberIDs(ctx, groupID)
	views := make([]models.GroupMemberView, 0, len(ids))
	for _, id := range ids {
		member := f.members[groupID][id]
		views = append(views, models.GroupMemberView{
			UserID:   id,
			Username: fmt.Sprintf("user%d", id),
			JoinedAt: member.JoinedAt,
		})
	}
	return views, nil
}

func (f *fakeGroupStore) ListForUser(ctx context.Context, userID int64) ([]models.GroupView, error) {
	var views []models.GroupView
	for groupID, members := range f.members {
		member, ok := members[userID]
		if !ok {
			continue
		}
		group := f.groups[groupID]
		views = append(views, models.GroupView{
			Group:       *group,
			MemberCount: len(members),
			IsAdmin:     group.AdminID == userID,
			JoinedAt:    member.JoinedAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

func (f *fakeGroupStore) CreateMessage(ctx context.Context, groupID, senderID int64, ciphertext, iv string) (*models.GroupMessage, error) {
	f.nextMsgID++
	msg := &models.GroupMessage{
		ID:         f.nextMsgID,
		GroupID:    groupID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
		IV:         iv,
		SentAt:     time.Now(),
	}
	f.messages[msg.ID] = msg
	out := *msg
	return &out, nil
}

func (f *fakeGroupStore) GetMessage(ctx context.Context, messageID int64) (*models.GroupMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (f *fakeGroupStore) UpdateMessage(ctx context.Context, messageID int64, ciphertext, iv string) (*models.GroupMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok || msg.DeletedForAll {
		return nil, appErrors.ErrMessageNotFound
	}
	msg.Ciphertext = ciphertext
	msg.IV = iv
	now := time.Now()
	msg.EditedAt = &now
	out := *msg
	return &out, nil
}

func (f *fakeGroupStore) TombstoneMessage(ctx context.Context, messageID int64) error {
	msg, ok := f.messages[messageID]
	if !ok || msg.DeletedForAll {
		return appErrors.ErrMessageNotFound
	}
	msg.DeletedForAll = true
	now := time.Now()
	msg.DeletedAt = &now
	return nil
}

func (f *fakeGroupStore) History(ctx context.Context, groupID, userID int64, limit, offset uint64) ([]models.GroupMessage, error) {
	ids := make([]int64, 0, len(f.messages))
	for id, msg := range f.messages {
		if msg.GroupID == groupID && !msg.DeletedForAll {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []models.GroupMessage
	for _, id := range ids {
		out = append(out, *f.messages[id])
	}
	if offset >= uint64(len(out)) {
		return nil, nil
	}
	out = out[offset:]
	if uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGroupStore) MarkRead(ctx context.Context, groupID, userID int64) (int64, error) {
	return f.markedCount, nil
}

func (f *fakeGroupStore) UnreadCount(ctx context.Context, groupID, userID int64) (int, error) {
	return f.unreadCount, nil
}
