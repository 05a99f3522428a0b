package services

import (
	"context"
	"strings"
	"time"

	"CipherChat/server/internal/crypto"
	"CipherChat/server/internal/models"
	"CipherChat/server/internal/storage"
	appErrors "CipherChat/server/pkg/errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	maxContentRunes = 4000
	previewRunes    = 50
	defaultHistory  = 50
	maxHistory      = 200
)

// decryptedPlaceholder is shown when stored ciphertext cannot be
// decrypted. It is distinct from the tombstone placeholder so a
// corrupted message never looks like a deleted one.
const decryptedPlaceholder = "[unable to decrypt]"

// DirectDeletion describes what a delete actually did, so the caller
// knows whom to notify. SenderID and ReceiverID are set only when the
// message was removed for both parties.
type DirectDeletion struct {
	MessageID  int64
	ForAll     bool
	Purged     bool
	SenderID   int64
	ReceiverID int64
}

type MessagingService interface {
	SendMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.DirectMessage, error)
	EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.DirectMessage, error)
	DeleteMessage(ctx context.Context, userID, messageID int64, forAll bool) (*DirectDeletion, error)
	History(ctx context.Context, userID, contactID int64, limit, offset int64) ([]models.DirectMessage, error)
	MarkRead(ctx context.Context, userID, senderID int64) ([]int64, error)
	UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error)
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationView, error)
}

// previewKey identifies one rendered preview. Edits change EditedAt,
// so a stale cache entry can never survive an edit.
type previewKey struct {
	messageID int64
	editedAt  int64
}

type messagingService struct {
	messages      storage.MessageStore
	conversations storage.ConversationStore
	users         storage.UserStore
	cipher        *crypto.Cipher
	previews      *lru.Cache[previewKey, string]
}

func NewMessagingService(messages storage.MessageStore, conversations storage.ConversationStore,
	users storage.UserStore, cipher *crypto.Cipher, previewCacheSize int) (*messagingService, error) {
	previews, err := lru.New[previewKey, string](previewCacheSize)
	if err != nil {
		return nil, err
	}
	return &messagingService{
		messages:      messages,
		conversations: conversations,
		users:         users,
		cipher:        cipher,
		previews:      previews,
	}, nil
}

// validateContent trims and bounds message content. The returned
// string is what gets encrypted and stored.
func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", appErrors.ErrEmptyContent
	}
	if len([]rune(content)) > maxContentRunes {
		return "", appErrors.ErrContentTooLong
	}
	return content, nil
}

func (ms *messagingService) SendMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.DirectMessage, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	if senderID == receiverID {
		return nil, appErrors.InvalidArg("cannot send a message to yourself")
	}

	exists, err := ms.users.Exists(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, appErrors.ErrRecipientNotFound
	}

	ciphertext, iv, err := ms.cipher.Encrypt(content)
	if err != nil {
		return nil, err
	}

	msg, err := ms.messages.Create(ctx, senderID, receiverID, ciphertext, iv)
	if err != nil {
		return nil, err
	}

	// Summary upkeep is best-effort: the message is already persisted,
	// and a failed counter bump only understates the badge until the
	// next read cycle.
	if err := ms.conversations.Upsert(ctx, senderID, receiverID, msg.ID, msg.SentAt); err != nil {
		logrus.WithError(err).Errorf("error updating conversation summary for pair (%d,%d)", senderID, receiverID)
	}
	if err := ms.conversations.IncrementUnread(ctx, receiverID, senderID); err != nil {
		logrus.WithError(err).Errorf("error incrementing unread for user %d", receiverID)
	}

	msg.Content = content
	return msg, nil
}

func (ms *messagingService) EditMessage(ctx context.Context, userID, messageID int64, content string) (*models.DirectMessage, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	msg, err := ms.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		// Same answer as a missing id.
		return nil, appErrors.ErrMessageNotFound
	}

	ciphertext, iv, err := ms.cipher.Encrypt(content)
	if err != nil {
		return nil, err
	}

	updated, err := ms.messages.UpdateContent(ctx, messageID, ciphertext, iv)
	if err != nil {
		return nil, err
	}

	updated.Content = content
	return updated, nil
}

func (ms *messagingService) DeleteMessage(ctx context.Context, userID, messageID int64, forAll bool) (*DirectDeletion, error) {
	if forAll {
		msg, err := ms.messages.DeleteForAll(ctx, messageID, userID)
		if err != nil {
			return nil, err
		}
		return &DirectDeletion{
			MessageID:  messageID,
			ForAll:     true,
			Purged:     true,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
		}, nil
	}

	purged, err := ms.messages.SoftDelete(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	return &DirectDeletion{MessageID: messageID, Purged: purged}, nil
}

func (ms *messagingService) History(ctx context.Context, userID, contactID int64, limit, offset int64) ([]models.DirectMessage, error) {
	if limit == 0 {
		limit = defaultHistory
	}
	if limit < 0 || offset < 0 {
		return nil, appErrors.InvalidArg("limit and offset must not be negative")
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	messages, err := ms.messages.History(ctx, userID, contactID, uint64(limit), uint64(offset))
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Content = ms.decryptForDisplay(messages[i].Ciphertext, messages[i].IV)
	}
	return messages, nil
}

func (ms *messagingService) MarkRead(ctx context.Context, userID, senderID int64) ([]int64, error) {
	ids, err := ms.messages.MarkRead(ctx, userID, senderID)
	if err != nil {
		return nil, err
	}

	if err := ms.conversations.ResetUnread(ctx, userID, senderID); err != nil {
		logrus.WithError(err).Errorf("error resetting unread for user %d and contact %d", userID, senderID)
	}

	return ids, nil
}

func (ms *messagingService) UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error) {
	return ms.messages.UnreadCount(ctx, userID, senderID)
}

// ListConversations builds the conversation listing: contact
// projection, bounded decrypted preview and an explicit flag telling
// the client whether the last message is its own. One undecryptable
// preview degrades to a placeholder without failing the listing.
func (ms *messagingService) ListConversations(ctx context.Context, userID int64) ([]models.ConversationView, error) {
	rows, err := ms.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(rows))
	for _, row := range rows {
		view := models.ConversationView{
			ConversationID: row.ConversationID,
			ContactID:      row.ContactID,
			ContactName:    row.ContactName,
			ContactOnline:  row.ContactOnline,
			LastSeenAt:     row.LastSeenAt,
			LastMessageAt:  row.LastMessageAt,
			UnreadCount:    row.UnreadCount,
		}
		if row.LastMessageID != nil && row.Ciphertext != nil && row.IV != nil {
			view.LastMessage = ms.preview(*row.LastMessageID, row.EditedAt, *row.Ciphertext, *row.IV)
		}
		view.IsLastFromMe = row.LastSenderID != nil && *row.LastSenderID == userID
		views = append(views, view)
	}

	return views, nil
}

func (ms *messagingService) preview(messageID int64, editedAt *time.Time, ciphertext, iv string) string {
	key := previewKey{messageID: messageID}
	if editedAt != nil {
		key.editedAt = editedAt.UnixNano()
	}
	if cached, ok := ms.previews.Get(key); ok {
		return cached
	}

	rendered := truncateRunes(ms.decryptForDisplay(ciphertext, iv), previewRunes)
	ms.previews.Add(key, rendered)
	return rendered
}

func (ms *messagingService) decryptForDisplay(ciphertext, iv string) string {
	plaintext, err := ms.cipher.Decrypt(ciphertext, iv)
	if err != nil {
		logrus.WithError(err).Warn("failed to decrypt stored message")
		return decryptedPlaceholder
	}
	return plaintext
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
