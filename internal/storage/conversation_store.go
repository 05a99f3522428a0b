package storage

import (
	"context"
	"time"

	"CipherChat/server/internal/models"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConversationStore maintains the denormalized per-pair summaries
// behind the conversation list. Rows are created lazily on first
// message; the pair is always stored canonically (smaller id first).
type ConversationStore interface {
	Upsert(ctx context.Context, senderID, receiverID, messageID int64, sentAt time.Time) error
	IncrementUnread(ctx context.Context, receiverID, senderID int64) error
	ResetUnread(ctx context.Context, userID, contactID int64) error
	GetByPair(ctx context.Context, a, b int64) (*models.ConversationSummary, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ConversationListRow, error)
}

type conversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *conversationStore {
	return &conversationStore{pool: pool}
}

// Upsert points the pair's summary at its newest message, creating the
// row on first contact.
func (cs *conversationStore) Upsert(ctx context.Context, senderID, receiverID, messageID int64, sentAt time.Time) error {
	user1, user2 := models.CanonicalPair(senderID, receiverID)

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("conversations").
		Columns("user1_id", "user2_id", "last_message_id", "last_message_at", "created_at", "updated_at").
		Values(user1, user2, messageID, sentAt, squirrel.Expr("NOW()"), squirrel.Expr("NOW()")).
		Suffix("ON CONFLICT (user1_id, user2_id) DO UPDATE SET " +
			"last_message_id = EXCLUDED.last_message_id, " +
			"last_message_at = EXCLUDED.last_message_at, " +
			"updated_at = NOW()")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	if _, err := cs.pool.Exec(ctx, sqlStr, args...); err != nil {
		logrus.WithError(err).Errorf("error upserting conversation for users %d and %d", user1, user2)
		return errors.Wrap(err, "upsert conversation")
	}

	return nil
}

// IncrementUnread bumps the receiver's side of the pair's counter,
// creating the row when the increment arrives before Upsert.
func (cs *conversationStore) IncrementUnread(ctx context.Context, receiverID, senderID int64) error {
	user1, user2 := models.CanonicalPair(receiverID, senderID)
	column := "user2_unread"
	initial1, initial2 := 0, 1
	if models.SideOf(receiverID, user1, user2) == 1 {
		column = "user1_unread"
		initial1, initial2 = 1, 0
	}

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("conversations").
		Columns("user1_id", "user2_id", "user1_unread", "user2_unread", "created_at", "updated_at").
		Values(user1, user2, initial1, initial2, squirrel.Expr("NOW()"), squirrel.Expr("NOW()")).
		Suffix("ON CONFLICT (user1_id, user2_id) DO UPDATE SET " +
			column + " = conversations." + column + " + 1, " +
			"updated_at = NOW()")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	if _, err := cs.pool.Exec(ctx, sqlStr, args...); err != nil {
		logrus.WithError(err).Errorf("error incrementing unread for user %d", receiverID)
		return errors.Wrap(err, "increment unread counter")
	}

	return nil
}

// ResetUnread zeroes userID's side of the counter. A pair without a
// summary row is a no-op.
func (cs *conversationStore) ResetUnread(ctx context.Context, userID, contactID int64) error {
	user1, user2 := models.CanonicalPair(userID, contactID)
	column := "user2_unread"
	if models.SideOf(userID, user1, user2) == 1 {
		column = "user1_unread"
	}

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("conversations").
		Set(column, 0).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"user1_id": user1, "user2_id": user2})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	if _, err := cs.pool.Exec(ctx, sqlStr, args...); err != nil {
		logrus.WithError(err).Errorf("error resetting unread for user %d", userID)
		return errors.Wrap(err, "reset unread counter")
	}

	return nil
}

func (cs *conversationStore) GetByPair(ctx context.Context, a, b int64) (*models.ConversationSummary, error) {
	user1, user2 := models.CanonicalPair(a, b)

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "user1_id", "user2_id", "last_message_id", "last_message_at",
			"user1_unread", "user2_unread", "created_at", "updated_at").
		From("conversations").
		Where(squirrel.Eq{"user1_id": user1, "user2_id": user2})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var summary models.ConversationSummary
	var lastMessageAt pgtype.Timestamptz
	err = cs.pool.QueryRow(ctx, sqlStr, args...).Scan(&summary.ID, &summary.User1ID, &summary.User2ID,
		&summary.LastMessageID, &lastMessageAt, &summary.User1Unread, &summary.User2Unread,
		&summary.CreatedAt, &summary.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrConversationNotFound
		}
		logrus.WithError(err).Errorf("error fetching conversation for users %d and %d", user1, user2)
		return nil, errors.Wrap(err, "fetch conversation")
	}
	if lastMessageAt.Valid {
		summary.LastMessageAt = &lastMessageAt.Time
	}

	return &summary, nil
}

// ListForUser joins each summary to the contact's user row and the
// still-encrypted last message, newest conversation first.
func (cs *conversationStore) ListForUser(ctx context.Context, userID int64) ([]models.ConversationListRow, error) {
	query := `
        SELECT c.id,
               u.id, u.username, u.is_online, u.last_seen_at,
               c.last_message_id, m.sender_id, m.ciphertext, m.iv, m.edited_at,
               c.last_message_at,
               CASE WHEN c.user1_id = $1 THEN c.user1_unread ELSE c.user2_unread END AS unread
        FROM conversations c
        JOIN users u ON u.id = CASE WHEN c.user1_id = $1 THEN c.user2_id ELSE c.user1_id END
        LEFT JOIN direct_messages m ON m.id = c.last_message_id
        WHERE c.user1_id = $1 OR c.user2_id = $1
        ORDER BY c.last_message_at DESC NULLS LAST, c.id
    `

	logrus.Debugf("executing SQL: %s, args: [%d]", query, userID)

	rows, err := cs.pool.Query(ctx, query, userID)
	if err != nil {
		logrus.WithError(err).Errorf("error listing conversations for user %d", userID)
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	var list []models.ConversationListRow
	for rows.Next() {
		var row models.ConversationListRow
		var lastSeen, editedAt, lastMessageAt pgtype.Timestamptz
		err := rows.Scan(&row.ConversationID,
			&row.ContactID, &row.ContactName, &row.ContactOnline, &lastSeen,
			&row.LastMessageID, &row.LastSenderID, &row.Ciphertext, &row.IV, &editedAt,
			&lastMessageAt, &row.UnreadCount)
		if err != nil {
			logrus.WithError(err).Error("error scanning conversation row")
			return nil, err
		}
		if lastSeen.Valid {
			row.LastSeenAt = &lastSeen.Time
		}
		if editedAt.Valid {
			row.EditedAt = &editedAt.Time
		}
		if lastMessageAt.Valid {
			row.LastMessageAt = &lastMessageAt.Time
		}
		list = append(list, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	logrus.Debugf("fetched %d conversations for user %d", len(list), userID)
	return list, nil
}
