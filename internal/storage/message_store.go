package storage

import (
	"context"

	"CipherChat/server/internal/models"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MessageStore persists direct messages. Content arrives here already
// encrypted; this layer never sees plaintext.
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID int64, ciphertext, iv string) (*models.DirectMessage, error)
	GetByID(ctx context.Context, messageID int64) (*models.DirectMessage, error)
	UpdateContent(ctx context.Context, messageID int64, ciphertext, iv string) (*models.DirectMessage, error)
	History(ctx context.Context, userID, contactID int64, limit, offset uint64) ([]models.DirectMessage, error)
	MarkRead(ctx context.Context, receiverID, senderID int64) ([]int64, error)
	UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error)
	SoftDelete(ctx context.Context, messageID, userID int64) (bool, error)
	DeleteForAll(ctx context.Context, messageID, senderID int64) (*models.DirectMessage, error)
}

type messageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *messageStore {
	return &messageStore{pool: pool}
}

func (ms *messageStore) Create(ctx context.Context, senderID, receiverID int64, ciphertext, iv string) (*models.DirectMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("direct_messages").
		Columns("sender_id", "receiver_id", "ciphertext", "iv", "sent_at").
		Values(senderID, receiverID, ciphertext, iv, squirrel.Expr("NOW()")).
		Suffix("RETURNING id, sent_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	msg := &models.DirectMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		IV:         iv,
	}
	err = ms.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		logrus.WithError(err).Error("error saving direct message")
		return nil, errors.Wrap(err, "save direct message")
	}

	logrus.Infof("direct message %d saved from user %d to user %d", msg.ID, senderID, receiverID)
	return msg, nil
}

func (ms *messageStore) GetByID(ctx context.Context, messageID int64) (*models.DirectMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "sender_id", "receiver_id", "ciphertext", "iv", "sent_at", "edited_at",
			"is_read", "deleted_by_sender", "deleted_by_receiver").
		From("direct_messages").
		Where(squirrel.Eq{"id": messageID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var msg models.DirectMessage
	var editedAt pgtype.Timestamptz
	err = ms.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID,
		&msg.Ciphertext, &msg.IV, &msg.SentAt, &editedAt,
		&msg.IsRead, &msg.DeletedBySender, &msg.DeletedByReceiver)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error fetching direct message %d", messageID)
		return nil, errors.Wrap(err, "fetch direct message")
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}

	return &msg, nil
}

func (ms *messageStore) UpdateContent(ctx context.Context, messageID int64, ciphertext, iv string) (*models.DirectMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("direct_messages").
		Set("ciphertext", ciphertext).
		Set("iv", iv).
		Set("edited_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": messageID}).
		Suffix("RETURNING id, sender_id, receiver_id, ciphertext, iv, sent_at, edited_at, is_read, deleted_by_sender, deleted_by_receiver")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var msg models.DirectMessage
	var editedAt pgtype.Timestamptz
	err = ms.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID,
		&msg.Ciphertext, &msg.IV, &msg.SentAt, &editedAt,
		&msg.IsRead, &msg.DeletedBySender, &msg.DeletedByReceiver)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error updating direct message %d", messageID)
		return nil, errors.Wrap(err, "update direct message")
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}

	logrus.Infof("direct message %d updated", messageID)
	return &msg, nil
}

// History returns the conversation between userID and contactID oldest
// first, skipping messages userID soft-deleted on their side.
func (ms *messageStore) History(ctx context.Context, userID, contactID int64, limit, offset uint64) ([]models.DirectMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "sender_id", "receiver_id", "ciphertext", "iv", "sent_at", "edited_at", "is_read").
		From("direct_messages").
		Where(squirrel.Or{
			squirrel.And{
				squirrel.Eq{"sender_id": userID, "receiver_id": contactID},
				squirrel.Eq{"deleted_by_sender": false},
			},
			squirrel.And{
				squirrel.Eq{"sender_id": contactID, "receiver_id": userID},
				squirrel.Eq{"deleted_by_receiver": false},
			},
		}).
		OrderBy("sent_at ASC").
		Limit(limit).
		Offset(offset)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := ms.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error fetching history between users %d and %d", userID, contactID)
		return nil, errors.Wrap(err, "fetch direct history")
	}
	defer rows.Close()

	var messages []models.DirectMessage
	for rows.Next() {
		var msg models.DirectMessage
		var editedAt pgtype.Timestamptz
		err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Ciphertext, &msg.IV,
			&msg.SentAt, &editedAt, &msg.IsRead)
		if err != nil {
			logrus.WithError(err).Error("error scanning message row")
			return nil, err
		}
		if editedAt.Valid {
			msg.EditedAt = &editedAt.Time
		}
		messages = append(messages, msg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	logrus.Debugf("fetched %d messages between users %d and %d", len(messages), userID, contactID)
	return messages, nil
}

// MarkRead flips every unread message from senderID to receiverID and
// returns the affected ids.
func (ms *messageStore) MarkRead(ctx context.Context, receiverID, senderID int64) ([]int64, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("direct_messages").
		Set("is_read", true).
		Where(squirrel.And{
			squirrel.Eq{"receiver_id": receiverID},
			squirrel.Eq{"sender_id": senderID},
			squirrel.Eq{"is_read": false},
			squirrel.Eq{"deleted_by_receiver": false},
		}).
		Suffix("RETURNING id")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := ms.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error marking messages read for user %d", receiverID)
		return nil, errors.Wrap(err, "mark messages read")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	logrus.Infof("marked %d messages from user %d as read by user %d", len(ids), senderID, receiverID)
	return ids, nil
}

// UnreadCount counts unread messages addressed to userID, optionally
// restricted to one sender. Messages the receiver soft-deleted do not
// count.
func (ms *messageStore) UnreadCount(ctx context.Context, userID int64, senderID *int64) (int, error) {
	where := squirrel.And{
		squirrel.Eq{"receiver_id": userID},
		squirrel.Eq{"is_read": false},
		squirrel.Eq{"deleted_by_receiver": false},
	}
	if senderID != nil {
		where = append(where, squirrel.Eq{"sender_id": *senderID})
	}

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("COUNT(*)").
		From("direct_messages").
		Where(where)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return 0, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var count int
	err = ms.pool.QueryRow(ctx, sqlStr, args...).Scan(&count)
	if err != nil {
		logrus.WithError(err).Errorf("error counting unread messages for user %d", userID)
		return 0, errors.Wrap(err, "count unread messages")
	}

	return count, nil
}

// SoftDelete hides the message on the caller's side. The flag update
// and the purge run in one transaction so two concurrent deletes from
// opposite sides still converge on a removed row. Returns whether the
// row was purged.
func (ms *messageStore) SoftDelete(ctx context.Context, messageID, userID int64) (bool, error) {
	tx, err := ms.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin soft delete")
	}
	defer tx.Rollback(ctx)

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("direct_messages").
		Set("deleted_by_sender", squirrel.Expr("deleted_by_sender OR (sender_id = ?)", userID)).
		Set("deleted_by_receiver", squirrel.Expr("deleted_by_receiver OR (receiver_id = ?)", userID)).
		Where(squirrel.And{
			squirrel.Eq{"id": messageID},
			squirrel.Or{
				squirrel.Eq{"sender_id": userID},
				squirrel.Eq{"receiver_id": userID},
			},
		}).
		Suffix("RETURNING deleted_by_sender, deleted_by_receiver")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return false, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var bySender, byReceiver bool
	err = tx.QueryRow(ctx, sqlStr, args...).Scan(&bySender, &byReceiver)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error soft deleting message %d", messageID)
		return false, errors.Wrap(err, "soft delete message")
	}

	purged := bySender && byReceiver
	if purged {
		deleteQuery := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
			Delete("direct_messages").
			Where(squirrel.Eq{"id": messageID})

		deleteSQL, deleteArgs, err := deleteQuery.ToSql()
		if err != nil {
			logrus.WithError(err).Error("failed to build SQL query")
			return false, err
		}

		logrus.Debugf("executing SQL: %s, args: %v", deleteSQL, deleteArgs)

		if _, err := tx.Exec(ctx, deleteSQL, deleteArgs...); err != nil {
			logrus.WithError(err).Errorf("error purging message %d", messageID)
			return false, errors.Wrap(err, "purge message")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit soft delete")
	}

	if purged {
		logrus.Infof("direct message %d deleted by both sides, row purged", messageID)
	} else {
		logrus.Infof("direct message %d hidden for user %d", messageID, userID)
	}
	return purged, nil
}

// DeleteForAll removes the message outright. Only the sender may do
// this; for anyone else the message reports as not found. The deleted
// row comes back so callers can notify the other side.
func (ms *messageStore) DeleteForAll(ctx context.Context, messageID, senderID int64) (*models.DirectMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Delete("direct_messages").
		Where(squirrel.And{
			squirrel.Eq{"id": messageID},
			squirrel.Eq{"sender_id": senderID},
		}).
		Suffix("RETURNING id, sender_id, receiver_id, sent_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var msg models.DirectMessage
	err = ms.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.SentAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error deleting message %d for all", messageID)
		return nil, errors.Wrap(err, "delete message for all")
	}

	logrus.Infof("direct message %d deleted for all by user %d", messageID, senderID)
	return &msg, nil
}
