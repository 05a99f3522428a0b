package storage

import (
	"context"

	"CipherChat/server/internal/models"
	appErrors "CipherChat/server/pkg/errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

// GroupStore persists groups, membership windows, group messages and
// read receipts. Message visibility is bounded by the reader's active
// joined_at; a member removed and re-added starts a fresh window and
// loses sight of everything sent in between.
type GroupStore interface {
	CreateGroup(ctx context.Context, name string, description, avatarURL *string, adminID int64) (*models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID, addedBy int64) (*models.GroupMember, error)
	RemoveMember(ctx context.Context, groupID, userID int64) error
	ActiveMembership(ctx context.Context, groupID, userID int64) (*models.GroupMember, error)
	ActiveMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	ListMembers(ctx context.Context, groupID int64) ([]models.GroupMemberView, error)
	ListForUser(ctx context.Context, userID int64) ([]models.GroupView, error)
	CreateMessage(ctx context.Context, groupID, senderID int64, ciphertext, iv string) (*models.GroupMessage, error)
	GetMessage(ctx context.Context, messageID int64) (*models.GroupMessage, error)
	UpdateMessage(ctx context.Context, messageID int64, ciphertext, iv string) (*models.GroupMessage, error)
	TombstoneMessage(ctx context.Context, messageID int64) error
	History(ctx context.Context, groupID, userID int64, limit, offset uint64) ([]models.GroupMessage, error)
	MarkRead(ctx context.Context, groupID, userID int64) (int64, error)
	UnreadCount(ctx context.Context, groupID, userID int64) (int, error)
}

type groupStore struct {
	pool *pgxpool.Pool
}

func NewGroupStore(pool *pgxpool.Pool) *groupStore {
	return &groupStore{pool: pool}
}

// CreateGroup inserts the group and the admin's membership in one
// transaction; a group can never exist without its admin as an active
// member.
func (gs *groupStore) CreateGroup(ctx context.Context, name string, description, avatarURL *string, adminID int64) (*models.Group, error) {
	tx, err := gs.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin create group")
	}
	defer tx.Rollback(ctx)

	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("groups").
		Columns("name", "description", "avatar_url", "admin_id", "created_at", "updated_at").
		Values(name, description, avatarURL, adminID, squirrel.Expr("NOW()"), squirrel.Expr("NOW()")).
		Suffix("RETURNING id, created_at, updated_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	group := &models.Group{
		Name:        name,
		Description: description,
		AvatarURL:   avatarURL,
		AdminID:     adminID,
	}
	err = tx.QueryRow(ctx, sqlStr, args...).Scan(&group.ID, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		logrus.WithError(err).Error("error creating group")
		return nil, errors.Wrap(err, "create group")
	}

	memberQuery := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("group_members").
		Columns("group_id", "user_id", "added_by", "joined_at").
		Values(group.ID, adminID, adminID, squirrel.Expr("NOW()"))

	memberSQL, memberArgs, err := memberQuery.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", memberSQL, memberArgs)

	if _, err := tx.Exec(ctx, memberSQL, memberArgs...); err != nil {
		logrus.WithError(err).Errorf("error adding admin %d to group %d", adminID, group.ID)
		return nil, errors.Wrap(err, "add group admin")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit create group")
	}

	logrus.Infof("group %d (%s) created by user %d", group.ID, name, adminID)
	return group, nil
}

func (gs *groupStore) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "name", "description", "avatar_url", "admin_id", "created_at", "updated_at").
		From("groups").
		Where(squirrel.Eq{"id": groupID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var group models.Group
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&group.ID, &group.Name, &group.Description,
		&group.AvatarURL, &group.AdminID, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		logrus.WithError(err).Errorf("error fetching group %d", groupID)
		return nil, errors.Wrap(err, "fetch group")
	}

	return &group, nil
}

// AddMember opens a new membership window. The partial unique index on
// active rows turns a double add into ErrAlreadyMember even under
// concurrent requests.
func (gs *groupStore) AddMember(ctx context.Context, groupID, userID, addedBy int64) (*models.GroupMember, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("group_members").
		Columns("group_id", "user_id", "added_by", "joined_at").
		Values(groupID, userID, addedBy, squirrel.Expr("NOW()")).
		Suffix("RETURNING id, joined_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	member := &models.GroupMember{
		GroupID: groupID,
		UserID:  userID,
		AddedBy: addedBy,
	}
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&member.ID, &member.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, appErrors.ErrAlreadyMember
		}
		logrus.WithError(err).Errorf("error adding user %d to group %d", userID, groupID)
		return nil, errors.Wrap(err, "add group member")
	}

	logrus.Infof("user %d added to group %d by user %d", userID, groupID, addedBy)
	return member, nil
}

// RemoveMember closes the active window by stamping left_at. The row
// stays for history.
func (gs *groupStore) RemoveMember(ctx context.Context, groupID, userID int64) error {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("group_members").
		Set("left_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{
			"group_id": groupID,
			"user_id":  userID,
			"left_at":  nil,
		})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	tag, err := gs.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error removing user %d from group %d", userID, groupID)
		return errors.Wrap(err, "remove group member")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.ErrMembershipNotFound
	}

	logrus.Infof("user %d removed from group %d", userID, groupID)
	return nil
}

func (gs *groupStore) ActiveMembership(ctx context.Context, groupID, userID int64) (*models.GroupMember, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "group_id", "user_id", "added_by", "joined_at").
		From("group_members").
		Where(squirrel.Eq{
			"group_id": groupID,
			"user_id":  userID,
			"left_at":  nil,
		})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var member models.GroupMember
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&member.ID, &member.GroupID, &member.UserID,
		&member.AddedBy, &member.JoinedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMembershipNotFound
		}
		logrus.WithError(err).Errorf("error fetching membership of user %d in group %d", userID, groupID)
		return nil, errors.Wrap(err, "fetch membership")
	}

	return &member, nil
}

func (gs *groupStore) ActiveMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("user_id").
		From("group_members").
		Where(squirrel.Eq{"group_id": groupID, "left_at": nil})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := gs.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error fetching member ids for group %d", groupID)
		return nil, errors.Wrap(err, "fetch member ids")
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

	return ids, nil
}

func (gs *groupStore) ListMembers(ctx context.Context, groupID int64) ([]models.GroupMemberView, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("u.id", "u.username", "u.is_online", "gm.joined_at").
		From("group_members gm").
		Join("users u ON u.id = gm.user_id").
		Where(squirrel.Eq{"gm.group_id": groupID, "gm.left_at": nil}).
		OrderBy("gm.joined_at ASC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := gs.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error fetching members for group %d", groupID)
		return nil, errors.Wrap(err, "fetch group members")
	}
	defer rows.Close()

	var members []models.GroupMemberView
	for rows.Next() {
		var member models.GroupMemberView
		if err := rows.Scan(&member.UserID, &member.Username, &member.IsOnline, &member.JoinedAt); err != nil {
			logrus.WithError(err).Error("error scanning member row")
			return nil, err
		}
		members = append(members, member)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return members, nil
}

// ListForUser returns the groups where userID is an active member,
// with the member count and admin flag the listing shows.
func (gs *groupStore) ListForUser(ctx context.Context, userID int64) ([]models.GroupView, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("g.id", "g.name", "g.description", "g.avatar_url", "g.admin_id", "g.created_at", "g.updated_at",
			"gm.joined_at",
			"(SELECT COUNT(*) FROM group_members x WHERE x.group_id = g.id AND x.left_at IS NULL) AS member_count").
		Column(squirrel.Expr("(g.admin_id = ?) AS is_admin", userID)).
		From("groups g").
		Join("group_members gm ON gm.group_id = g.id AND gm.user_id = ? AND gm.left_at IS NULL", userID).
		OrderBy("g.updated_at DESC")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := gs.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error fetching groups for user %d", userID)
		return nil, errors.Wrap(err, "fetch groups")
	}
	defer rows.Close()

	var groups []models.GroupView
	for rows.Next() {
		var view models.GroupView
		err := rows.Scan(&view.ID, &view.Name, &view.Description, &view.AvatarURL, &view.AdminID,
			&view.CreatedAt, &view.UpdatedAt, &view.JoinedAt, &view.MemberCount, &view.IsAdmin)
		if err != nil {
			logrus.WithError(err).Error("error scanning group row")
			return nil, err
		}
		groups = append(groups, view)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	logrus.Debugf("fetched %d groups for user %d", len(groups), userID)
	return groups, nil
}

func (gs *groupStore) CreateMessage(ctx context.Context, groupID, senderID int64, ciphertext, iv string) (*models.GroupMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("group_messages").
		Columns("group_id", "sender_id", "ciphertext", "iv", "sent_at").
		Values(groupID, senderID, ciphertext, iv, squirrel.Expr("NOW()")).
		Suffix("RETURNING id, sent_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	msg := &models.GroupMessage{
		GroupID:    groupID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
		IV:         iv,
	}
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		logrus.WithError(err).Error("error saving group message")
		return nil, errors.Wrap(err, "save group message")
	}

	logrus.Infof("group message %d saved to group %d by user %d", msg.ID, groupID, senderID)
	return msg, nil
}

func (gs *groupStore) GetMessage(ctx context.Context, messageID int64) (*models.GroupMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "group_id", "sender_id", "ciphertext", "iv", "sent_at", "edited_at",
			"is_deleted_for_all", "deleted_at").
		From("group_messages").
		Where(squirrel.Eq{"id": messageID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var msg models.GroupMessage
	var editedAt, deletedAt pgtype.Timestamptz
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.GroupID, &msg.SenderID,
		&msg.Ciphertext, &msg.IV, &msg.SentAt, &editedAt, &msg.DeletedForAll, &deletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error fetching group message %d", messageID)
		return nil, errors.Wrap(err, "fetch group message")
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}

	return &msg, nil
}

func (gs *groupStore) UpdateMessage(ctx context.Context, messageID int64, ciphertext, iv string) (*models.GroupMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("group_messages").
		Set("ciphertext", ciphertext).
		Set("iv", iv).
		Set("edited_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": messageID, "is_deleted_for_all": false}).
		Suffix("RETURNING id, group_id, sender_id, ciphertext, iv, sent_at, edited_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var msg models.GroupMessage
	var editedAt pgtype.Timestamptz
	err = gs.pool.QueryRow(ctx, sqlStr, args...).Scan(&msg.ID, &msg.GroupID, &msg.SenderID,
		&msg.Ciphertext, &msg.IV, &msg.SentAt, &editedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrMessageNotFound
		}
		logrus.WithError(err).Errorf("error updating group message %d", messageID)
		return nil, errors.Wrap(err, "update group message")
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}

	logrus.Infof("group message %d updated", messageID)
	return &msg, nil
}

// TombstoneMessage marks the message deleted for everyone. The row
// stays so ordering and receipts survive, but its content is never
// served again. Tombstoning a tombstone reports not found.
func (gs *groupStore) TombstoneMessage(ctx context.Context, messageID int64) error {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("group_messages").
		Set("is_deleted_for_all", true).
		Set("deleted_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": messageID, "is_deleted_for_all": false})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	tag, err := gs.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error tombstoning group message %d", messageID)
		return errors.Wrap(err, "tombstone group message")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.ErrMessageNotFound
	}

	logrus.Infof("group message %d deleted for all", messageID)
	return nil
}

// History returns the messages visible to userID, newest first. Rows
// sent before the reader's active joined_at and tombstoned rows are
// filtered out; a non-member simply gets nothing.
func (gs *groupStore) History(ctx context.Context, groupID, userID int64, limit, offset uint64) ([]models.GroupMessage, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("m.id", "m.group_id", "m.sender_id", "m.ciphertext", "m.iv", "m.sent_at", "m.edited_at").
		From("group_messages m").
		Join("group_members gm ON gm.group_id = m.group_id AND gm.user_id = ? AND gm.left_at IS NULL", userID).
		Where(squirrel.And{
			squirrel.Eq{"m.group_id": groupID},
			squirrel.Expr("m.sent_at >= gm.joined_at"),
			squirrel.Eq{"m.is_deleted_for_all": false},
		}).
		OrderBy("m.sent_at DESC").
		Limit(limit).
		Offset(offset)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	rows, err := gs.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error fetching history for group %d", groupID)
		return nil, errors.Wrap(err, "fetch group history")
	}
	defer rows.Close()

	var messages []models.GroupMessage
	for rows.Next() {
		var msg models.GroupMessage
		var editedAt pgtype.Timestamptz
		err := rows.Scan(&msg.ID, &msg.GroupID, &msg.SenderID, &msg.Ciphertext, &msg.IV,
			&msg.SentAt, &editedAt)
		if err != nil {
			logrus.WithError(err).Error("error scanning group message row")
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

	logrus.Debugf("fetched %d messages for group %d and user %d", len(messages), groupID, userID)
	return messages, nil
}

// MarkRead upserts a receipt for every message currently visible to
// userID that they did not send. Re-reading refreshes read_at.
func (gs *groupStore) MarkRead(ctx context.Context, groupID, userID int64) (int64, error) {
	query := `
        INSERT INTO group_message_reads (group_message_id, user_id, read_at)
        SELECT m.id, $2, NOW()
        FROM group_messages m
        JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = $2 AND gm.left_at IS NULL
        WHERE m.group_id = $1
          AND m.sent_at >= gm.joined_at
          AND NOT m.is_deleted_for_all
          AND m.sender_id <> $2
        ON CONFLICT (group_message_id, user_id) DO UPDATE SET read_at = EXCLUDED.read_at
    `

	logrus.Debugf("executing SQL: %s, args: [%d %d]", query, groupID, userID)

	tag, err := gs.pool.Exec(ctx, query, groupID, userID)
	if err != nil {
		logrus.WithError(err).Errorf("error marking group %d read for user %d", groupID, userID)
		return 0, errors.Wrap(err, "mark group read")
	}

	logrus.Infof("user %d marked %d messages read in group %d", userID, tag.RowsAffected(), groupID)
	return tag.RowsAffected(), nil
}

// UnreadCount is computed as a set difference: visible messages from
// others minus those with a receipt. Nothing is materialized, so
// membership changes cannot leave a stale counter.
func (gs *groupStore) UnreadCount(ctx context.Context, groupID, userID int64) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM group_messages m
        JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = $2 AND gm.left_at IS NULL
        WHERE m.group_id = $1
          AND m.sent_at >= gm.joined_at
          AND NOT m.is_deleted_for_all
          AND m.sender_id <> $2
          AND NOT EXISTS (
              SELECT 1 FROM group_message_reads r
              WHERE r.group_message_id = m.id AND r.user_id = $2
          )
    `

	logrus.Debugf("executing SQL: %s, args: [%d %d]", query, groupID, userID)

	var count int
	err := gs.pool.QueryRow(ctx, query, groupID, userID).Scan(&count)
	if err != nil {
		logrus.WithError(err).Errorf("error counting unread for group %d and user %d", groupID, userID)
		return 0, errors.Wrap(err, "count group unread")
	}

	return count, nil
}
