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

type UserStore interface {
	Create(ctx context.Context, username, email, passwordHash string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, userID int64) (*models.User, error)
	Exists(ctx context.Context, userID int64) (bool, error)
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
}

type userStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *userStore {
	return &userStore{pool: pool}
}

func (us *userStore) Create(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Insert("users").
		Columns("username", "email", "password_hash", "created_at").
		Values(username, email, passwordHash, squirrel.Expr("NOW()")).
		Suffix("RETURNING id, created_at")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: [%s %s <redacted>]", sqlStr, username, email)

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
	}
	err = us.pool.QueryRow(ctx, sqlStr, args...).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, appErrors.ErrEmailTaken
		}
		logrus.WithError(err).Error("error creating user")
		return nil, errors.Wrap(err, "create user")
	}

	logrus.Infof("user %d (%s) registered", user.ID, username)
	return user, nil
}

func (us *userStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "username", "email", "password_hash", "is_online", "last_seen_at", "created_at").
		From("users").
		Where(squirrel.Eq{"email": email})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	return us.scanUser(us.pool.QueryRow(ctx, sqlStr, args...))
}

func (us *userStore) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("id", "username", "email", "password_hash", "is_online", "last_seen_at", "created_at").
		From("users").
		Where(squirrel.Eq{"id": userID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return nil, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	return us.scanUser(us.pool.QueryRow(ctx, sqlStr, args...))
}

func (us *userStore) scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var lastSeen pgtype.Timestamptz
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsOnline, &lastSeen, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.ErrUserNotFound
		}
		logrus.WithError(err).Error("error fetching user")
		return nil, errors.Wrap(err, "fetch user")
	}
	if lastSeen.Valid {
		user.LastSeenAt = &lastSeen.Time
	}
	return &user, nil
}

func (us *userStore) Exists(ctx context.Context, userID int64) (bool, error) {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("1").
		From("users").
		Where(squirrel.Eq{"id": userID}).
		Limit(1)

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return false, err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	var one int
	err = us.pool.QueryRow(ctx, sqlStr, args...).Scan(&one)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		logrus.WithError(err).Errorf("error checking user %d", userID)
		return false, errors.Wrap(err, "check user")
	}

	return true, nil
}

func (us *userStore) SetOnline(ctx context.Context, userID int64) error {
	return us.setPresence(ctx, userID, true)
}

// SetOffline also stamps last_seen_at so the contact list can show
// when the user was last around.
func (us *userStore) SetOffline(ctx context.Context, userID int64) error {
	return us.setPresence(ctx, userID, false)
}

func (us *userStore) setPresence(ctx context.Context, userID int64, online bool) error {
	query := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Update("users").
		Set("is_online", online).
		Where(squirrel.Eq{"id": userID})
	if !online {
		query = query.Set("last_seen_at", squirrel.Expr("NOW()"))
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		logrus.WithError(err).Error("failed to build SQL query")
		return err
	}

	logrus.Debugf("executing SQL: %s, args: %v", sqlStr, args)

	tag, err := us.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		logrus.WithError(err).Errorf("error updating presence for user %d", userID)
		return errors.Wrap(err, "update presence")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.ErrUserNotFound
	}

	return nil
}
