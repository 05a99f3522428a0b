package services

import (
	"context"
	"strings"
	"time"

	"CipherChat/server/internal/models"
	"CipherChat/server/internal/storage"
	"CipherChat/server/pkg/errors"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 24 * time.Hour

type UserService interface {
	Register(ctx context.Context, username, email, password string) (*models.User, string, error)
	Login(ctx context.Context, email, password string) (*models.User, string, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	VerifyToken(tokenStr string) (int64, error)
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
}

type userService struct {
	users     storage.UserStore
	jwtSecret []byte
}

func NewUserService(users storage.UserStore, jwtSecret []byte) *userService {
	return &userService{users: users, jwtSecret: jwtSecret}
}

func (us *userService) Register(ctx context.Context, username, email, password string) (*models.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" || email == "" {
		return nil, "", errors.InvalidArg("username and email are required")
	}
	if !strings.Contains(email, "@") {
		return nil, "", errors.InvalidArg("invalid email address")
	}
	if len(password) < 8 {
		return nil, "", errors.InvalidArg("password must be at least 8 characters")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logrus.WithError(err).Error("failed to hash password")
		return nil, "", errors.Wrap(errors.CodeInternal, "failed to hash password", err)
	}

	user, err := us.users.Create(ctx, username, email, string(hashed))
	if err != nil {
		return nil, "", err
	}

	token, err := us.issueToken(user)
	if err != nil {
		return nil, "", err
	}

	logrus.Infof("user %d registered with email %s", user.ID, email)
	return user, token, nil
}

func (us *userService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, "", errors.InvalidArg("email and password are required")
	}

	user, err := us.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.IsCode(err, errors.CodeNotFound) {
			// Same answer as a wrong password, so login cannot be
			// used to probe which emails are registered.
			return nil, "", errors.ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		logrus.Debugf("password verification failed for user %d", user.ID)
		return nil, "", errors.ErrInvalidCredentials
	}

	token, err := us.issueToken(user)
	if err != nil {
		return nil, "", err
	}

	logrus.Infof("user %d logged in", user.ID)
	return user, token, nil
}

func (us *userService) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return us.users.GetByID(ctx, userID)
}

func (us *userService) issueToken(user *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(us.jwtSecret)
	if err != nil {
		logrus.WithError(err).Errorf("error creating token for user %d", user.ID)
		return "", errors.Wrap(errors.CodeInternal, "failed to sign token", err)
	}

	return tokenString, nil
}

// VerifyToken checks the signature and expiry and returns the user id
// carried in the claims.
func (us *userService) VerifyToken(tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.ErrNotAuthenticated
		}
		return us.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		logrus.Debugf("invalid token: %v", err)
		return 0, errors.ErrNotAuthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["user_id"] == nil {
		return 0, errors.ErrNotAuthenticated
	}

	id, ok := claims["user_id"].(float64)
	if !ok {
		return 0, errors.ErrNotAuthenticated
	}

	return int64(id), nil
}

func (us *userService) SetOnline(ctx context.Context, userID int64) error {
	return us.users.SetOnline(ctx, userID)
}

func (us *userService) SetOffline(ctx context.Context, userID int64) error {
	return us.users.SetOffline(ctx, userID)
}
