package models

import (
	"time"
)

type User struct {
	ID           int64      `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	IsOnline     bool       `json:"is_online" db:"is_online"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
