package models

import (
	"time"
)

type Group struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	AdminID     int64     `json:"admin_id" db:"admin_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// GroupMember is one membership window. A re-added user gets a fresh
// row with a new joined_at; at most one row per (group, user) has a
// null left_at.
type GroupMember struct {
	ID       int64      `json:"id" db:"id"`
	GroupID  int64      `json:"group_id" db:"group_id"`
	UserID   int64      `json:"user_id" db:"user_id"`
	AddedBy  int64      `json:"added_by" db:"added_by"`
	JoinedAt time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty" db:"left_at"`
}

type GroupMessage struct {
	ID            int64      `json:"id" db:"id"`
	GroupID       int64      `json:"group_id" db:"group_id"`
	SenderID      int64      `json:"sender_id" db:"sender_id"`
	Ciphertext    string     `json:"-" db:"ciphertext"`
	IV            string     `json:"-" db:"iv"`
	Content       string     `json:"content"`
	SentAt        time.Time  `json:"sent_at" db:"sent_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	DeletedForAll bool       `json:"deleted_for_all" db:"is_deleted_for_all"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

type GroupMessageRead struct {
	GroupMessageID int64     `json:"group_message_id" db:"group_message_id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	ReadAt         time.Time `json:"read_at" db:"read_at"`
}

// GroupView is the per-user listing projection.
type GroupView struct {
	Group
	MemberCount int       `json:"member_count"`
	IsAdmin     bool      `json:"is_admin"`
	JoinedAt    time.Time `json:"joined_at"`
}

// GroupMemberView is an active member joined to their user row.
type GroupMemberView struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	IsOnline bool      `json:"is_online"`
	JoinedAt time.Time `json:"joined_at"`
}
