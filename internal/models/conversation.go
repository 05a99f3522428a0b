package models

import (
	"time"
)

// ConversationSummary is the denormalized per-pair row behind the
// conversation list. The pair is stored canonically (User1ID is the
// smaller id) so each pair has exactly one row regardless of who
// messaged first. Counters and the last-message pointer are maintained
// by the messaging flow, not by triggers.
type ConversationSummary struct {
	ID            int64      `json:"id" db:"id"`
	User1ID       int64      `json:"user1_id" db:"user1_id"`
	User2ID       int64      `json:"user2_id" db:"user2_id"`
	LastMessageID *int64     `json:"last_message_id,omitempty" db:"last_message_id"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	User1Unread   int        `json:"user1_unread" db:"user1_unread"`
	User2Unread   int        `json:"user2_unread" db:"user2_unread"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// UnreadFor returns the counter belonging to userID's side of the
// pair, or 0 for a user outside the pair.
func (c *ConversationSummary) UnreadFor(userID int64) int {
	switch SideOf(userID, c.User1ID, c.User2ID) {
	case 1:
		return c.User1Unread
	case 2:
		return c.User2Unread
	}
	return 0
}

// ConversationListRow is what the store hands the service for one
// listing entry: contact projection plus the still-encrypted last
// message.
type ConversationListRow struct {
	ConversationID int64
	ContactID      int64
	ContactName    string
	ContactOnline  bool
	LastSeenAt     *time.Time
	LastMessageID  *int64
	LastSenderID   *int64
	Ciphertext     *string
	IV             *string
	EditedAt       *time.Time
	LastMessageAt  *time.Time
	UnreadCount    int
}

// ConversationView is one entry of the conversation listing: the
// contact projection plus the decrypted, bounded preview of the last
// message.
type ConversationView struct {
	ConversationID int64      `json:"conversation_id"`
	ContactID      int64      `json:"contact_id"`
	ContactName    string     `json:"contact_name"`
	ContactOnline  bool       `json:"contact_online"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	LastMessage    string     `json:"last_message"`
	IsLastFromMe   bool       `json:"is_last_from_me"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	UnreadCount    int        `json:"unread_count"`
}

// CanonicalPair orders two user ids into the (user1, user2) form used
// by the conversations table: user1 is always the smaller id.
func CanonicalPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// SideOf reports which side of the canonical pair userID occupies:
// 1, 2, or 0 when the user is not part of the pair.
func SideOf(userID, user1, user2 int64) int {
	switch userID {
	case user1:
		return 1
	case user2:
		return 2
	}
	return 0
}
