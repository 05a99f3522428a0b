package models

import (
	"time"
)

// DirectMessage is stored encrypted; Content stays empty until the
// messaging service decrypts the row for display.
type DirectMessage struct {
	ID         int64      `json:"id" db:"id"`
	SenderID   int64      `json:"sender_id" db:"sender_id"`
	ReceiverID int64      `json:"receiver_id" db:"receiver_id"`
	Ciphertext string     `json:"-" db:"ciphertext"`
	IV         string     `json:"-" db:"iv"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sent_at" db:"sent_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	IsRead     bool       `json:"is_read" db:"is_read"`

	DeletedBySender   bool `json:"-" db:"deleted_by_sender"`
	DeletedByReceiver bool `json:"-" db:"deleted_by_receiver"`
}

// VisibleTo reports whether userID still sees the message, i.e. has
// not soft-deleted it on their side.
func (m *DirectMessage) VisibleTo(userID int64) bool {
	switch userID {
	case m.SenderID:
		return !m.DeletedBySender
	case m.ReceiverID:
		return !m.DeletedByReceiver
	}
	return false
}
