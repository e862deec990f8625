// Package mailbox implements the persistent per-recipient message queue that
// sessions and users use to communicate outside chat history.
package mailbox

import "time"

// MessageType classifies a mailbox entry.
type MessageType string

const (
	TypeNotification MessageType = "notification"
	TypeQuestion     MessageType = "question"
	TypeEscalation   MessageType = "escalation"
	TypeApproval     MessageType = "approval"
)

// Valid reports whether the message type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case TypeNotification, TypeQuestion, TypeEscalation, TypeApproval:
		return true
	}
	return false
}

// Entry is one durable mailbox message. Exactly one of ToSessionID and
// ToUserID is set; handle addressing is resolved to a user id at write time.
type Entry struct {
	ID            string      `json:"id" db:"id"`
	FromSessionID string      `json:"fromSessionId,omitempty" db:"from_session_id"`
	ToSessionID   string      `json:"toSessionId,omitempty" db:"to_session_id"`
	ToUserID      string      `json:"toUserId,omitempty" db:"to_user_id"`
	MessageType   MessageType `json:"messageType" db:"message_type"`
	Content       string      `json:"content" db:"content"`

	ContextSessionID *string `json:"contextSessionId,omitempty" db:"context_session_id"`
	ContextTaskID    *string `json:"contextTaskId,omitempty" db:"context_task_id"`

	// ReplyToID threads replies back to an earlier entry.
	ReplyToID *string `json:"replyToId,omitempty" db:"reply_to_id"`

	ReadAt    *time.Time `json:"readAt,omitempty" db:"read_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// Recipient returns whichever address the entry carries.
func (e *Entry) Recipient() string {
	if e.ToSessionID != "" {
		return e.ToSessionID
	}
	return e.ToUserID
}
