package model

import "time"

type ScheduledState string

const (
	Pending   ScheduledState = "pending"
	Sending   ScheduledState = "sending"
	Sent      ScheduledState = "sent"
	Failed    ScheduledState = "failed"
	Cancelled ScheduledState = "cancelled"
)

func (s ScheduledState) Valid() bool {
	switch s {
	case Pending, Sending, Sent, Failed, Cancelled:
		return true
	}
	return false
}

func (s ScheduledState) Terminal() bool {
	return s == Sent || s == Failed || s == Cancelled
}

type ScheduledMessage struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	RecipientPhone  string         `json:"recipient_phone"`
	Body            string         `json:"body"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	State           ScheduledState `json:"state"`
	AttemptCount    int            `json:"attempt_count"`
	LastError       string         `json:"last_error,omitempty"`
	RemoteMessageID string         `json:"remote_message_id,omitempty"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
