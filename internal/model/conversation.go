package model

import "time"

type ConversationStatus string

const (
	Open          ConversationStatus = "open"
	WaitingOnMe   ConversationStatus = "waiting_on_me"
	WaitingOnUser ConversationStatus = "waiting_on_user"
	Closed        ConversationStatus = "closed"
	Archived      ConversationStatus = "archived"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case Open, WaitingOnMe, WaitingOnUser, Closed, Archived:
		return true
	}
	return false
}

// Sticky states are set by agents and survive new messages until reopened.
func (s ConversationStatus) Sticky() bool {
	return s == Closed || s == Archived
}

func (s ConversationStatus) Active() bool {
	return s.Valid() && !s.Sticky()
}

type ConversationKey struct {
	TenantID     string `json:"tenant_id"`
	ContactPhone string `json:"contact_phone"`
}

func (k ConversationKey) String() string {
	return k.TenantID + ":" + k.ContactPhone
}

type Conversation struct {
	Key           ConversationKey    `json:"key"`
	Status        ConversationStatus `json:"status"`
	AssignedTo    string             `json:"assigned_to,omitempty"`
	Tags          []string           `json:"tags"`
	Version       int64              `json:"version"`
	LastMessageAt time.Time          `json:"last_message_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	return out
}

type HistoryAction string

const (
	ActionOpened     HistoryAction = "opened"
	ActionClosed     HistoryAction = "closed"
	ActionArchived   HistoryAction = "archived"
	ActionReopened   HistoryAction = "reopened"
	ActionAssigned   HistoryAction = "assigned"
	ActionUnassigned HistoryAction = "unassigned"
	ActionTagged     HistoryAction = "tagged"
	ActionUntagged   HistoryAction = "untagged"
)

type HistoryEntry struct {
	TenantID     string        `json:"tenant_id"`
	ContactPhone string        `json:"contact_phone"`
	Action       HistoryAction `json:"action"`
	Agent        string        `json:"agent,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	At           time.Time     `json:"at"`
}
