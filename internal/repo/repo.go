package repo

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type MessagePage struct {
	Items      []model.Message `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// MessageRepository is the append-only message store. Upsert is idempotent
// on (tenant, contact, provider message id).
type MessageRepository interface {
	Upsert(ctx context.Context, m model.Message) (stored bool, err error)
	ListByContact(ctx context.Context, tenantID, contact, cursor string, limit int) (MessagePage, error)
	Latest(ctx context.Context, tenantID, contact string) (*model.Message, error)
	AdvanceStatus(ctx context.Context, tenantID, contact, providerMessageID string, status model.DeliveryStatus) (changed bool, err error)
}

type ContactRepository interface {
	EnsureContact(ctx context.Context, c model.Contact) (created bool, err error)
	GetContact(ctx context.Context, tenantID, phone string) (model.Contact, error)
	// LinkCustomer sets the CRM customer id of a known contact. An empty id
	// removes the link.
	LinkCustomer(ctx context.Context, tenantID, phone, customerID string) (model.Contact, error)
}

type ConversationFilter struct {
	Status     model.ConversationStatus
	AssignedTo string
	Limit      int
	Offset     int
}

// ConversationRepository guards every mutation with the version the caller
// read. A stale version yields an apperr.ConflictError.
type ConversationRepository interface {
	GetConversation(ctx context.Context, key model.ConversationKey) (model.Conversation, error)
	CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error)
	UpdateConversation(ctx context.Context, c model.Conversation, expectedVersion int64) (model.Conversation, error)
	// AssignConversation runs the version check, the seat check and the
	// write as one atomic step.
	AssignConversation(ctx context.Context, key model.ConversationKey, memberID string, expectedVersion int64, capacity int, now time.Time) (model.Conversation, error)
	ActiveAssignees(ctx context.Context, tenantID string) ([]string, error)
	ListConversations(ctx context.Context, tenantID string, f ConversationFilter) ([]model.Conversation, error)
}

type HistoryRepository interface {
	AppendHistory(ctx context.Context, e model.HistoryEntry) error
	ListHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.HistoryEntry, error)
}

// ScheduledUpdate carries the optional field changes of a state transition.
type ScheduledUpdate struct {
	AttemptCount    *int
	NextAttemptAt   *time.Time
	LastError       *string
	RemoteMessageID *string
	SentAt          *time.Time
}

type ScheduledFilter struct {
	State  model.ScheduledState
	Limit  int
	Offset int
}

type ScheduledRepository interface {
	CreateScheduled(ctx context.Context, sm model.ScheduledMessage) error
	GetScheduled(ctx context.Context, id string) (model.ScheduledMessage, error)
	ListScheduled(ctx context.Context, tenantID string, f ScheduledFilter) ([]model.ScheduledMessage, error)
	// TransitionScheduled moves id from one state to another only if it is
	// still in from.
	TransitionScheduled(ctx context.Context, id string, from, to model.ScheduledState, upd ScheduledUpdate, now time.Time) (model.ScheduledMessage, error)
	// ClaimDue flips due pending entries to sending and returns them. An
	// entry is handed to at most one caller.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
	ListStuck(ctx context.Context, sendingBefore time.Time, limit int) ([]model.ScheduledMessage, error)
}

type Store interface {
	MessageRepository
	ContactRepository
	ConversationRepository
	HistoryRepository
	ScheduledRepository
}

// AllMessages walks every page of a contact's messages.
func AllMessages(ctx context.Context, r MessageRepository, tenantID, contact string) ([]model.Message, error) {
	var out []model.Message
	cursor := ""
	for {
		page, err := r.ListByContact(ctx, tenantID, contact, cursor, MaxPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func ValidateMessage(m model.Message) error {
	switch {
	case m.TenantID == "":
		return apperr.Invalid("tenant_id", "required")
	case m.ContactPhone == "":
		return apperr.Invalid("contact_phone", "required")
	case m.ProviderMessageID == "":
		return apperr.Invalid("provider_message_id", "required")
	case !m.Direction.Valid():
		return apperr.Invalid("direction", "must be inbound or outbound")
	case m.Timestamp.IsZero():
		return apperr.Invalid("timestamp", "required")
	}
	return nil
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

type cursorPos struct {
	ts time.Time
	id string
}

func encodeCursor(m model.Message) string {
	raw := strconv.FormatInt(m.Timestamp.UnixNano(), 10) + "|" + m.ProviderMessageID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*cursorPos, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Invalid("cursor", "malformed")
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, apperr.Invalid("cursor", "malformed")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, apperr.Invalid("cursor", "malformed")
	}
	return &cursorPos{ts: time.Unix(0, n), id: id}, nil
}

func (c *cursorPos) before(m model.Message) bool {
	return model.Less(model.Message{Timestamp: c.ts, ProviderMessageID: c.id}, m)
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
