// Package engine is the single entry point used by the transports. It wires
// the message store, the projector, seat-limited assignment and the
// scheduled-send queue together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/assignment"
	"github.com/LeventeLantos/conversation-engine/internal/cache"
	"github.com/LeventeLantos/conversation-engine/internal/events"
	"github.com/LeventeLantos/conversation-engine/internal/grouper"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/phone"
	"github.com/LeventeLantos/conversation-engine/internal/projector"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/scheduled"
	"github.com/LeventeLantos/conversation-engine/internal/seats"
	"github.com/LeventeLantos/conversation-engine/internal/template"
)

// SeatStore reads and writes the paid seat configuration.
type SeatStore interface {
	seats.CapacityProvider
	Get(ctx context.Context, tenantID string) (seats.TenantSeats, error)
	SetSeats(ctx context.Context, tenantID string, base, addOns int) (seats.TenantSeats, error)
}

type Deps struct {
	Store     repo.Store
	Seats     SeatStore
	Publisher events.Publisher
	// Dedupe is an optional Redis-backed fast path.
	Dedupe cache.Deduper
	Logger *slog.Logger

	DefaultRegion   string
	Location        *time.Location
	ConflictRetries int
}

type Engine struct {
	store  repo.Store
	seats  SeatStore
	pub    events.Publisher
	dedupe cache.Deduper
	logger *slog.Logger

	proj   *projector.Projector
	assign *assignment.Manager
	queue  *scheduled.Queue

	region string
	loc    *time.Location
	now    func() time.Time
}

func New(d Deps) *Engine {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.ConflictRetries <= 0 {
		d.ConflictRetries = projector.DefaultConflictRetries
	}

	proj := projector.New(d.Store, d.Publisher, d.Logger).WithRetries(d.ConflictRetries)
	return &Engine{
		store:  d.Store,
		seats:  d.Seats,
		pub:    d.Publisher,
		dedupe: d.Dedupe,
		logger: d.Logger,
		proj:   proj,
		assign: assignment.New(d.Store, d.Seats, proj),
		queue:  scheduled.New(d.Store, d.Publisher, d.DefaultRegion, d.Logger),
		region: d.DefaultRegion,
		loc:    d.Location,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source of the engine and its components.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.proj.WithClock(now)
	e.queue.WithClock(now)
	return e
}

// InboundEvent is a provider message in either direction. For inbound
// messages the contact is From, for outbound messages it is To.
type InboundEvent struct {
	TenantID          string
	ProviderMessageID string
	Direction         model.Direction
	From              string
	To                string
	Type              model.MessageType
	Body              string
	MediaRef          string
	SenderID          string
	ReplyTo           string
	DisplayName       string
	Status            model.DeliveryStatus
	Timestamp         time.Time
}

type StatusEvent struct {
	TenantID          string
	ProviderMessageID string
	Recipient         string
	Status            model.DeliveryStatus
	Timestamp         time.Time
}

func (e *Engine) contact(raw string) (string, error) {
	return phone.Normalize(raw, e.region)
}

func (e *Engine) key(tenantID, contact string) (model.ConversationKey, error) {
	if tenantID == "" {
		return model.ConversationKey{}, apperr.Invalid("tenant_id", "required")
	}
	p, err := e.contact(contact)
	if err != nil {
		return model.ConversationKey{}, err
	}
	return model.ConversationKey{TenantID: tenantID, ContactPhone: p}, nil
}

// Ingest stores a message and refreshes its conversation. Redelivered
// messages return stored=false and at most re-derive the status.
func (e *Engine) Ingest(ctx context.Context, ev InboundEvent) (bool, error) {
	var errs []error
	if ev.TenantID == "" {
		errs = append(errs, apperr.Invalid("tenant_id", "required"))
	}
	if ev.ProviderMessageID == "" {
		errs = append(errs, apperr.Invalid("provider_message_id", "required"))
	}
	if !ev.Direction.Valid() {
		errs = append(errs, apperr.Invalid("direction", "must be inbound or outbound"))
	}
	if ev.Timestamp.IsZero() {
		errs = append(errs, apperr.Invalid("timestamp", "required"))
	}
	if ev.Type != "" && !ev.Type.Valid() {
		errs = append(errs, apperr.Invalid("type", "unknown message type "+string(ev.Type)))
	}
	if err := errors.Join(errs...); err != nil {
		return false, err
	}

	raw := ev.From
	if ev.Direction == model.Outbound {
		raw = ev.To
	}
	contact, err := e.contact(raw)
	if err != nil {
		return false, err
	}

	if e.dedupe != nil {
		seen, err := e.dedupe.Seen(ctx, ev.TenantID, contact, ev.ProviderMessageID)
		if err != nil {
			e.logger.Warn("dedupe lookup failed", "tenant_id", ev.TenantID, "error", err)
		} else if seen {
			return false, nil
		}
	}

	now := e.now()
	if _, err := e.store.EnsureContact(ctx, model.Contact{
		TenantID:    ev.TenantID,
		Phone:       contact,
		DisplayName: ev.DisplayName,
		CreatedAt:   now,
	}); err != nil {
		return false, fmt.Errorf("ensure contact: %w", err)
	}

	typ := ev.Type
	if typ == "" {
		typ = model.TypeText
	}
	status := ev.Status
	if ev.Direction == model.Outbound && status == "" {
		status = model.StatusSent
	}
	if ev.Direction == model.Inbound {
		status = ""
	}
	msg := model.Message{
		TenantID:          ev.TenantID,
		ContactPhone:      contact,
		ProviderMessageID: ev.ProviderMessageID,
		Direction:         ev.Direction,
		Type:              typ,
		Body:              ev.Body,
		MediaRef:          ev.MediaRef,
		SenderID:          ev.SenderID,
		Status:            status,
		Timestamp:         ev.Timestamp.UTC(),
		ReplyTo:           ev.ReplyTo,
		ReceivedAt:        now,
	}
	stored, err := e.store.Upsert(ctx, msg)
	if err != nil {
		return false, err
	}
	if stored {
		e.publish(ctx, events.MessageStored, ev.TenantID, contact, msg)
	}

	// A redelivery still recomputes: a previous attempt may have stored the
	// message and then failed to update the conversation. Recompute is a
	// no-op when the status already matches.
	key := model.ConversationKey{TenantID: ev.TenantID, ContactPhone: contact}
	if _, err := e.proj.Recompute(ctx, key); err != nil {
		return stored, fmt.Errorf("recompute %s: %w", key, err)
	}

	if e.dedupe != nil {
		if err := e.dedupe.MarkSeen(ctx, ev.TenantID, contact, ev.ProviderMessageID); err != nil {
			e.logger.Warn("dedupe mark failed", "tenant_id", ev.TenantID, "error", err)
		}
	}
	return stored, nil
}

// ApplyStatus moves an outbound message's delivery status forward. Stale or
// backwards updates are ignored.
func (e *Engine) ApplyStatus(ctx context.Context, ev StatusEvent) (bool, error) {
	if !ev.Status.Valid() {
		return false, apperr.Invalid("status", "unknown delivery status "+string(ev.Status))
	}
	key, err := e.key(ev.TenantID, ev.Recipient)
	if err != nil {
		return false, err
	}

	changed, err := e.store.AdvanceStatus(ctx, key.TenantID, key.ContactPhone, ev.ProviderMessageID, ev.Status)
	if err != nil || !changed {
		return false, err
	}

	e.publish(ctx, events.MessageStatus, key.TenantID, key.ContactPhone, map[string]string{
		"provider_message_id": ev.ProviderMessageID,
		"status":              string(ev.Status),
	})
	return true, nil
}

// RecordSent stores a dispatched scheduled message as an outbound message.
// It is installed as the dispatcher's sent hook.
func (e *Engine) RecordSent(ctx context.Context, sm model.ScheduledMessage) error {
	sentAt := e.now()
	if sm.SentAt != nil {
		sentAt = *sm.SentAt
	}

	_, err := e.Ingest(ctx, InboundEvent{
		TenantID:          sm.TenantID,
		ProviderMessageID: sm.RemoteMessageID,
		Direction:         model.Outbound,
		To:                sm.RecipientPhone,
		Type:              model.TypeText,
		Body:              sm.Body,
		SenderID:          "scheduled:" + sm.ID,
		Status:            model.StatusSent,
		Timestamp:         sentAt,
	})
	return err
}

// RecordFailed tells connected agents that a scheduled message was given up
// on. It is installed as the dispatcher's failed hook.
func (e *Engine) RecordFailed(ctx context.Context, sm model.ScheduledMessage, reason string) error {
	ev, err := events.New(events.ScheduledFailed, sm.TenantID, sm.RecipientPhone, map[string]string{
		"id":     sm.ID,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, ev)
}

func (e *Engine) publish(ctx context.Context, typ events.Type, tenantID, contact string, data any) {
	ev, err := events.New(typ, tenantID, contact, data)
	if err == nil {
		err = e.pub.Publish(ctx, ev)
	}
	if err != nil {
		e.logger.Warn("publish event failed", "type", typ, "tenant_id", tenantID, "error", err)
	}
}

// --- reads ---

func (e *Engine) GetConversation(ctx context.Context, tenantID, contact string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.store.GetConversation(ctx, key)
}

func (e *Engine) GetContact(ctx context.Context, tenantID, contact string) (model.Contact, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Contact{}, err
	}
	return e.store.GetContact(ctx, key.TenantID, key.ContactPhone)
}

// LinkCustomer attaches a CRM customer id to a contact. An empty id unlinks.
func (e *Engine) LinkCustomer(ctx context.Context, tenantID, contact, customerID string) (model.Contact, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Contact{}, err
	}
	c, err := e.store.LinkCustomer(ctx, key.TenantID, key.ContactPhone, strings.TrimSpace(customerID))
	if err != nil {
		return model.Contact{}, err
	}
	e.publish(ctx, events.ContactUpdated, key.TenantID, key.ContactPhone, c)
	return c, nil
}

func (e *Engine) ListConversations(ctx context.Context, tenantID string, f repo.ConversationFilter) ([]model.Conversation, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Invalid("status", "unknown status "+string(f.Status))
	}
	return e.store.ListConversations(ctx, tenantID, f)
}

func (e *Engine) ListMessages(ctx context.Context, tenantID, contact, cursor string, limit int) (repo.MessagePage, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return repo.MessagePage{}, err
	}
	return e.store.ListByContact(ctx, key.TenantID, key.ContactPhone, cursor, limit)
}

// Timeline groups the full message list for display in loc, or in the
// configured display zone when loc is nil.
func (e *Engine) Timeline(ctx context.Context, tenantID, contact string, loc *time.Location) ([]grouper.Day, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return nil, err
	}
	msgs, err := repo.AllMessages(ctx, e.store, key.TenantID, key.ContactPhone)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = e.loc
	}
	return grouper.Group(msgs, loc), nil
}

func (e *Engine) History(ctx context.Context, tenantID, contact string, limit int) ([]model.HistoryEntry, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return nil, err
	}
	return e.proj.History(ctx, key, limit)
}

// --- agent actions ---

func (e *Engine) Assign(ctx context.Context, tenantID, contact, memberID string, expectedVersion int64, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.assign.Assign(ctx, key, memberID, expectedVersion, agent)
}

func (e *Engine) Unassign(ctx context.Context, tenantID, contact string, expectedVersion int64, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.assign.Unassign(ctx, key, expectedVersion, agent)
}

func (e *Engine) Close(ctx context.Context, tenantID, contact string, expectedVersion int64, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.proj.Close(ctx, key, expectedVersion, agent)
}

func (e *Engine) Archive(ctx context.Context, tenantID, contact string, expectedVersion int64, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.proj.Archive(ctx, key, expectedVersion, agent)
}

func (e *Engine) Reopen(ctx context.Context, tenantID, contact string, expectedVersion int64, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.proj.Reopen(ctx, key, expectedVersion, agent)
}

func (e *Engine) AddTag(ctx context.Context, tenantID, contact string, expectedVersion int64, tag, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.proj.AddTag(ctx, key, expectedVersion, tag, agent)
}

func (e *Engine) RemoveTag(ctx context.Context, tenantID, contact string, expectedVersion int64, tag, agent string) (model.Conversation, error) {
	key, err := e.key(tenantID, contact)
	if err != nil {
		return model.Conversation{}, err
	}
	return e.proj.RemoveTag(ctx, key, expectedVersion, tag, agent)
}

// --- seats ---

func (e *Engine) Seats(ctx context.Context, tenantID string) (assignment.Usage, error) {
	return e.assign.Seats(ctx, tenantID)
}

func (e *Engine) SetSeats(ctx context.Context, tenantID string, base, addOns int) (seats.TenantSeats, error) {
	return e.seats.SetSeats(ctx, tenantID, base, addOns)
}

// --- scheduled messages ---

func (e *Engine) Schedule(ctx context.Context, tenantID, recipient, body string, at time.Time) (model.ScheduledMessage, error) {
	return e.queue.Schedule(ctx, tenantID, recipient, body, at)
}

func (e *Engine) ScheduleTemplate(ctx context.Context, tenantID, recipient, tmpl string, values map[int]string, at time.Time) (model.ScheduledMessage, error) {
	return e.queue.ScheduleTemplate(ctx, tenantID, recipient, tmpl, values, at)
}

func (e *Engine) Cancel(ctx context.Context, tenantID, id string) (model.ScheduledMessage, error) {
	return e.queue.Cancel(ctx, tenantID, id)
}

func (e *Engine) GetScheduled(ctx context.Context, tenantID, id string) (model.ScheduledMessage, error) {
	return e.queue.Get(ctx, tenantID, id)
}

func (e *Engine) ListScheduled(ctx context.Context, tenantID string, state model.ScheduledState, limit, offset int) ([]model.ScheduledMessage, error) {
	return e.queue.List(ctx, tenantID, state, limit, offset)
}

// --- templates ---

func (e *Engine) RenderTemplate(tmpl string, values map[int]string) (string, error) {
	return template.Render(tmpl, values)
}
