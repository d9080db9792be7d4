// Package scheduled accepts messages for later delivery. Delivery itself is
// done by service.Dispatcher.
package scheduled

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/events"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/phone"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/template"
)

type Queue struct {
	store  repo.ScheduledRepository
	pub    events.Publisher
	region string
	logger *slog.Logger
	now    func() time.Time
}

func New(store repo.ScheduledRepository, pub events.Publisher, defaultRegion string, logger *slog.Logger) *Queue {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		pub:    pub,
		region: defaultRegion,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Schedule(ctx context.Context, tenantID, recipient, body string, scheduledAt time.Time) (model.ScheduledMessage, error) {
	now := q.now()

	var errs []error
	if tenantID == "" {
		errs = append(errs, apperr.Invalid("tenant_id", "required"))
	}
	if strings.TrimSpace(body) == "" {
		errs = append(errs, apperr.Invalid("body", "required"))
	}
	if !scheduledAt.After(now) {
		errs = append(errs, apperr.Invalid("scheduled_at", "must be in the future"))
	}
	normalized, err := phone.Normalize(recipient, q.region)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return model.ScheduledMessage{}, err
	}

	sm := model.ScheduledMessage{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		RecipientPhone: normalized,
		Body:           body,
		ScheduledAt:    scheduledAt.UTC(),
		NextAttemptAt:  scheduledAt.UTC(),
		State:          model.Pending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.CreateScheduled(ctx, sm); err != nil {
		return model.ScheduledMessage{}, err
	}

	q.logger.Info("message scheduled",
		"tenant_id", tenantID,
		"id", sm.ID,
		"scheduled_at", sm.ScheduledAt,
	)
	q.publish(ctx, sm)
	return sm, nil
}

// ScheduleTemplate renders tmpl with values and schedules the result. Nothing
// is scheduled when a variable is missing.
func (q *Queue) ScheduleTemplate(ctx context.Context, tenantID, recipient, tmpl string, values map[int]string, scheduledAt time.Time) (model.ScheduledMessage, error) {
	body, err := template.Render(tmpl, values)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	return q.Schedule(ctx, tenantID, recipient, body, scheduledAt)
}

// Get returns the entry only if it belongs to tenantID.
func (q *Queue) Get(ctx context.Context, tenantID, id string) (model.ScheduledMessage, error) {
	sm, err := q.store.GetScheduled(ctx, id)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	if sm.TenantID != tenantID {
		return model.ScheduledMessage{}, apperr.NotFound("scheduled message", id)
	}
	return sm, nil
}

func (q *Queue) List(ctx context.Context, tenantID string, state model.ScheduledState, limit, offset int) ([]model.ScheduledMessage, error) {
	if state != "" && !state.Valid() {
		return nil, apperr.Invalid("state", "unknown state "+string(state))
	}
	return q.store.ListScheduled(ctx, tenantID, repo.ScheduledFilter{State: state, Limit: limit, Offset: offset})
}

// Cancel succeeds only while the entry is pending. Once a dispatcher has
// claimed it the send can no longer be stopped.
func (q *Queue) Cancel(ctx context.Context, tenantID, id string) (model.ScheduledMessage, error) {
	if _, err := q.Get(ctx, tenantID, id); err != nil {
		return model.ScheduledMessage{}, err
	}

	sm, err := q.store.TransitionScheduled(ctx, id, model.Pending, model.Cancelled, repo.ScheduledUpdate{}, q.now())
	if err != nil {
		return model.ScheduledMessage{}, err
	}

	q.logger.Info("scheduled message cancelled", "tenant_id", tenantID, "id", id)
	q.publish(ctx, sm)
	return sm, nil
}

func (q *Queue) publish(ctx context.Context, sm model.ScheduledMessage) {
	Publish(ctx, q.pub, q.logger, sm)
}

// Publish emits a scheduled.updated event for sm.
func Publish(ctx context.Context, pub events.Publisher, logger *slog.Logger, sm model.ScheduledMessage) {
	e, err := events.New(events.ScheduledUpdated, sm.TenantID, sm.RecipientPhone, sm)
	if err == nil {
		err = pub.Publish(ctx, e)
	}
	if err != nil {
		logger.Warn("publish scheduled update failed", "id", sm.ID, "error", err)
	}
}
