package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/cache"
	"github.com/LeventeLantos/conversation-engine/internal/events"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/scheduled"
)

// Gateway delivers a text message to the provider and returns its message id.
type Gateway interface {
	Send(ctx context.Context, tenantID, recipient, body string) (providerMessageID string, err error)
}

type Config struct {
	BatchSize   int
	StaleAfter  time.Duration
	SendTimeout time.Duration
	ContentMax  int
	Retry       RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		StaleAfter:  10 * time.Minute,
		SendTimeout: 10 * time.Second,
		ContentMax:  4096,
		Retry:       DefaultRetryPolicy(),
	}
}

// writeTimeout bounds repository writes that run after the sweep context is
// cancelled.
const writeTimeout = 5 * time.Second

type SweepResult struct {
	Reaped    int
	Recovered int
	Claimed   int
	Sent      int
	Retried   int
	Failed    int
	Released  int
}

// Dispatcher sends due scheduled messages. The pending to sending claim in
// the repository guarantees that an entry reaches the gateway at most once
// per attempt, even with several dispatchers running.
type Dispatcher struct {
	store  repo.ScheduledRepository
	gw     Gateway
	cfg    Config
	pub    events.Publisher
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	sent   cache.SentRecorder

	onSent   func(ctx context.Context, sm model.ScheduledMessage) error
	onFailed func(ctx context.Context, sm model.ScheduledMessage, reason string) error
}

func NewDispatcher(store repo.ScheduledRepository, gw Gateway, cfg Config, pub events.Publisher, logger *slog.Logger) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		gw:     gw,
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		tracer: otel.Tracer("github.com/LeventeLantos/conversation-engine/internal/service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) WithHooks(
	onSent func(ctx context.Context, sm model.ScheduledMessage) error,
	onFailed func(ctx context.Context, sm model.ScheduledMessage, reason string) error,
) *Dispatcher {
	d.onSent = onSent
	d.onFailed = onFailed
	return d
}

// WithSentLog records every delivery before the sent transition and lets the
// reaper resolve stuck entries that were in fact delivered.
func (d *Dispatcher) WithSentLog(sent cache.SentRecorder) *Dispatcher {
	d.sent = sent
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Tick adapts Sweep to the scheduler loop.
func (d *Dispatcher) Tick(ctx context.Context) {
	res, err := d.Sweep(ctx)
	if err != nil {
		d.logger.Error("dispatch sweep failed", "error", err)
		return
	}
	if res.Claimed > 0 || res.Reaped > 0 || res.Recovered > 0 {
		d.logger.Info("dispatch sweep completed",
			"claimed", res.Claimed,
			"sent", res.Sent,
			"retried", res.Retried,
			"failed", res.Failed,
			"reaped", res.Reaped,
			"recovered", res.Recovered,
			"released", res.Released,
		)
	}
}

func (d *Dispatcher) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("claimed", res.Claimed),
			attribute.Int("sent", res.Sent),
			attribute.Int("failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if res.Reaped, res.Recovered, err = d.reapStale(ctx); err != nil {
		return res, err
	}

	due, err := d.store.ClaimDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due: %w", err)
	}
	res.Claimed = len(due)

	for i, sm := range due {
		if ctx.Err() != nil {
			res.Released = d.release(ctx, due[i:])
			break
		}
		switch d.dispatch(ctx, sm) {
		case model.Sent:
			res.Sent++
		case model.Pending:
			res.Retried++
		case model.Failed:
			res.Failed++
		}
	}
	return res, nil
}

// reapStale resolves entries left in sending by a crashed worker. Entries
// with a sent record are completed as sent. For the rest the provider outcome
// is unknown, so they fail and are never sent again.
func (d *Dispatcher) reapStale(ctx context.Context) (reaped, recovered int, err error) {
	if d.cfg.StaleAfter <= 0 {
		return 0, 0, nil
	}

	stuck, err := d.store.ListStuck(ctx, d.now().Add(-d.cfg.StaleAfter), d.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list stuck: %w", err)
	}

	for _, sm := range stuck {
		remoteID, sentAt, ok := d.lookupSent(ctx, sm)
		if ok {
			if updated, ok := d.finish(ctx, sm, model.Sent, repo.ScheduledUpdate{RemoteMessageID: &remoteID, SentAt: &sentAt}); ok {
				recovered++
				d.sentHook(ctx, updated)
			}
			continue
		}

		reason := "delivery outcome unknown: stuck in sending"
		if updated, ok := d.finish(ctx, sm, model.Failed, repo.ScheduledUpdate{LastError: &reason}); ok {
			reaped++
			d.fail(ctx, updated, reason)
		}
	}
	return reaped, recovered, nil
}

func (d *Dispatcher) lookupSent(ctx context.Context, sm model.ScheduledMessage) (string, time.Time, bool) {
	if d.sent == nil {
		return "", time.Time{}, false
	}
	remoteID, sentAt, ok, err := d.sent.Sent(ctx, sm.ID)
	if err != nil {
		d.logger.Warn("sent record lookup failed", "id", sm.ID, "error", err)
		return "", time.Time{}, false
	}
	return remoteID, sentAt, ok
}

// release hands claimed but unsent entries back to pending. The attempt
// count is left alone since the gateway was never called.
func (d *Dispatcher) release(ctx context.Context, claimed []model.ScheduledMessage) int {
	released := 0
	for _, sm := range claimed {
		if _, ok := d.finish(ctx, sm, model.Pending, repo.ScheduledUpdate{}); ok {
			released++
		}
	}
	if released > 0 {
		d.logger.Info("released unsent claims", "count", released)
	}
	return released
}

// touch refreshes the claim right before the gateway call so the reaper of
// another worker does not take an entry that is still queued in this batch.
func (d *Dispatcher) touch(ctx context.Context, sm model.ScheduledMessage) (model.ScheduledMessage, bool) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	updated, err := d.store.TransitionScheduled(wctx, sm.ID, model.Sending, model.Sending, repo.ScheduledUpdate{}, d.now())
	if err != nil {
		d.logger.Warn("claim lost before send", "id", sm.ID, "error", err)
		return sm, false
	}
	return updated, true
}

func (d *Dispatcher) dispatch(ctx context.Context, sm model.ScheduledMessage) model.ScheduledState {
	if n := utf8.RuneCountInString(sm.Body); n > d.cfg.ContentMax {
		reason := fmt.Sprintf("content exceeds %d chars", d.cfg.ContentMax)
		return d.permanentFailure(ctx, sm, reason)
	}

	sm, ok := d.touch(ctx, sm)
	if !ok {
		return model.Sending
	}

	remoteID, err := d.send(ctx, sm)
	if err == nil {
		sentAt := d.now()
		d.recordSent(ctx, sm, remoteID, sentAt)
		updated, ok := d.finish(ctx, sm, model.Sent, repo.ScheduledUpdate{RemoteMessageID: &remoteID, SentAt: &sentAt})
		if !ok {
			return sm.State
		}
		d.sentHook(ctx, updated)
		return model.Sent
	}

	if ctx.Err() != nil {
		d.logger.Warn("send interrupted, entry left for the reaper", "id", sm.ID, "error", err)
		return model.Sending
	}

	if !apperr.IsTransient(err) {
		return d.permanentFailure(ctx, sm, err.Error())
	}

	attempts := sm.AttemptCount + 1
	reason := err.Error()
	if d.cfg.Retry.Exhausted(attempts) {
		updated, ok := d.finish(ctx, sm, model.Failed, repo.ScheduledUpdate{AttemptCount: &attempts, LastError: &reason})
		if ok {
			d.fail(ctx, updated, reason)
			return model.Failed
		}
		return sm.State
	}

	next := d.now().Add(d.cfg.Retry.Delay(attempts))
	if _, ok := d.finish(ctx, sm, model.Pending, repo.ScheduledUpdate{AttemptCount: &attempts, NextAttemptAt: &next, LastError: &reason}); !ok {
		return sm.State
	}
	d.logger.Info("scheduled message will be retried",
		"id", sm.ID,
		"attempt", attempts,
		"next_attempt_at", next,
		"error", reason,
	)
	return model.Pending
}

func (d *Dispatcher) send(ctx context.Context, sm model.ScheduledMessage) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("scheduled.id", sm.ID),
		attribute.String("tenant.id", sm.TenantID),
		attribute.Int("attempt", sm.AttemptCount+1),
	))
	defer span.End()

	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}

	id, err := d.gw.Send(ctx, sm.TenantID, sm.RecipientPhone, sm.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

func (d *Dispatcher) permanentFailure(ctx context.Context, sm model.ScheduledMessage, reason string) model.ScheduledState {
	attempts := sm.AttemptCount + 1
	updated, ok := d.finish(ctx, sm, model.Failed, repo.ScheduledUpdate{AttemptCount: &attempts, LastError: &reason})
	if !ok {
		return sm.State
	}
	d.fail(ctx, updated, reason)
	return model.Failed
}

func (d *Dispatcher) recordSent(ctx context.Context, sm model.ScheduledMessage, remoteID string, sentAt time.Time) {
	if d.sent == nil {
		return
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()

	if err := d.sent.StoreSent(wctx, sm.ID, remoteID, sentAt); err != nil {
		d.logger.Warn("store sent record failed", "id", sm.ID, "error", err)
	}
}

func (d *Dispatcher) sentHook(ctx context.Context, sm model.ScheduledMessage) {
	if d.onSent == nil {
		return
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()

	if err := d.onSent(wctx, sm); err != nil {
		d.logger.Warn("sent hook failed", "id", sm.ID, "error", err)
	}
}

// writeContext detaches ctx from cancellation so a shutdown mid-batch cannot
// strand an entry that already reached the provider.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// finish moves sm out of sending. A lost CAS means another worker already
// resolved the entry and is only logged.
func (d *Dispatcher) finish(ctx context.Context, sm model.ScheduledMessage, to model.ScheduledState, upd repo.ScheduledUpdate) (model.ScheduledMessage, bool) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	updated, err := d.store.TransitionScheduled(ctx, sm.ID, model.Sending, to, upd, d.now())
	if err != nil {
		d.logger.Error("scheduled transition failed",
			"id", sm.ID,
			"to", to,
			"error", err,
		)
		return model.ScheduledMessage{}, false
	}
	scheduled.Publish(ctx, d.pub, d.logger, updated)
	return updated, true
}

func (d *Dispatcher) fail(ctx context.Context, sm model.ScheduledMessage, reason string) {
	d.logger.Warn("scheduled message failed", "id", sm.ID, "tenant_id", sm.TenantID, "error", reason)
	if d.onFailed == nil {
		return
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()

	if err := d.onFailed(wctx, sm, reason); err != nil {
		d.logger.Warn("failed hook failed", "id", sm.ID, "error", err)
	}
}
