package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

const scheduledColumns = `id, tenant_id, recipient_phone, body, scheduled_at, next_attempt_at,
	state, attempt_count, last_error, remote_message_id, sent_at, created_at, updated_at`

func (s *PostgresStore) CreateScheduled(ctx context.Context, sm model.ScheduledMessage) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (`+scheduledColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, sm.ID, sm.TenantID, sm.RecipientPhone, sm.Body, sm.ScheduledAt.UTC(), sm.NextAttemptAt.UTC(),
		string(sm.State), sm.AttemptCount, sm.LastError, sm.RemoteMessageID, sm.SentAt,
		sm.CreatedAt.UTC(), sm.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return apperr.Conflict("scheduled message", "id already exists")
	}
	return nil
}

func (s *PostgresStore) GetScheduled(ctx context.Context, id string) (model.ScheduledMessage, error) {
	sm, err := scanScheduled(s.db.QueryRowContext(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = $1
	`, id))
	if noRows(err) {
		return model.ScheduledMessage{}, apperr.NotFound("scheduled message", id)
	}
	return sm, err
}

func (s *PostgresStore) ListScheduled(ctx context.Context, tenantID string, f ScheduledFilter) ([]model.ScheduledMessage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE tenant_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY scheduled_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`, tenantID, string(f.State), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

func (s *PostgresStore) TransitionScheduled(ctx context.Context, id string, from, to model.ScheduledState, upd ScheduledUpdate, now time.Time) (model.ScheduledMessage, error) {
	sm, err := scanScheduled(s.db.QueryRowContext(ctx, `
		UPDATE scheduled_messages
		SET state = $3,
		    attempt_count = COALESCE($4, attempt_count),
		    next_attempt_at = COALESCE($5, next_attempt_at),
		    last_error = COALESCE($6, last_error),
		    remote_message_id = COALESCE($7, remote_message_id),
		    sent_at = COALESCE($8, sent_at),
		    updated_at = $9
		WHERE id = $1 AND state = $2
		RETURNING `+scheduledColumns,
		id, string(from), string(to),
		upd.AttemptCount, upd.NextAttemptAt, upd.LastError, upd.RemoteMessageID, upd.SentAt,
		now.UTC()))
	if !noRows(err) {
		return sm, err
	}

	cur, err := s.GetScheduled(ctx, id)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	return model.ScheduledMessage{}, apperr.Conflict("scheduled message", "state is "+string(cur.State)+", expected "+string(from))
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent workers never see
// the same entry, then flips them to sending in the same transaction.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, apperr.Invalid("limit", "must be > 0")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE state = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	due, err := collectScheduled(rows)
	if err != nil {
		return nil, err
	}

	if len(due) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	for _, sm := range due {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET state = 'sending', updated_at = $2
			WHERE id = $1
		`, sm.ID, now.UTC()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range due {
		due[i].State = model.Sending
		due[i].UpdatedAt = now
	}
	return due, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context, sendingBefore time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE state = 'sending' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, sendingBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

func collectScheduled(rows *sql.Rows) ([]model.ScheduledMessage, error) {
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		sm, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func scanScheduled(r scanner) (model.ScheduledMessage, error) {
	var sm model.ScheduledMessage
	var state string
	var sentAt sql.NullTime
	if err := r.Scan(
		&sm.ID,
		&sm.TenantID,
		&sm.RecipientPhone,
		&sm.Body,
		&sm.ScheduledAt,
		&sm.NextAttemptAt,
		&state,
		&sm.AttemptCount,
		&sm.LastError,
		&sm.RemoteMessageID,
		&sentAt,
		&sm.CreatedAt,
		&sm.UpdatedAt,
	); err != nil {
		return model.ScheduledMessage{}, err
	}
	sm.State = model.ScheduledState(state)
	if sentAt.Valid {
		t := sentAt.Time
		sm.SentAt = &t
	}
	return sm, nil
}
