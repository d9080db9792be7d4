package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

const conversationColumns = `tenant_id, contact_phone, status, assigned_to, tags,
	version, last_message_at, created_at, updated_at`

func (s *PostgresStore) GetConversation(ctx context.Context, key model.ConversationKey) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE tenant_id = $1 AND contact_phone = $2
	`, key.TenantID, key.ContactPhone)
	c, err := scanConversation(row)
	if noRows(err) {
		return model.Conversation{}, apperr.NotFound("conversation", key.String())
	}
	return c, err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return model.Conversation{}, err
	}
	c = c.Clone()
	c.Tags = normalizeTags(c.Tags)
	c.Version = 1

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, contact_phone) DO NOTHING
	`, c.Key.TenantID, c.Key.ContactPhone, string(c.Status), c.AssignedTo, tags,
		c.Version, nullTime(c.LastMessageAt), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return model.Conversation{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Conversation{}, err
	} else if n == 0 {
		return model.Conversation{}, apperr.Conflict("conversation", "already exists")
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, c model.Conversation, expectedVersion int64) (model.Conversation, error) {
	tags, err := encodeTags(c.Tags)
	if err != nil {
		return model.Conversation{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET status = $3,
		    assigned_to = $4,
		    tags = $5,
		    last_message_at = $6,
		    updated_at = $7,
		    version = version + 1
		WHERE tenant_id = $1 AND contact_phone = $2 AND version = $8
		RETURNING `+conversationColumns,
		c.Key.TenantID, c.Key.ContactPhone, string(c.Status), c.AssignedTo, tags,
		nullTime(c.LastMessageAt), c.UpdatedAt.UTC(), expectedVersion)
	out, err := scanConversation(row)
	if noRows(err) {
		return model.Conversation{}, s.missingOrStale(ctx, c.Key)
	}
	return out, err
}

func (s *PostgresStore) missingOrStale(ctx context.Context, key model.ConversationKey) error {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversations WHERE tenant_id = $1 AND contact_phone = $2
	`, key.TenantID, key.ContactPhone).Scan(&one)
	if noRows(err) {
		return apperr.NotFound("conversation", key.String())
	}
	if err != nil {
		return err
	}
	return apperr.Conflict("conversation", "stale version")
}

// AssignConversation serializes seat checks per tenant with a transaction
// scoped advisory lock.
func (s *PostgresStore) AssignConversation(ctx context.Context, key model.ConversationKey, memberID string, expectedVersion int64, capacity int, now time.Time) (model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.Conversation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.TenantID); err != nil {
		return model.Conversation{}, err
	}

	cur, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE tenant_id = $1 AND contact_phone = $2
		FOR UPDATE
	`, key.TenantID, key.ContactPhone))
	if noRows(err) {
		return model.Conversation{}, apperr.NotFound("conversation", key.String())
	}
	if err != nil {
		return model.Conversation{}, err
	}
	if cur.Version != expectedVersion {
		return model.Conversation{}, apperr.Conflict("conversation", "stale version")
	}
	if cur.Status.Sticky() {
		return model.Conversation{}, apperr.Invalid("status", "cannot assign a "+string(cur.Status)+" conversation")
	}
	if cur.AssignedTo == memberID {
		return cur, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT assigned_to
		FROM conversations
		WHERE tenant_id = $1 AND contact_phone <> $2
		  AND assigned_to <> '' AND status NOT IN ('closed', 'archived')
	`, key.TenantID, key.ContactPhone)
	if err != nil {
		return model.Conversation{}, err
	}
	holders := map[string]struct{}{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return model.Conversation{}, err
		}
		holders[m] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Conversation{}, err
	}
	if err := checkSeat(key.TenantID, memberID, holders, capacity); err != nil {
		return model.Conversation{}, err
	}

	out, err := scanConversation(tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET assigned_to = $3, updated_at = $4, version = version + 1
		WHERE tenant_id = $1 AND contact_phone = $2
		RETURNING `+conversationColumns,
		key.TenantID, key.ContactPhone, memberID, now.UTC()))
	if err != nil {
		return model.Conversation{}, err
	}
	return out, tx.Commit()
}

func (s *PostgresStore) ActiveAssignees(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT assigned_to
		FROM conversations
		WHERE tenant_id = $1 AND assigned_to <> '' AND status NOT IN ('closed', 'archived')
		ORDER BY assigned_to
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListConversations(ctx context.Context, tenantID string, f ConversationFilter) ([]model.Conversation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR assigned_to = $3)
		ORDER BY last_message_at DESC NULLS LAST, contact_phone ASC
		LIMIT $4 OFFSET $5
	`, tenantID, string(f.Status), f.AssignedTo, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (tenant_id, contact_phone, action, agent, detail, tags, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.TenantID, e.ContactPhone, string(e.Action), e.Agent, e.Detail, tags, e.At.UTC())
	return err
}

func (s *PostgresStore) ListHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, contact_phone, action, agent, detail, tags, at
		FROM conversation_history
		WHERE tenant_id = $1 AND contact_phone = $2
		ORDER BY id DESC
		LIMIT $3
	`, key.TenantID, key.ContactPhone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.HistoryEntry{}
	for rows.Next() {
		var e model.HistoryEntry
		var action string
		var tags []byte
		if err := rows.Scan(&e.TenantID, &e.ContactPhone, &action, &e.Agent, &e.Detail, &tags, &e.At); err != nil {
			return nil, err
		}
		e.Action = model.HistoryAction(action)
		if err := json.Unmarshal(tags, &e.Tags); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanConversation(r scanner) (model.Conversation, error) {
	var c model.Conversation
	var status string
	var tags []byte
	var lastMessageAt sql.NullTime
	if err := r.Scan(
		&c.Key.TenantID,
		&c.Key.ContactPhone,
		&status,
		&c.AssignedTo,
		&tags,
		&c.Version,
		&lastMessageAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return model.Conversation{}, err
	}
	c.Status = model.ConversationStatus(status)
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	if err := json.Unmarshal(tags, &c.Tags); err != nil {
		return model.Conversation{}, err
	}
	c.Tags = normalizeTags(c.Tags)
	return c, nil
}

func encodeTags(tags []string) (string, error) {
	b, err := json.Marshal(normalizeTags(tags))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
