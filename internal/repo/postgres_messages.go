package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

const messageColumns = `tenant_id, contact_phone, provider_message_id, direction, type,
	body, media_ref, sender_id, status, ts, reply_to, received_at`

func (s *PostgresStore) Upsert(ctx context.Context, m model.Message) (bool, error) {
	if err := ValidateMessage(m); err != nil {
		return false, err
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, contact_phone, provider_message_id) DO NOTHING
	`, m.TenantID, m.ContactPhone, m.ProviderMessageID, string(m.Direction), string(m.Type),
		m.Body, m.MediaRef, m.SenderID, string(m.Status), m.Timestamp.UTC(), m.ReplyTo, m.ReceivedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ListByContact(ctx context.Context, tenantID, contact, cursor string, limit int) (MessagePage, error) {
	pos, err := decodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	limit = pageLimit(limit)

	var rows *sql.Rows
	if pos == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE tenant_id = $1 AND contact_phone = $2
			ORDER BY ts ASC, provider_message_id ASC
			LIMIT $3
		`, tenantID, contact, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE tenant_id = $1 AND contact_phone = $2
			  AND (ts, provider_message_id) > ($3, $4)
			ORDER BY ts ASC, provider_message_id ASC
			LIMIT $5
		`, tenantID, contact, pos.ts.UTC(), pos.id, limit+1)
	}
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	items := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	page := MessagePage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = encodeCursor(page.Items[limit-1])
	}
	return page, nil
}

func (s *PostgresStore) Latest(ctx context.Context, tenantID, contact string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE tenant_id = $1 AND contact_phone = $2
		ORDER BY ts DESC, provider_message_id DESC
		LIMIT 1
	`, tenantID, contact)
	m, err := scanMessage(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) AdvanceStatus(ctx context.Context, tenantID, contact, providerMessageID string, status model.DeliveryStatus) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM messages
		WHERE tenant_id = $1 AND contact_phone = $2 AND provider_message_id = $3
		FOR UPDATE
	`, tenantID, contact, providerMessageID).Scan(&current)
	if noRows(err) {
		return false, apperr.NotFound("message", providerMessageID)
	}
	if err != nil {
		return false, err
	}
	if !model.DeliveryStatus(current).CanAdvance(status) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $4
		WHERE tenant_id = $1 AND contact_phone = $2 AND provider_message_id = $3
	`, tenantID, contact, providerMessageID, string(status)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *PostgresStore) EnsureContact(ctx context.Context, c model.Contact) (bool, error) {
	if c.TenantID == "" || c.Phone == "" {
		return false, apperr.Invalid("contact", "tenant and phone required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, phone, customer_id, display_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, phone) DO NOTHING
	`, c.TenantID, c.Phone, c.CustomerID, c.DisplayName, c.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 && c.DisplayName != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE contacts SET display_name = $3
			WHERE tenant_id = $1 AND phone = $2 AND display_name = ''
		`, c.TenantID, c.Phone, c.DisplayName)
		if err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, tenantID, phone string) (model.Contact, error) {
	var c model.Contact
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, phone, customer_id, display_name, created_at
		FROM contacts WHERE tenant_id = $1 AND phone = $2
	`, tenantID, phone).Scan(&c.TenantID, &c.Phone, &c.CustomerID, &c.DisplayName, &c.CreatedAt)
	if noRows(err) {
		return model.Contact{}, apperr.NotFound("contact", phone)
	}
	return c, err
}

func (s *PostgresStore) LinkCustomer(ctx context.Context, tenantID, phone, customerID string) (model.Contact, error) {
	var c model.Contact
	err := s.db.QueryRowContext(ctx, `
		UPDATE contacts SET customer_id = $3
		WHERE tenant_id = $1 AND phone = $2
		RETURNING tenant_id, phone, customer_id, display_name, created_at
	`, tenantID, phone, customerID).Scan(&c.TenantID, &c.Phone, &c.CustomerID, &c.DisplayName, &c.CreatedAt)
	if noRows(err) {
		return model.Contact{}, apperr.NotFound("contact", phone)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(r scanner) (model.Message, error) {
	var m model.Message
	var direction, typ, status string
	if err := r.Scan(
		&m.TenantID,
		&m.ContactPhone,
		&m.ProviderMessageID,
		&direction,
		&typ,
		&m.Body,
		&m.MediaRef,
		&m.SenderID,
		&status,
		&m.Timestamp,
		&m.ReplyTo,
		&m.ReceivedAt,
	); err != nil {
		return model.Message{}, err
	}
	m.Direction = model.Direction(direction)
	m.Type = model.MessageType(typ)
	m.Status = model.DeliveryStatus(status)
	return m, nil
}
