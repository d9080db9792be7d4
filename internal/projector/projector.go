// Package projector keeps the conversation record in step with the message
// log and applies agent actions to it. Every write goes through the
// repository's version check.
package projector

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/events"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
)

const DefaultConflictRetries = 5

// Derive computes the status implied by the latest message. Closed and
// archived are kept until an agent reopens the conversation.
func Derive(current model.ConversationStatus, last *model.Message) model.ConversationStatus {
	if current.Sticky() {
		return current
	}
	if last == nil {
		return model.Open
	}
	if last.Direction == model.Inbound {
		return model.WaitingOnMe
	}
	return model.WaitingOnUser
}

type Store interface {
	repo.MessageRepository
	repo.ConversationRepository
	repo.HistoryRepository
}

type Projector struct {
	store   Store
	pub     events.Publisher
	logger  *slog.Logger
	retries int
	now     func() time.Time
}

func New(store Store, pub events.Publisher, logger *slog.Logger) *Projector {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		store:   store,
		pub:     pub,
		logger:  logger,
		retries: DefaultConflictRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Projector) WithRetries(n int) *Projector {
	if n >= 0 {
		p.retries = n
	}
	return p
}

func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// Recompute re-derives the conversation from its latest message, creating
// the conversation on first contact. Lost version races are retried.
func (p *Projector) Recompute(ctx context.Context, key model.ConversationKey) (model.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		conv, err := p.getOrCreate(ctx, key)
		if apperr.IsConflict(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return model.Conversation{}, err
		}

		last, err := p.store.Latest(ctx, key.TenantID, key.ContactPhone)
		if err != nil {
			return model.Conversation{}, err
		}

		next := conv.Clone()
		next.Status = Derive(conv.Status, last)
		if last != nil && last.Timestamp.After(next.LastMessageAt) {
			next.LastMessageAt = last.Timestamp
		}
		if next.Status == conv.Status && next.LastMessageAt.Equal(conv.LastMessageAt) {
			return conv, nil
		}
		next.UpdatedAt = p.now()

		updated, err := p.store.UpdateConversation(ctx, next, conv.Version)
		if apperr.IsConflict(err) {
			lastErr = err
			p.logger.Debug("recompute lost version race",
				"conversation", key.String(),
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return model.Conversation{}, err
		}

		p.publish(ctx, updated)
		return updated, nil
	}
	return model.Conversation{}, lastErr
}

func (p *Projector) getOrCreate(ctx context.Context, key model.ConversationKey) (model.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, key)
	if !apperr.IsNotFound(err) {
		return conv, err
	}

	now := p.now()
	conv, err = p.store.CreateConversation(ctx, model.Conversation{
		Key:       key,
		Status:    model.Open,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return model.Conversation{}, err
	}

	p.Record(ctx, conv, model.HistoryEntry{Action: model.ActionOpened})
	return conv, nil
}

// Record appends a history entry for conv and notifies subscribers.
func (p *Projector) Record(ctx context.Context, conv model.Conversation, e model.HistoryEntry) {
	e.TenantID = conv.Key.TenantID
	e.ContactPhone = conv.Key.ContactPhone
	if e.At.IsZero() {
		e.At = p.now()
	}
	if err := p.store.AppendHistory(ctx, e); err != nil {
		p.logger.Error("append history failed",
			"conversation", conv.Key.String(),
			"action", e.Action,
			"error", err,
		)
	}
	p.publish(ctx, conv)
}

func (p *Projector) publish(ctx context.Context, conv model.Conversation) {
	e, err := events.New(events.ConversationUpdated, conv.Key.TenantID, conv.Key.ContactPhone, conv)
	if err == nil {
		err = p.pub.Publish(ctx, e)
	}
	if err != nil {
		p.logger.Warn("publish conversation update failed", "conversation", conv.Key.String(), "error", err)
	}
}

// change edits conv in place and returns the history entry to record, or
// nil when nothing changed.
type change func(ctx context.Context, conv *model.Conversation) (*model.HistoryEntry, error)

func (p *Projector) mutate(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string, fn change) (model.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, key)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Version != expectedVersion {
		return model.Conversation{}, apperr.Conflict("conversation", "stale version")
	}

	next := conv.Clone()
	entry, err := fn(ctx, &next)
	if err != nil {
		return model.Conversation{}, err
	}
	if entry == nil {
		return conv, nil
	}
	next.UpdatedAt = p.now()

	updated, err := p.store.UpdateConversation(ctx, next, expectedVersion)
	if err != nil {
		return model.Conversation{}, err
	}

	entry.Agent = agent
	p.Record(ctx, updated, *entry)
	return updated, nil
}

// release clears the assignee of a conversation that leaves the active set.
func release(conv *model.Conversation) string {
	if conv.AssignedTo == "" {
		return ""
	}
	detail := "released " + conv.AssignedTo
	conv.AssignedTo = ""
	return detail
}

func (p *Projector) Close(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string) (model.Conversation, error) {
	return p.mutate(ctx, key, expectedVersion, agent, func(_ context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		switch c.Status {
		case model.Closed:
			return nil, nil
		case model.Archived:
			return nil, apperr.Invalid("status", "archived conversations must be reopened before closing")
		}
		c.Status = model.Closed
		return &model.HistoryEntry{Action: model.ActionClosed, Detail: release(c)}, nil
	})
}

func (p *Projector) Archive(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string) (model.Conversation, error) {
	return p.mutate(ctx, key, expectedVersion, agent, func(_ context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		if c.Status == model.Archived {
			return nil, nil
		}
		c.Status = model.Archived
		return &model.HistoryEntry{Action: model.ActionArchived, Detail: release(c)}, nil
	})
}

func (p *Projector) Reopen(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string) (model.Conversation, error) {
	return p.mutate(ctx, key, expectedVersion, agent, func(ctx context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		if !c.Status.Sticky() {
			return nil, apperr.Invalid("status", "only closed or archived conversations can be reopened")
		}
		last, err := p.store.Latest(ctx, key.TenantID, key.ContactPhone)
		if err != nil {
			return nil, err
		}
		c.Status = Derive(model.Open, last)
		return &model.HistoryEntry{Action: model.ActionReopened}, nil
	})
}

func (p *Projector) Unassign(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string) (model.Conversation, error) {
	return p.mutate(ctx, key, expectedVersion, agent, func(_ context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		if c.AssignedTo == "" {
			return nil, nil
		}
		prev := c.AssignedTo
		c.AssignedTo = ""
		return &model.HistoryEntry{Action: model.ActionUnassigned, Detail: prev}, nil
	})
}

func cleanTag(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", apperr.Invalid("tag", "must not be empty")
	}
	return tag, nil
}

func (p *Projector) AddTag(ctx context.Context, key model.ConversationKey, expectedVersion int64, tag, agent string) (model.Conversation, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return model.Conversation{}, err
	}
	return p.mutate(ctx, key, expectedVersion, agent, func(_ context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		for _, t := range c.Tags {
			if t == tag {
				return nil, nil
			}
		}
		c.Tags = append(c.Tags, tag)
		sort.Strings(c.Tags)
		return &model.HistoryEntry{Action: model.ActionTagged, Tags: []string{tag}}, nil
	})
}

func (p *Projector) RemoveTag(ctx context.Context, key model.ConversationKey, expectedVersion int64, tag, agent string) (model.Conversation, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return model.Conversation{}, err
	}
	return p.mutate(ctx, key, expectedVersion, agent, func(_ context.Context, c *model.Conversation) (*model.HistoryEntry, error) {
		kept := c.Tags[:0]
		for _, t := range c.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		if len(kept) == len(c.Tags) {
			return nil, nil
		}
		c.Tags = kept
		return &model.HistoryEntry{Action: model.ActionUntagged, Tags: []string{tag}}, nil
	})
}

func (p *Projector) History(ctx context.Context, key model.ConversationKey, limit int) ([]model.HistoryEntry, error) {
	if _, err := p.store.GetConversation(ctx, key); err != nil {
		return nil, err
	}
	return p.store.ListHistory(ctx, key, limit)
}
