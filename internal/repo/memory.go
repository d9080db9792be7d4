package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

// MemoryStore keeps everything in process. It is used when no Postgres URL
// is configured and by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	contacts  map[model.ConversationKey]model.Contact
	messages  map[model.ConversationKey]map[string]model.Message
	convs     map[model.ConversationKey]model.Conversation
	history   map[model.ConversationKey][]model.HistoryEntry
	scheduled map[string]model.ScheduledMessage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:  map[model.ConversationKey]model.Contact{},
		messages:  map[model.ConversationKey]map[string]model.Message{},
		convs:     map[model.ConversationKey]model.Conversation{},
		history:   map[model.ConversationKey][]model.HistoryEntry{},
		scheduled: map[string]model.ScheduledMessage{},
	}
}

func keyOf(tenantID, contact string) model.ConversationKey {
	return model.ConversationKey{TenantID: tenantID, ContactPhone: contact}
}

// --- messages ---

func (s *MemoryStore) Upsert(ctx context.Context, m model.Message) (bool, error) {
	if err := ValidateMessage(m); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(m.TenantID, m.ContactPhone)
	byID := s.messages[k]
	if byID == nil {
		byID = map[string]model.Message{}
		s.messages[k] = byID
	}
	if _, ok := byID[m.ProviderMessageID]; ok {
		return false, nil
	}
	byID[m.ProviderMessageID] = m
	return true, nil
}

func (s *MemoryStore) sortedMessages(k model.ConversationKey) []model.Message {
	byID := s.messages[k]
	out := make([]model.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

func (s *MemoryStore) ListByContact(ctx context.Context, tenantID, contact, cursor string, limit int) (MessagePage, error) {
	pos, err := decodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	limit = pageLimit(limit)

	s.mu.RLock()
	all := s.sortedMessages(keyOf(tenantID, contact))
	s.mu.RUnlock()

	items := make([]model.Message, 0, limit)
	hasMore := false
	for _, m := range all {
		if pos != nil && !pos.before(m) {
			continue
		}
		if len(items) == limit {
			hasMore = true
			break
		}
		items = append(items, m)
	}

	page := MessagePage{Items: items}
	if hasMore {
		page.NextCursor = encodeCursor(items[len(items)-1])
	}
	return page, nil
}

func (s *MemoryStore) Latest(ctx context.Context, tenantID, contact string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *model.Message
	for _, m := range s.messages[keyOf(tenantID, contact)] {
		if last == nil || model.Less(*last, m) {
			m := m
			last = &m
		}
	}
	return last, nil
}

func (s *MemoryStore) AdvanceStatus(ctx context.Context, tenantID, contact, providerMessageID string, status model.DeliveryStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.messages[keyOf(tenantID, contact)]
	m, ok := byID[providerMessageID]
	if !ok {
		return false, apperr.NotFound("message", providerMessageID)
	}
	if !m.Status.CanAdvance(status) {
		return false, nil
	}
	m.Status = status
	byID[providerMessageID] = m
	return true, nil
}

// --- contacts ---

func (s *MemoryStore) EnsureContact(ctx context.Context, c model.Contact) (bool, error) {
	if c.TenantID == "" || c.Phone == "" {
		return false, apperr.Invalid("contact", "tenant and phone required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(c.TenantID, c.Phone)
	if existing, ok := s.contacts[k]; ok {
		if existing.DisplayName == "" && c.DisplayName != "" {
			existing.DisplayName = c.DisplayName
			s.contacts[k] = existing
		}
		return false, nil
	}
	s.contacts[k] = c
	return true, nil
}

func (s *MemoryStore) GetContact(ctx context.Context, tenantID, phone string) (model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[keyOf(tenantID, phone)]
	if !ok {
		return model.Contact{}, apperr.NotFound("contact", phone)
	}
	return c, nil
}

func (s *MemoryStore) LinkCustomer(ctx context.Context, tenantID, phone, customerID string) (model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(tenantID, phone)
	c, ok := s.contacts[k]
	if !ok {
		return model.Contact{}, apperr.NotFound("contact", phone)
	}
	c.CustomerID = customerID
	s.contacts[k] = c
	return c, nil
}

// --- conversations ---

func (s *MemoryStore) GetConversation(ctx context.Context, key model.ConversationKey) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation", key.String())
	}
	return c.Clone(), nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c model.Conversation) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[c.Key]; ok {
		return model.Conversation{}, apperr.Conflict("conversation", "already exists")
	}
	c = c.Clone()
	c.Tags = normalizeTags(c.Tags)
	c.Version = 1
	s.convs[c.Key] = c
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, c model.Conversation, expectedVersion int64) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[c.Key]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation", c.Key.String())
	}
	if cur.Version != expectedVersion {
		return model.Conversation{}, apperr.Conflict("conversation", "stale version")
	}

	c = c.Clone()
	c.Tags = normalizeTags(c.Tags)
	c.CreatedAt = cur.CreatedAt
	c.Version = expectedVersion + 1
	s.convs[c.Key] = c
	return c.Clone(), nil
}

func (s *MemoryStore) AssignConversation(ctx context.Context, key model.ConversationKey, memberID string, expectedVersion int64, capacity int, now time.Time) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[key]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation", key.String())
	}
	if cur.Version != expectedVersion {
		return model.Conversation{}, apperr.Conflict("conversation", "stale version")
	}
	if cur.Status.Sticky() {
		return model.Conversation{}, apperr.Invalid("status", "cannot assign a "+string(cur.Status)+" conversation")
	}
	if cur.AssignedTo == memberID {
		return cur.Clone(), nil
	}

	holders := map[string]struct{}{}
	for k, c := range s.convs {
		if k.TenantID != key.TenantID || k == key || c.AssignedTo == "" || !c.Status.Active() {
			continue
		}
		holders[c.AssignedTo] = struct{}{}
	}
	if err := checkSeat(key.TenantID, memberID, holders, capacity); err != nil {
		return model.Conversation{}, err
	}

	cur.AssignedTo = memberID
	cur.Version++
	cur.UpdatedAt = now
	s.convs[key] = cur
	return cur.Clone(), nil
}

// checkSeat admits members that already hold a seat and otherwise requires a
// free one.
func checkSeat(tenantID, memberID string, holders map[string]struct{}, capacity int) error {
	if _, ok := holders[memberID]; ok {
		return nil
	}
	if len(holders) >= capacity {
		return &apperr.CapacityExceededError{TenantID: tenantID, Capacity: capacity, Active: len(holders)}
	}
	return nil
}

func (s *MemoryStore) ActiveAssignees(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	for k, c := range s.convs {
		if k.TenantID == tenantID && c.AssignedTo != "" && c.Status.Active() {
			seen[c.AssignedTo] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, tenantID string, f ConversationFilter) ([]model.Conversation, error) {
	s.mu.RLock()
	var out []model.Conversation
	for k, c := range s.convs {
		if k.TenantID != tenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && c.AssignedTo != f.AssignedTo {
			continue
		}
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].Key.ContactPhone < out[j].Key.ContactPhone
	})
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return paginate(out, limit, f.Offset), nil
}

// --- history ---

func (s *MemoryStore) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(e.TenantID, e.ContactPhone)
	e.Tags = append([]string(nil), e.Tags...)
	s.history[k] = append(s.history[k], e)
	return nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[key]
	out := make([]model.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return paginate(out, limit, 0), nil
}

// --- scheduled messages ---

func (s *MemoryStore) CreateScheduled(ctx context.Context, sm model.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[sm.ID]; ok {
		return apperr.Conflict("scheduled message", "id already exists")
	}
	s.scheduled[sm.ID] = sm
	return nil
}

func (s *MemoryStore) GetScheduled(ctx context.Context, id string) (model.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sm, ok := s.scheduled[id]
	if !ok {
		return model.ScheduledMessage{}, apperr.NotFound("scheduled message", id)
	}
	return sm, nil
}

func (s *MemoryStore) ListScheduled(ctx context.Context, tenantID string, f ScheduledFilter) ([]model.ScheduledMessage, error) {
	s.mu.RLock()
	var out []model.ScheduledMessage
	for _, sm := range s.scheduled {
		if sm.TenantID != tenantID || (f.State != "" && sm.State != f.State) {
			continue
		}
		out = append(out, sm)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) TransitionScheduled(ctx context.Context, id string, from, to model.ScheduledState, upd ScheduledUpdate, now time.Time) (model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.scheduled[id]
	if !ok {
		return model.ScheduledMessage{}, apperr.NotFound("scheduled message", id)
	}
	if sm.State != from {
		return model.ScheduledMessage{}, apperr.Conflict("scheduled message", "state is "+string(sm.State)+", expected "+string(from))
	}

	sm.State = to
	applyUpdate(&sm, upd)
	sm.UpdatedAt = now
	s.scheduled[id] = sm
	return sm, nil
}

func applyUpdate(sm *model.ScheduledMessage, upd ScheduledUpdate) {
	if upd.AttemptCount != nil {
		sm.AttemptCount = *upd.AttemptCount
	}
	if upd.NextAttemptAt != nil {
		sm.NextAttemptAt = *upd.NextAttemptAt
	}
	if upd.LastError != nil {
		sm.LastError = *upd.LastError
	}
	if upd.RemoteMessageID != nil {
		sm.RemoteMessageID = *upd.RemoteMessageID
	}
	if upd.SentAt != nil {
		t := *upd.SentAt
		sm.SentAt = &t
	}
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, apperr.Invalid("limit", "must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.ScheduledMessage
	for _, sm := range s.scheduled {
		if sm.State == model.Pending && !sm.NextAttemptAt.After(now) {
			due = append(due, sm)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].State = model.Sending
		due[i].UpdatedAt = now
		s.scheduled[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, sendingBefore time.Time, limit int) ([]model.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScheduledMessage
	for _, sm := range s.scheduled {
		if sm.State == model.Sending && sm.UpdatedAt.Before(sendingBefore) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
