// Package events fans engine changes out to connected clients. Delivery is
// best effort: slow subscribers lose events rather than block the engine.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	MessageStored       Type = "message.stored"
	MessageStatus       Type = "message.status"
	ConversationUpdated Type = "conversation.updated"
	ScheduledUpdated    Type = "scheduled.updated"
	ScheduledFailed     Type = "scheduled.failed"
	ContactUpdated      Type = "contact.updated"
)

type Event struct {
	Type         Type            `json:"type"`
	TenantID     string          `json:"tenant_id"`
	ContactPhone string          `json:"contact_phone,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	At           time.Time       `json:"at"`
}

// New builds an event with data encoded as JSON.
func New(typ Type, tenantID, contact string, data any) (Event, error) {
	e := Event{Type: typ, TenantID: tenantID, ContactPhone: contact, At: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		e.Data = b
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

const defaultBuffer = 64

type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	logger  *slog.Logger
	dropped atomic.Uint64
}

var _ Publisher = (*Bus)(nil)

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		logger: logger,
	}
}

type Subscription struct {
	C <-chan Event

	ch     chan Event
	tenant string
	bus    *Bus
	once   sync.Once
}

// Subscribe registers for the events of one tenant. Close must be called to
// release the subscription.
func (b *Bus) Subscribe(tenantID string) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, tenant: tenantID, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = map[*Subscription]struct{}{}
	}
	b.subs[tenantID][s] = struct{}{}
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs[s.tenant], s)
		if len(b.subs[s.tenant]) == 0 {
			delete(b.subs, s.tenant)
		}
		close(s.ch)
	})
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[e.TenantID] {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"tenant_id", e.TenantID,
				"type", e.Type,
			)
		}
	}
	return nil
}

func (b *Bus) Subscribers(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tenantID])
}

// Dropped reports how many events were discarded for full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
