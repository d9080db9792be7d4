package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/projector"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/seats"
)

type fixedSeats map[string]int

var _ seats.CapacityProvider = fixedSeats(nil)

func (f fixedSeats) GetCapacity(_ context.Context, tenantID string) (int, error) {
	return f[tenantID], nil
}

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T, capacity int, n int) (*Manager, *repo.MemoryStore, []model.Conversation) {
	t.Helper()
	ctx := context.Background()

	store := repo.NewMemoryStore()
	proj := projector.New(store, nil, nil)
	m := New(store, fixedSeats{"T1": capacity}, proj)

	var convs []model.Conversation
	for i := 0; i < n; i++ {
		phone := fmt.Sprintf("+4917012345%02d", i)
		_, _ = store.Upsert(ctx, model.Message{
			TenantID:          "T1",
			ContactPhone:      phone,
			ProviderMessageID: "in." + phone,
			Direction:         model.Inbound,
			Timestamp:         t0,
		})
		c, err := proj.Recompute(ctx, model.ConversationKey{TenantID: "T1", ContactPhone: phone})
		if err != nil {
			t.Fatalf("Recompute() error: %v", err)
		}
		convs = append(convs, c)
	}
	return m, store, convs
}

func TestAssign_SixthMemberExceedsFiveSeats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, convs := setup(t, 5, 7)

	for i := 0; i < 5; i++ {
		if _, err := m.Assign(ctx, convs[i].Key, fmt.Sprintf("m%d", i+1), convs[i].Version, "admin"); err != nil {
			t.Fatalf("assign m%d: %v", i+1, err)
		}
	}

	_, err := m.Assign(ctx, convs[5].Key, "m6", convs[5].Version, "admin")
	var capErr *apperr.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if capErr.Capacity != 5 || capErr.Active != 5 {
		t.Fatalf("unexpected capacity error %+v", capErr)
	}

	got, err := m.Assign(ctx, convs[5].Key, "m1", convs[5].Version, "admin")
	if err != nil {
		t.Fatalf("expected reassignment to existing member to succeed, got %v", err)
	}
	if got.AssignedTo != "m1" || got.Version != convs[5].Version+1 {
		t.Fatalf("unexpected conversation %+v", got)
	}

	usage, err := m.Seats(ctx, "T1")
	if err != nil {
		t.Fatalf("Seats() error: %v", err)
	}
	if usage.Capacity != 5 || usage.Used != 5 || len(usage.Members) != 5 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestAssign_RecordsHistoryAndValidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, convs := setup(t, 2, 1)
	key := convs[0].Key

	if _, err := m.Assign(ctx, key, "  ", convs[0].Version, "admin"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for empty member, got %v", err)
	}
	if _, err := m.Assign(ctx, key, "m1", convs[0].Version+3, "admin"); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}

	assigned, err := m.Assign(ctx, key, "m1", convs[0].Version, "admin")
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	same, err := m.Assign(ctx, key, "m1", assigned.Version, "admin")
	if err != nil || same.Version != assigned.Version {
		t.Fatalf("expected repeated assign to be a no-op, got %+v, %v", same, err)
	}

	h, _ := store.ListHistory(ctx, key, 1)
	if h[0].Action != model.ActionAssigned || h[0].Detail != "m1" || h[0].Agent != "admin" {
		t.Fatalf("unexpected history %+v", h[0])
	}

	unassigned, err := m.Unassign(ctx, key, assigned.Version, "admin")
	if err != nil || unassigned.AssignedTo != "" {
		t.Fatalf("Unassign() = %+v, %v", unassigned, err)
	}
}

func TestAssign_ClosedConversationIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, convs := setup(t, 2, 1)

	closed, err := m.proj.Close(ctx, convs[0].Key, convs[0].Version, "admin")
	if err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := m.Assign(ctx, closed.Key, "m1", closed.Version, "admin"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAssign_ConcurrentFirstAssignmentsCannotShareLastSeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, convs := setup(t, 1, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i, c := range convs {
		wg.Add(1)
		go func(i int, c model.Conversation) {
			defer wg.Done()
			_, err := m.Assign(ctx, c.Key, fmt.Sprintf("m%d", i), c.Version, "admin")
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !apperr.IsCapacityExceeded(err) {
				t.Errorf("unexpected error %v", err)
			}
		}(i, c)
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one member to get the seat, got %d", won)
	}
}
