package repo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("OpenPostgres() error: %v", err)
	}
	s := NewPostgresStore(db)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return s
}

func TestPostgresStore_MessagesRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "T-" + uuid.NewString()

	for i, id := range []string{"c", "a", "b"} {
		m := inbound(id, t0.Add(time.Duration(i%2)*time.Minute))
		m.TenantID = tenant
		if stored, err := s.Upsert(ctx, m); err != nil || !stored {
			t.Fatalf("Upsert(%s) = %v, %v", id, stored, err)
		}
	}
	dup := inbound("a", t0)
	dup.TenantID = tenant
	if stored, err := s.Upsert(ctx, dup); err != nil || stored {
		t.Fatalf("duplicate Upsert() = %v, %v", stored, err)
	}

	page, err := s.ListByContact(ctx, tenant, "+491701234567", "", 2)
	if err != nil {
		t.Fatalf("ListByContact() error: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", page)
	}
	rest, err := s.ListByContact(ctx, tenant, "+491701234567", page.NextCursor, 2)
	if err != nil || len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("unexpected second page %+v, %v", rest, err)
	}
	got := []string{page.Items[0].ProviderMessageID, page.Items[1].ProviderMessageID, rest.Items[0].ProviderMessageID}
	if fmt.Sprint(got) != "[b c a]" {
		t.Fatalf("expected [b c a], got %v", got)
	}
}

func TestPostgresStore_ConversationCASAndSeats(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "T-" + uuid.NewString()

	var keys []model.ConversationKey
	for i := 0; i < 3; i++ {
		c, err := s.CreateConversation(ctx, model.Conversation{
			Key:       model.ConversationKey{TenantID: tenant, ContactPhone: fmt.Sprintf("+4917%d", i)},
			Status:    model.WaitingOnMe,
			CreatedAt: t0,
			UpdatedAt: t0,
		})
		if err != nil {
			t.Fatalf("CreateConversation() error: %v", err)
		}
		keys = append(keys, c.Key)
	}

	c, _ := s.GetConversation(ctx, keys[0])
	c.Tags = []string{"vip"}
	if _, err := s.UpdateConversation(ctx, c, 1); err != nil {
		t.Fatalf("UpdateConversation() error: %v", err)
	}
	if _, err := s.UpdateConversation(ctx, c, 1); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := s.AssignConversation(ctx, keys[1], "m1", 1, 2, t0); err != nil {
		t.Fatalf("assign m1: %v", err)
	}
	if _, err := s.AssignConversation(ctx, keys[2], "m2", 1, 2, t0); err != nil {
		t.Fatalf("assign m2: %v", err)
	}
	if _, err := s.AssignConversation(ctx, keys[0], "m3", 2, 2, t0); !apperr.IsCapacityExceeded(err) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestPostgresStore_ClaimDue(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	sm := scheduled(uuid.NewString(), t0)
	if err := s.CreateScheduled(ctx, sm); err != nil {
		t.Fatalf("CreateScheduled() error: %v", err)
	}

	claimed, err := s.ClaimDue(ctx, t0, 100)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	found := false
	for _, c := range claimed {
		if c.ID == sm.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be claimed", sm.ID)
	}

	again, _ := s.ClaimDue(ctx, t0, 100)
	for _, c := range again {
		if c.ID == sm.ID {
			t.Fatalf("entry claimed twice")
		}
	}

	attempts := 1
	errText := "boom"
	got, err := s.TransitionScheduled(ctx, sm.ID, model.Sending, model.Failed, ScheduledUpdate{AttemptCount: &attempts, LastError: &errText}, t0)
	if err != nil || got.State != model.Failed || got.AttemptCount != 1 || got.LastError != "boom" {
		t.Fatalf("TransitionScheduled() = %+v, %v", got, err)
	}
}

func TestPostgresStore_ContactLink(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	tenant := "T-" + uuid.NewString()

	if _, err := s.LinkCustomer(ctx, tenant, "+491701234567", "cus_1"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if created, err := s.EnsureContact(ctx, model.Contact{TenantID: tenant, Phone: "+491701234567", DisplayName: "Anna"}); err != nil || !created {
		t.Fatalf("EnsureContact() = %v, %v", created, err)
	}
	c, err := s.LinkCustomer(ctx, tenant, "+491701234567", "cus_1")
	if err != nil || c.CustomerID != "cus_1" || c.DisplayName != "Anna" {
		t.Fatalf("LinkCustomer() = %+v, %v", c, err)
	}
	got, err := s.GetContact(ctx, tenant, "+491701234567")
	if err != nil || got.CustomerID != "cus_1" {
		t.Fatalf("GetContact() = %+v, %v", got, err)
	}
}
