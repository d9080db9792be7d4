// Package assignment hands conversations to team members within the
// tenant's paid seat limit. A seat is taken by every member that holds at
// least one open conversation.
package assignment

import (
	"context"
	"strings"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/projector"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/seats"
)

type Manager struct {
	convs repo.ConversationRepository
	seats seats.CapacityProvider
	proj  *projector.Projector
	now   func() time.Time
}

func New(convs repo.ConversationRepository, capacity seats.CapacityProvider, proj *projector.Projector) *Manager {
	return &Manager{
		convs: convs,
		seats: capacity,
		proj:  proj,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type Usage struct {
	TenantID string   `json:"tenant_id"`
	Capacity int      `json:"capacity"`
	Used     int      `json:"used"`
	Members  []string `json:"members"`
}

// Assign gives the conversation to memberID. Members already holding a seat
// may always take more conversations; a new member needs a free seat.
func (m *Manager) Assign(ctx context.Context, key model.ConversationKey, memberID string, expectedVersion int64, agent string) (model.Conversation, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return model.Conversation{}, apperr.Invalid("member_id", "required")
	}

	capacity, err := m.seats.GetCapacity(ctx, key.TenantID)
	if err != nil {
		return model.Conversation{}, err
	}

	conv, err := m.convs.AssignConversation(ctx, key, memberID, expectedVersion, capacity, m.now())
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Version == expectedVersion {
		return conv, nil
	}

	m.proj.Record(ctx, conv, model.HistoryEntry{
		Action: model.ActionAssigned,
		Agent:  agent,
		Detail: memberID,
	})
	return conv, nil
}

func (m *Manager) Unassign(ctx context.Context, key model.ConversationKey, expectedVersion int64, agent string) (model.Conversation, error) {
	return m.proj.Unassign(ctx, key, expectedVersion, agent)
}

func (m *Manager) Seats(ctx context.Context, tenantID string) (Usage, error) {
	capacity, err := m.seats.GetCapacity(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	members, err := m.convs.ActiveAssignees(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		TenantID: tenantID,
		Capacity: capacity,
		Used:     len(members),
		Members:  members,
	}, nil
}
