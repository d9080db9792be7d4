package model

import (
	"testing"
	"time"
)

func TestDeliveryStatus_CanAdvance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusQueued, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusQueued, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusSent, false},
		{StatusSent, StatusFailed, true},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{"", StatusSent, true},
		{StatusSent, "bogus", false},
	}

	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.want {
			t.Fatalf("%q -> %q: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestConversationKey_String(t *testing.T) {
	t.Parallel()

	k := ConversationKey{TenantID: "T1", ContactPhone: "+491701234567"}
	if got := k.String(); got != "T1:+491701234567" {
		t.Fatalf("expected %q, got %q", "T1:+491701234567", got)
	}
}

func TestMessage_SenderAndLess(t *testing.T) {
	t.Parallel()

	in := Message{Direction: Inbound, ContactPhone: "+49"}
	if in.Sender() != "+49" {
		t.Fatalf("expected inbound sender to default to contact, got %q", in.Sender())
	}
	out := Message{Direction: Outbound, SenderID: "agent-1"}
	if out.Sender() != "agent-1" {
		t.Fatalf("expected agent-1, got %q", out.Sender())
	}

	ts := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ProviderMessageID: "a", Timestamp: ts}
	b := Message{ProviderMessageID: "b", Timestamp: ts}
	c := Message{ProviderMessageID: "0", Timestamp: ts.Add(time.Second)}
	if !Less(a, b) || Less(b, a) {
		t.Fatalf("expected provider id tie-break")
	}
	if !Less(b, c) {
		t.Fatalf("expected timestamp to dominate")
	}
}

func TestStates(t *testing.T) {
	t.Parallel()

	if !Closed.Sticky() || !Archived.Sticky() || WaitingOnMe.Sticky() {
		t.Fatalf("unexpected sticky classification")
	}
	if !Open.Active() || Closed.Active() {
		t.Fatalf("unexpected active classification")
	}
	if Pending.Terminal() || Sending.Terminal() || !Cancelled.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
