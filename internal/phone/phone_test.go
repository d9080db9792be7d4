package phone

import (
	"testing"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"+491701234567", "+491701234567"},
		{"+49 170 1234567", "+491701234567"},
		{"0170 1234567", "+491701234567"},
		{"1701234567", "+491701234567"},
		{"  +49-170-1234567 ", "+491701234567"},
	}

	for _, tc := range cases {
		got, err := Normalize(tc.in, "DE")
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "hello", "+1"} {
		_, err := Normalize(in, "DE")
		if err == nil {
			t.Fatalf("Normalize(%q): expected error, got nil", in)
		}
		if !apperr.IsValidation(err) {
			t.Fatalf("Normalize(%q): expected validation error, got %v", in, err)
		}
	}
}

func TestFromWaID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"491701234567", "+491701234567"},
		{"14155550100", "+14155550100"},
		{"+491701234567", "+491701234567"},
	}

	for _, tc := range cases {
		got, err := FromWaID(tc.in, "DE")
		if err != nil {
			t.Fatalf("FromWaID(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("FromWaID(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}

	if _, err := FromWaID("", "DE"); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for empty wa_id, got %v", err)
	}
}
