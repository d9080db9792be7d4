package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

var testCreds = StaticCredentials{PhoneNumberID: "1055", Token: "secret"}

func TestCloudAPIClient_Send_Success(t *testing.T) {
	t.Parallel()

	type gotReq struct {
		Method string
		Path   string
		Auth   string
		Body   []byte
	}

	var captured gotReq

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Path = r.URL.Path
		captured.Auth = r.Header.Get("Authorization")
		captured.Body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"wa_id":"491701234567"}],"messages":[{"id":"wamid.abc"}]}`))
	}))
	defer srv.Close()

	c := NewCloudAPIClient(srv.URL+"/", testCreds, time.Second)

	msgID, err := c.Send(context.Background(), "T1", "+491701234567", "hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if msgID != "wamid.abc" {
		t.Fatalf("expected message id %q, got %q", "wamid.abc", msgID)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", captured.Method)
	}
	if captured.Path != "/1055/messages" {
		t.Fatalf("expected path /1055/messages, got %q", captured.Path)
	}
	if captured.Auth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", captured.Auth)
	}

	var req sendRequest
	if err := json.Unmarshal(captured.Body, &req); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(captured.Body))
	}
	if req.MessagingProduct != "whatsapp" || req.Type != "text" {
		t.Fatalf("unexpected request envelope %+v", req)
	}
	if req.To != "+491701234567" || req.Text.Body != "hello" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestCloudAPIClient_Send_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   apperr.GatewayKind
	}{
		{http.StatusBadRequest, apperr.Permanent},
		{http.StatusUnauthorized, apperr.Permanent},
		{http.StatusRequestTimeout, apperr.Transient},
		{http.StatusTooManyRequests, apperr.Transient},
		{http.StatusInternalServerError, apperr.Transient},
		{http.StatusServiceUnavailable, apperr.Transient},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			_, err := NewCloudAPIClient(srv.URL, testCreds, time.Second).Send(context.Background(), "T1", "+491701234567", "hi")

			var gw *apperr.GatewayError
			if !errors.As(err, &gw) {
				t.Fatalf("expected gateway error, got %v", err)
			}
			if gw.Kind != tc.kind || gw.StatusCode != tc.status {
				t.Fatalf("expected %s/%d, got %s/%d", tc.kind, tc.status, gw.Kind, gw.StatusCode)
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Fatalf("expected body in error, got %q", err.Error())
			}
		})
	}
}

func TestCloudAPIClient_Send_MissingIDIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer srv.Close()

	_, err := NewCloudAPIClient(srv.URL, testCreds, time.Second).Send(context.Background(), "T1", "+49", "hi")
	if err == nil || apperr.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCloudAPIClient_Send_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"messages":[{"id":"late"}]}`))
	}))
	defer srv.Close()

	_, err := NewCloudAPIClient(srv.URL, testCreds, 20*time.Millisecond).Send(context.Background(), "T1", "+49", "hi")
	if !apperr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCloudAPIClient_Send_MissingCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewCloudAPIClient("http://127.0.0.1:1", StaticCredentials{}, time.Second).Send(context.Background(), "T1", "+49", "hi")
	if err == nil || apperr.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
