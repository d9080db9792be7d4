package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/conversation-engine/internal/events"
)

func TestHub_StreamsTenantEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := events.NewBus(8, nil)
	hub := NewHub(bus, nil)

	r := gin.New()
	r.GET("/v1/tenants/:tenant/ws", hub.Serve)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/tenants/T1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers("T1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a subscriber for T1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	other, _ := events.New(events.MessageStored, "T2", "+491700000000", map[string]string{"x": "y"})
	_ = bus.Publish(context.Background(), other)
	ev, _ := events.New(events.ConversationUpdated, "T1", "+491701234567", map[string]string{"status": "waiting_on_me"})
	_ = bus.Publish(context.Background(), ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got.Type != events.ConversationUpdated || got.TenantID != "T1" {
		t.Fatalf("expected T1 conversation.updated, got %+v", got)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.Subscribers("T1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscription to be released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
