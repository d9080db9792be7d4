// Package ws streams a tenant's engine events to websocket clients.
package ws

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/conversation-engine/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Hub struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agent dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Clients reports the number of open connections.
func (h *Hub) Clients() int64 {
	return h.clients.Load()
}

// Serve upgrades the request and streams events of the :tenant path
// parameter until the client goes away.
func (h *Hub) Serve(c *gin.Context) {
	tenantID := c.Param("tenant")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}

	sub := h.bus.Subscribe(tenantID)
	h.clients.Add(1)
	h.logger.Info("websocket client connected", "tenant_id", tenantID)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub, tenantID)
}

// readPump only handles control frames; client messages are ignored.
func (h *Hub) readPump(conn *websocket.Conn, sub *events.Subscription, tenantID string) {
	defer func() {
		sub.Close()
		_ = conn.Close()
		h.clients.Add(-1)
		h.logger.Info("websocket client disconnected", "tenant_id", tenantID)
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
