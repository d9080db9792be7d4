// Package webhook turns Meta Cloud API webhook calls into engine events.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/conversation-engine/internal/engine"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/phone"
)

// Ingester is the part of the engine the webhook feeds.
type Ingester interface {
	Ingest(ctx context.Context, ev engine.InboundEvent) (bool, error)
	ApplyStatus(ctx context.Context, ev engine.StatusEvent) (bool, error)
}

type Handler struct {
	ing         Ingester
	verifyToken string
	logger      *slog.Logger
}

func NewHandler(ing Ingester, verifyToken string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ing: ing, verifyToken: verifyToken, logger: logger}
}

// Verify answers the subscription handshake.
func (h *Handler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.logger.Warn("webhook verification rejected", "tenant_id", c.Param("tenant"))
		c.Status(http.StatusForbidden)
		return
	}
	c.String(http.StatusOK, challenge)
}

// Result counts what one delivery produced.
type Result struct {
	Stored    int `json:"stored"`
	Duplicate int `json:"duplicate"`
	Statuses  int `json:"statuses"`
	Rejected  int `json:"rejected"`
}

// Receive processes a payload. Events that fail are logged and skipped; the
// call still answers 200 so Meta does not redeliver the valid ones.
func (h *Handler) Receive(c *gin.Context) {
	tenantID := c.Param("tenant")

	var p Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.logger.Warn("webhook payload rejected", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	res := h.Process(c.Request.Context(), tenantID, p)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Process(ctx context.Context, tenantID string, p Payload) Result {
	var res Result
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				ev, err := inbound(tenantID, v.Metadata, names[m.From], m)
				if err == nil {
					var stored bool
					stored, err = h.ing.Ingest(ctx, ev)
					if err == nil && stored {
						res.Stored++
					} else if err == nil {
						res.Duplicate++
					}
				}
				if err != nil {
					res.Rejected++
					h.logger.Warn("webhook message dropped",
						"tenant_id", tenantID,
						"provider_message_id", m.ID,
						"error", err,
					)
				}
			}

			for _, s := range v.Statuses {
				ev, err := status(tenantID, s)
				if err == nil {
					_, err = h.ing.ApplyStatus(ctx, ev)
				}
				if err != nil {
					res.Rejected++
					h.logger.Warn("webhook status dropped",
						"tenant_id", tenantID,
						"provider_message_id", s.ID,
						"status", s.Status,
						"error", err,
					)
					continue
				}
				res.Statuses++
			}
		}
	}
	return res
}

func parseTimestamp(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func inbound(tenantID string, md Metadata, name string, m Message) (engine.InboundEvent, error) {
	at, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return engine.InboundEvent{}, err
	}
	from, err := phone.FromWaID(m.From, "")
	if err != nil {
		return engine.InboundEvent{}, err
	}

	ev := engine.InboundEvent{
		TenantID:          tenantID,
		ProviderMessageID: m.ID,
		Direction:         model.Inbound,
		From:              from,
		To:                md.DisplayPhoneNumber,
		DisplayName:       name,
		Timestamp:         at,
	}
	if m.Context != nil {
		ev.ReplyTo = m.Context.ID
	}

	switch m.Type {
	case "text":
		ev.Type = model.TypeText
		if m.Text != nil {
			ev.Body = m.Text.Body
		}
	case "image":
		ev.Type = model.TypeImage
		ev.Body, ev.MediaRef = media(m.Image)
	case "video":
		ev.Type = model.TypeVideo
		ev.Body, ev.MediaRef = media(m.Video)
	case "audio":
		ev.Type = model.TypeAudio
		ev.Body, ev.MediaRef = media(m.Audio)
	case "sticker":
		ev.Type = model.TypeImage
		ev.Body, ev.MediaRef = media(m.Sticker)
	case "document":
		ev.Type = model.TypeDocument
		ev.Body, ev.MediaRef = media(m.Document)
		if ev.Body == "" && m.Document != nil {
			ev.Body = m.Document.Filename
		}
	case "location":
		ev.Type = model.TypeLocation
		if l := m.Location; l != nil {
			ev.Body = fmt.Sprintf("%.6f,%.6f", l.Latitude, l.Longitude)
			if l.Name != "" {
				ev.Body += " " + l.Name
			}
		}
	case "contacts":
		ev.Type = model.TypeContacts
	case "reaction":
		ev.Type = model.TypeReaction
		if r := m.Reaction; r != nil {
			ev.Body = r.Emoji
			ev.ReplyTo = r.MessageID
		}
	case "interactive":
		ev.Type = model.TypeInteractive
		if i := m.Interactive; i != nil {
			switch {
			case i.ButtonReply != nil:
				ev.Body = i.ButtonReply.Title
			case i.ListReply != nil:
				ev.Body = i.ListReply.Title
			}
		}
	case "button":
		ev.Type = model.TypeInteractive
		if m.Button != nil {
			ev.Body = m.Button.Text
		}
	default:
		return engine.InboundEvent{}, fmt.Errorf("unsupported message type %q", m.Type)
	}
	return ev, nil
}

func media(m *Media) (caption, ref string) {
	if m == nil {
		return "", ""
	}
	return m.Caption, m.ID
}

func status(tenantID string, s Status) (engine.StatusEvent, error) {
	at, err := parseTimestamp(s.Timestamp)
	if err != nil {
		return engine.StatusEvent{}, err
	}
	recipient, err := phone.FromWaID(s.RecipientID, "")
	if err != nil {
		return engine.StatusEvent{}, err
	}
	return engine.StatusEvent{
		TenantID:          tenantID,
		ProviderMessageID: s.ID,
		Recipient:         recipient,
		Status:            model.DeliveryStatus(s.Status),
		Timestamp:         at,
	}, nil
}
