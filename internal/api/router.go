package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Extra carries the optional transports mounted next to the API.
type Extra struct {
	WebhookVerify  gin.HandlerFunc
	WebhookReceive gin.HandlerFunc
	WebSocket      gin.HandlerFunc
}

func Router(h *Handler, extra Extra) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.GET("/health", h.Health)

	v1.GET("/scheduler/status", h.SchedulerStatus)
	v1.POST("/scheduler/start", h.SchedulerStart)
	v1.POST("/scheduler/stop", h.SchedulerStop)

	v1.POST("/templates/render", h.RenderTemplate)
	v1.POST("/templates/validate", h.ValidateTemplate)
	v1.POST("/templates/convert", h.ConvertTemplate)

	t := v1.Group("/tenants/:tenant")
	t.GET("/conversations", h.ListConversations)

	t.GET("/contacts/:contact", h.GetContact)
	t.PUT("/contacts/:contact/customer", h.LinkCustomer)

	conv := t.Group("/conversations/:contact")
	conv.GET("", h.GetConversation)
	conv.GET("/messages", h.ListMessages)
	conv.GET("/timeline", h.Timeline)
	conv.GET("/history", h.History)
	conv.POST("/assign", h.conversationAction(h.Assign))
	conv.POST("/unassign", h.conversationAction(h.Unassign))
	conv.POST("/close", h.conversationAction(h.Close))
	conv.POST("/archive", h.conversationAction(h.Archive))
	conv.POST("/reopen", h.conversationAction(h.Reopen))
	conv.POST("/tags", h.conversationAction(h.AddTag))
	conv.DELETE("/tags/:tag", h.RemoveTag)

	t.GET("/seats", h.GetSeats)
	t.PUT("/seats", h.PutSeats)

	t.POST("/scheduled", h.Schedule)
	t.GET("/scheduled", h.ListScheduled)
	t.GET("/scheduled/:id", h.GetScheduled)
	t.DELETE("/scheduled/:id", h.CancelScheduled)

	if extra.WebSocket != nil {
		t.GET("/ws", extra.WebSocket)
	}
	if extra.WebhookVerify != nil {
		r.GET("/webhook/:tenant", extra.WebhookVerify)
	}
	if extra.WebhookReceive != nil {
		r.POST("/webhook/:tenant", extra.WebhookReceive)
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "conversation-engine")
	})

	return r
}
