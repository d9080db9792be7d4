package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
	"github.com/LeventeLantos/conversation-engine/internal/engine"
	"github.com/LeventeLantos/conversation-engine/internal/model"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/scheduler"
	"github.com/LeventeLantos/conversation-engine/internal/template"
)

// SchedulerControl is the part of the dispatch loop exposed over HTTP.
type SchedulerControl interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Status() scheduler.Status
}

type Handler struct {
	eng    *engine.Engine
	sched  SchedulerControl
	logger *slog.Logger
}

func NewHandler(eng *engine.Engine, s SchedulerControl, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, sched: s, logger: logger}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(c *gin.Context) {
	h.sched.Start()
	c.JSON(http.StatusOK, gin.H{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(c *gin.Context) {
	h.sched.Stop()
	c.JSON(http.StatusOK, gin.H{"running": h.sched.IsRunning()})
}

// --- conversations ---

func (h *Handler) ListConversations(c *gin.Context) {
	items, err := h.eng.ListConversations(c.Request.Context(), c.Param("tenant"), repo.ConversationFilter{
		Status:     model.ConversationStatus(c.Query("status")),
		AssignedTo: c.Query("assignee"),
		Limit:      parseInt(c.Query("limit"), 50),
		Offset:     parseInt(c.Query("offset"), 0),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.eng.GetConversation(c.Request.Context(), c.Param("tenant"), c.Param("contact"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) ListMessages(c *gin.Context) {
	page, err := h.eng.ListMessages(c.Request.Context(),
		c.Param("tenant"),
		c.Param("contact"),
		c.Query("cursor"),
		parseInt(c.Query("limit"), repo.DefaultPageSize),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) Timeline(c *gin.Context) {
	var loc *time.Location
	if tz := c.Query("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			h.writeError(c, apperr.Invalid("tz", "unknown time zone "+tz))
			return
		}
		loc = l
	}

	days, err := h.eng.Timeline(c.Request.Context(), c.Param("tenant"), c.Param("contact"), loc)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days})
}

func (h *Handler) History(c *gin.Context) {
	items, err := h.eng.History(c.Request.Context(), c.Param("tenant"), c.Param("contact"), parseInt(c.Query("limit"), 50))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type actionRequest struct {
	ExpectedVersion *int64 `json:"expected_version" binding:"required"`
	Agent           string `json:"agent"`
	MemberID        string `json:"member_id"`
	Tag             string `json:"tag"`
}

type action func(c *gin.Context, req actionRequest) (model.Conversation, error)

func (h *Handler) conversationAction(fn action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.writeError(c, apperr.Invalid("body", err.Error()))
			return
		}
		if req.Agent == "" {
			req.Agent = c.GetHeader("X-Agent-ID")
		}

		conv, err := fn(c, req)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

func (h *Handler) Assign(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.Assign(c.Request.Context(), c.Param("tenant"), c.Param("contact"), req.MemberID, *req.ExpectedVersion, req.Agent)
}

func (h *Handler) Unassign(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.Unassign(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.ExpectedVersion, req.Agent)
}

func (h *Handler) Close(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.Close(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.ExpectedVersion, req.Agent)
}

func (h *Handler) Archive(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.Archive(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.ExpectedVersion, req.Agent)
}

func (h *Handler) Reopen(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.Reopen(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.ExpectedVersion, req.Agent)
}

func (h *Handler) AddTag(c *gin.Context, req actionRequest) (model.Conversation, error) {
	return h.eng.AddTag(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.ExpectedVersion, req.Tag, req.Agent)
}

// RemoveTag takes the version from the query string since DELETE carries no body.
func (h *Handler) RemoveTag(c *gin.Context) {
	v, err := strconv.ParseInt(c.Query("expected_version"), 10, 64)
	if err != nil {
		h.writeError(c, apperr.Invalid("expected_version", "required"))
		return
	}
	agent := c.Query("agent")
	if agent == "" {
		agent = c.GetHeader("X-Agent-ID")
	}

	conv, err := h.eng.RemoveTag(c.Request.Context(), c.Param("tenant"), c.Param("contact"), v, c.Param("tag"), agent)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// --- seats ---

func (h *Handler) GetSeats(c *gin.Context) {
	usage, err := h.eng.Seats(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

type seatsRequest struct {
	BaseSeats  int `json:"base_seats"`
	AddOnSeats int `json:"add_on_seats"`
}

func (h *Handler) PutSeats(c *gin.Context) {
	var req seatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}
	cfg, err := h.eng.SetSeats(c.Request.Context(), c.Param("tenant"), req.BaseSeats, req.AddOnSeats)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":    cfg.TenantID,
		"base_seats":   cfg.BaseSeats,
		"add_on_seats": cfg.AddOnSeats,
		"capacity":     cfg.Capacity(),
	})
}

// --- contacts ---

func (h *Handler) GetContact(c *gin.Context) {
	contact, err := h.eng.GetContact(c.Request.Context(), c.Param("tenant"), c.Param("contact"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

type linkCustomerRequest struct {
	// Empty unlinks the contact.
	CustomerID *string `json:"customer_id" binding:"required"`
}

func (h *Handler) LinkCustomer(c *gin.Context) {
	var req linkCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}
	contact, err := h.eng.LinkCustomer(c.Request.Context(), c.Param("tenant"), c.Param("contact"), *req.CustomerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("contact linked",
		"tenant_id", contact.TenantID,
		"contact", contact.Phone,
		"customer_id", contact.CustomerID,
	)
	c.JSON(http.StatusOK, contact)
}

// --- scheduled messages ---

type scheduleRequest struct {
	Recipient   string         `json:"recipient"`
	Body        string         `json:"body"`
	Template    string         `json:"template"`
	Values      map[int]string `json:"values"`
	ScheduledAt time.Time      `json:"scheduled_at"`
}

func (h *Handler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}

	ctx := c.Request.Context()
	var (
		sm  model.ScheduledMessage
		err error
	)
	if req.Template != "" {
		sm, err = h.eng.ScheduleTemplate(ctx, c.Param("tenant"), req.Recipient, req.Template, req.Values, req.ScheduledAt)
	} else {
		sm, err = h.eng.Schedule(ctx, c.Param("tenant"), req.Recipient, req.Body, req.ScheduledAt)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sm)
}

func (h *Handler) ListScheduled(c *gin.Context) {
	items, err := h.eng.ListScheduled(c.Request.Context(),
		c.Param("tenant"),
		model.ScheduledState(c.Query("state")),
		parseInt(c.Query("limit"), 50),
		parseInt(c.Query("offset"), 0),
	)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) GetScheduled(c *gin.Context) {
	sm, err := h.eng.GetScheduled(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sm)
}

func (h *Handler) CancelScheduled(c *gin.Context) {
	sm, err := h.eng.Cancel(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sm)
}

// --- templates ---

type renderRequest struct {
	Template string         `json:"template"`
	Values   map[int]string `json:"values"`
}

func (h *Handler) RenderTemplate(c *gin.Context) {
	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}
	out, err := h.eng.RenderTemplate(req.Template, req.Values)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"body": out, "variables": template.ExtractVariables(req.Template)})
}

func (h *Handler) ValidateTemplate(c *gin.Context) {
	var req template.Template
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}
	if err := template.Validate(req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *Handler) ConvertTemplate(c *gin.Context) {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Invalid("body", err.Error()))
		return
	}
	body, mapping := template.ConvertNamedPlaceholders(req.Body)
	c.JSON(http.StatusOK, gin.H{"body": body, "mapping": mapping})
}

// writeError maps the error taxonomy onto status codes. Unknown errors are
// logged and reported without detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	var missing *template.MissingVariableError
	switch {
	case apperr.IsValidation(err) || errors.As(err, &missing):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
	case apperr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case apperr.IsCapacityExceeded(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "capacity_exceeded"})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "conflict"})
	default:
		h.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
}

func parseInt(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
