package notification

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"notiflow/internal/common"

	"github.com/gin-gonic/gin"
)

// WebhookVerifier authenticates an inbound provider webhook.
type WebhookVerifier interface {
	Verify(header http.Header, body []byte) error
}

// Handler handles HTTP requests for the notification domain.
type Handler struct {
	service  *Service
	verifier WebhookVerifier
}

// NewHandler creates a new notification handler. verifier may be nil, which
// accepts provider webhooks unsigned.
func NewHandler(service *Service, verifier WebhookVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// Create handles POST /api/v1/notifications
// Schedules a notification and returns 201 Created, or 200 OK with the
// existing record when the idempotency key was seen before.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		slog.Error("create notification failed",
			"error", err,
			"user_id", req.UserID,
			"kind", req.Kind,
		)
		common.HandleError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	common.Success(c, status, res.Notification)
}

// Get handles GET /api/v1/notifications/:id
func (h *Handler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, n)
}

// List handles GET /api/v1/notifications
func (h *Handler) List(c *gin.Context) {
	var filter ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid query parameters: "+err.Error())
		return
	}

	resp, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, resp)
}

// Cancel handles POST /api/v1/notifications/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	n, err := h.service.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	status := http.StatusOK
	if n.CancelRequested {
		status = http.StatusAccepted
	}
	common.Success(c, status, n)
}

// RecordInteraction handles POST /api/v1/notifications/:id/interactions
func (h *Handler) RecordInteraction(c *gin.Context) {
	var req InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	n, err := h.service.RecordInteraction(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, n)
}

// resendEvent is the subset of a Resend webhook payload the engine reads.
type resendEvent struct {
	Type string `json:"type"`
	Data struct {
		EmailID string `json:"email_id"`
		Click   struct {
			Link string `json:"link"`
		} `json:"click"`
		Bounce struct {
			Message string `json:"message"`
		} `json:"bounce"`
	} `json:"data"`
}

// ResendWebhook handles POST /api/v1/webhooks/resend
// Receives delivery receipts and engagement events from Resend.
func (h *Handler) ResendWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		common.Error(c, http.StatusBadRequest, "reading webhook body: "+err.Error())
		return
	}
	if h.verifier != nil {
		if err := h.verifier.Verify(c.Request.Header, body); err != nil {
			slog.Warn("webhook signature rejected", "error", err)
			common.HandleError(c, common.NewUnauthorizedError("invalid webhook signature"))
			return
		}
	}

	var event resendEvent
	if err := json.Unmarshal(body, &event); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}

	ev := EmailEvent{
		Type:       EmailEventType(event.Type),
		ProviderID: event.Data.EmailID,
		Link:       event.Data.Click.Link,
		Reason:     event.Data.Bounce.Message,
	}
	switch ev.Type {
	case EmailDelivered, EmailBounced, EmailComplained, EmailOpened, EmailClicked:
	default:
		// Acknowledge but ignore unhandled event types
		slog.Info("ignoring webhook event", "type", event.Type)
		common.Success(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.service.HandleEmailEvent(c.Request.Context(), ev); err != nil {
		slog.Error("webhook processing failed",
			"event_type", event.Type,
			"email_id", event.Data.EmailID,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, gin.H{"status": "processed"})
}

// ProcessDue handles POST /api/v1/admin/process-due
func (h *Handler) ProcessDue(c *gin.Context) {
	stats, err := h.service.ProcessDue(c.Request.Context())
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, stats)
}

// Cleanup handles POST /api/v1/admin/cleanup
func (h *Handler) Cleanup(c *gin.Context) {
	deleted, err := h.service.Cleanup(c.Request.Context())
	if err != nil {
		common.HandleError(c, err)
		return
	}
	common.Success(c, http.StatusOK, gin.H{"deleted": deleted})
}

// RegisterRoutes registers notification routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/notifications", h.Create)
	rg.GET("/notifications", h.List)
	rg.GET("/notifications/:id", h.Get)
	rg.POST("/notifications/:id/cancel", h.Cancel)
	rg.POST("/notifications/:id/interactions", h.RecordInteraction)
	rg.POST("/admin/process-due", h.ProcessDue)
	rg.POST("/admin/cleanup", h.Cleanup)
}

// RegisterWebhookRoutes registers provider callbacks. They authenticate by
// signature rather than API key.
func (h *Handler) RegisterWebhookRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/resend", h.ResendWebhook)
}
