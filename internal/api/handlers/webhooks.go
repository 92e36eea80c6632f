package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/webhook"
)

// SecretSealer encrypts webhook secrets and the archive passphrase before
// they reach the database.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
}

type WebhookHandler struct {
	sender *webhook.WebhookSender
	sealer SecretSealer
	logger *slog.Logger
}

type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required"`
}

type UpdateWebhookRequest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url" binding:"omitempty,url"`
	Secret  *string  `json:"secret"`
	Events  []string `json:"events"`
	Enabled *bool    `json:"enabled"`
}

type WebhookResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	HasSecret bool      `json:"has_secret"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewWebhookHandler(sender *webhook.WebhookSender, sealer SecretSealer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{sender: sender, sealer: sealer, logger: logger}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	webhooks, err := db.Webhooks.ListWebhooks(c.Request.Context())
	if err != nil {
		internalError(c, "failed to retrieve webhooks", err)
		return
	}

	responses := make([]WebhookResponse, 0, len(webhooks))
	for _, w := range webhooks {
		responses = append(responses, webhookToResponse(w))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	eventsJSON, ok := h.encodeEvents(c, req.Events)
	if !ok {
		return
	}
	secret, err := h.seal(req.Secret)
	if err != nil {
		internalError(c, "failed to seal webhook secret", err)
		return
	}

	w := &db.Webhook{
		Name:       req.Name,
		URL:        req.URL,
		Secret:     secret,
		EventsJSON: eventsJSON,
		Enabled:    true,
	}
	if err := db.Webhooks.CreateWebhook(c.Request.Context(), w); err != nil {
		internalError(c, "failed to create webhook", err)
		return
	}
	w.CreatedAt = time.Now().UTC()

	audit(c, h.logger, "webhook.create", "webhook", strconv.FormatInt(w.ID, 10), gin.H{"url": w.URL})
	c.JSON(http.StatusCreated, webhookToResponse(w))
}

func (h *WebhookHandler) GetWebhook(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, webhookToResponse(w))
}

func (h *WebhookHandler) UpdateWebhook(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if req.Name != "" {
		w.Name = req.Name
	}
	if req.URL != "" {
		w.URL = req.URL
	}
	if req.Secret != nil {
		secret, err := h.seal(*req.Secret)
		if err != nil {
			internalError(c, "failed to seal webhook secret", err)
			return
		}
		w.Secret = secret
	}
	if req.Events != nil {
		eventsJSON, ok := h.encodeEvents(c, req.Events)
		if !ok {
			return
		}
		w.EventsJSON = eventsJSON
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}

	if err := db.Webhooks.UpdateWebhook(c.Request.Context(), w); err != nil {
		internalError(c, "failed to update webhook", err)
		return
	}
	audit(c, h.logger, "webhook.update", "webhook", strconv.FormatInt(w.ID, 10), nil)
	c.JSON(http.StatusOK, webhookToResponse(w))
}

func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	id, ok := parseWebhookID(c)
	if !ok {
		return
	}
	if err := db.Webhooks.DeleteWebhook(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			abort(c, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		internalError(c, "failed to delete webhook", err)
		return
	}
	audit(c, h.logger, "webhook.delete", "webhook", strconv.FormatInt(id, 10), nil)
	c.Status(http.StatusNoContent)
}

// TestWebhook delivers a single webhook.test payload. Delivery failures are
// reported in the body with a 200 so clients can show them.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	w, ok := h.load(c)
	if !ok {
		return
	}

	if err := h.sender.SendTest(c.Request.Context(), w.ID); err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("delivery failed: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "webhook delivered"})
}

func (h *WebhookHandler) load(c *gin.Context) (*db.Webhook, bool) {
	id, ok := parseWebhookID(c)
	if !ok {
		return nil, false
	}
	w, err := db.Webhooks.GetWebhookByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			abort(c, http.StatusNotFound, "not_found", "webhook not found")
			return nil, false
		}
		internalError(c, "failed to retrieve webhook", err)
		return nil, false
	}
	return w, true
}

func (h *WebhookHandler) seal(secret string) (string, error) {
	if secret == "" || h.sealer == nil {
		return secret, nil
	}
	return h.sealer.Seal(secret)
}

func (h *WebhookHandler) encodeEvents(c *gin.Context, events []string) (string, bool) {
	if len(events) == 0 {
		abort(c, http.StatusBadRequest, "validation_error", "at least one event must be specified")
		return "", false
	}
	for _, event := range events {
		if !core.ValidEventType(event) {
			abort(c, http.StatusBadRequest, "invalid_event", fmt.Sprintf("invalid event type: %s", event))
			return "", false
		}
	}
	b, err := json.Marshal(events)
	if err != nil {
		internalError(c, "failed to serialize events", err)
		return "", false
	}
	return string(b), true
}

func parseWebhookID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_id", "invalid webhook id")
		return 0, false
	}
	return id, true
}

func webhookToResponse(w *db.Webhook) WebhookResponse {
	var events []string
	if w.EventsJSON != "" {
		json.Unmarshal([]byte(w.EventsJSON), &events)
	}
	if events == nil {
		events = []string{}
	}
	return WebhookResponse{
		ID:        w.ID,
		Name:      w.Name,
		URL:       w.URL,
		Events:    events,
		HasSecret: w.Secret != "",
		Enabled:   w.Enabled,
		CreatedAt: w.CreatedAt,
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks/:id", h.GetWebhook)
	r.PUT("/webhooks/:id", h.UpdateWebhook)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}
