package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

func internalError(c *gin.Context, message string, err error) {
	c.Error(err)
	abort(c, http.StatusInternalServerError, "internal_error", message)
}

// audit records a mutating action. Failures are logged and never fail the
// request.
func audit(c *gin.Context, logger *slog.Logger, action, entityType, entityID string, details any) {
	entry := &db.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		IPAddress:  c.ClientIP(),
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			entry.DetailsJSON = string(b)
		}
	}
	if err := db.Audit.CreateAuditLog(context.WithoutCancel(c.Request.Context()), entry); err != nil {
		logger.Warn("failed to write audit log",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
