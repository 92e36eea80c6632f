package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Paused   bool   `json:"paused"`
	Active   int    `json:"active"`
	Queued   int    `json:"queued"`
}

// Health reports liveness plus a database ping. It is served without
// authentication.
func Health(queue *core.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		snap := queue.Snapshot()
		resp := HealthResponse{
			Status:   "ok",
			Database: "ok",
			Paused:   snap.Paused,
			Active:   snap.Active,
			Queued:   snap.Queued,
		}
		if err := db.GetDB().PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
