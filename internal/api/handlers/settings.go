package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/config"
	"github.com/lisan-5/file-processing-api/internal/db"
)

// Settings that must never leave the server, even sealed.
var hiddenSettings = map[string]bool{
	db.SettingPasswordHash: true,
	db.SettingSecretKey:    true,
}

type SettingsHandler struct {
	config *config.Config
}

type ServerConfigResponse struct {
	Port            int     `json:"port"`
	DatabasePath    string  `json:"database_path"`
	ArchivePath     string  `json:"archive_path"`
	ArchiveSchedule string  `json:"archive_schedule"`
	UploadDir       string  `json:"upload_dir"`
	OutputDir       string  `json:"output_dir"`
	MaxUploadBytes  int64   `json:"max_upload_bytes"`
	Concurrency     int     `json:"concurrency"`
	RetainFinished  int     `json:"retain_finished"`
	JobTimeout      string  `json:"job_timeout"`
	SubmitRate      float64 `json:"submit_rate"`
	WebhookRetries  int     `json:"webhook_max_retries"`
	WebhookDelay    string  `json:"webhook_retry_delay"`
	EventsEnabled   bool    `json:"events_enabled"`
	MinioEnabled    bool    `json:"minio_enabled"`
	LogLevel        string  `json:"log_level"`
	LogFormat       string  `json:"log_format"`
}

type SettingResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	Encrypted bool   `json:"encrypted"`
	UpdatedAt string `json:"updated_at"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

// GetSettings lists runtime overrides. Sealed values are reported by key
// only.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	settings, err := db.Settings.ListSettings(c.Request.Context())
	if err != nil {
		internalError(c, "failed to list settings", err)
		return
	}
	resp := make([]SettingResponse, 0, len(settings))
	for _, s := range settings {
		if hiddenSettings[s.Key] {
			continue
		}
		r := SettingResponse{
			Key:       s.Key,
			Encrypted: s.Encrypted,
			UpdatedAt: s.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if !s.Encrypted {
			r.Value = s.Value
		}
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, gin.H{"settings": resp})
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	c.JSON(http.StatusOK, ServerConfigResponse{
		Port:            cfg.Server.Port,
		DatabasePath:    cfg.Database.Path,
		ArchivePath:     cfg.Database.ArchivePath,
		ArchiveSchedule: cfg.Database.ArchiveSchedule,
		UploadDir:       cfg.Storage.UploadDir,
		OutputDir:       cfg.Storage.OutputDir,
		MaxUploadBytes:  cfg.Storage.MaxUploadBytes,
		Concurrency:     cfg.Queue.Concurrency,
		RetainFinished:  cfg.Queue.RetainFinished,
		JobTimeout:      cfg.Queue.JobTimeout.String(),
		SubmitRate:      cfg.Server.SubmitRate,
		WebhookRetries:  cfg.Webhooks.MaxRetries,
		WebhookDelay:    cfg.Webhooks.RetryDelay.String(),
		EventsEnabled:   cfg.Events.Enabled,
		MinioEnabled:    cfg.Storage.Minio.Enabled,
		LogLevel:        cfg.Logging.Level,
		LogFormat:       cfg.Logging.Format,
	})
}

type ListAuditQuery struct {
	Action     string `form:"action"`
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

func (h *SettingsHandler) ListAudit(c *gin.Context) {
	var query ListAuditQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if query.Limit <= 0 {
		query.Limit = 100
	}
	logs, err := db.Audit.ListAuditLogs(c.Request.Context(), db.AuditFilter{
		Action:     query.Action,
		EntityType: query.EntityType,
		EntityID:   query.EntityID,
	}, query.Limit, query.Offset)
	if err != nil {
		internalError(c, "failed to list audit log", err)
		return
	}
	if logs == nil {
		logs = []*db.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs, "count": len(logs)})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.GET("/settings/server", h.GetServerConfig)
	r.GET("/audit", h.ListAudit)
}
