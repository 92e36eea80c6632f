package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lisan-5/file-processing-api/internal/archive"
	"github.com/lisan-5/file-processing-api/internal/db"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
	sealer   SecretSealer
	logger   *slog.Logger
}

func NewArchiveHandler(archiver *archive.Archiver, sealer SecretSealer, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, sealer: sealer, logger: logger}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

type ArchiveSettingsResponse struct {
	ArchivePath   string `json:"archive_path"`
	ArchiveDays   int    `json:"archive_days"`
	HasPassphrase bool   `json:"has_passphrase"`
}

type UpdateArchiveSettingsRequest struct {
	ArchiveDays int `json:"archive_days" binding:"required,min=1,max=3650"`
}

type PassphraseRequest struct {
	Passphrase string `json:"passphrase" binding:"required,min=8"`
}

type RestoreJobRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

func (h *ArchiveHandler) archiveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrNoPassphrase):
		abort(c, http.StatusBadRequest, "passphrase_required", "archive passphrase is not configured")
	case errors.Is(err, archive.ErrArchiveNotFound):
		abort(c, http.StatusNotFound, "not_found", "archive not found")
	case errors.Is(err, archive.ErrJobNotArchived):
		abort(c, http.StatusNotFound, "not_found", "job not found in archives")
	default:
		internalError(c, "archive operation failed", err)
	}
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		internalError(c, "failed to list archives", err)
		return
	}
	c.JSON(http.StatusOK, ArchiveListResponse{Archives: archives, Count: len(archives)})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.archiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DownloadArchive streams the decrypted sqlite database.
func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")

	tmp, err := os.CreateTemp("", "archive-download-*.db")
	if err != nil {
		internalError(c, "failed to create temp file", err)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := h.archiver.DecryptArchive(filename, tmpPath); err != nil {
		h.archiveError(c, err)
		return
	}

	c.FileAttachment(tmpPath, strings.TrimSuffix(filename, ".enc")+".db")
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.archiver.DeleteArchive(c.Request.Context(), filename); err != nil {
		h.archiveError(c, err)
		return
	}
	audit(c, h.logger, "archive.delete", "archive", filename, nil)
	c.Status(http.StatusNoContent)
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	res, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		h.archiveError(c, err)
		return
	}
	audit(c, h.logger, "archive.run", "archive", res.Filename, gin.H{"jobs": res.Jobs})
	c.JSON(http.StatusOK, res)
}

func (h *ArchiveHandler) RestoreJob(c *gin.Context) {
	var req RestoreJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	job, err := h.archiver.RestoreJob(c.Request.Context(), req.JobID)
	if err != nil {
		h.archiveError(c, err)
		return
	}
	audit(c, h.logger, "archive.restore", "job", job.ID, nil)
	c.JSON(http.StatusOK, job)
}

func (h *ArchiveHandler) GetArchiveSettings(c *gin.Context) {
	c.JSON(http.StatusOK, ArchiveSettingsResponse{
		ArchivePath:   h.archiver.ArchivePath(),
		ArchiveDays:   h.archiver.ArchiveDays(),
		HasPassphrase: h.archiver.HasPassphrase(),
	})
}

func (h *ArchiveHandler) UpdateArchiveSettings(c *gin.Context) {
	var req UpdateArchiveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := db.Settings.SetSetting(c.Request.Context(), archive.SettingDays, strconv.Itoa(req.ArchiveDays), false); err != nil {
		internalError(c, "failed to save archive settings", err)
		return
	}
	h.archiver.SetArchiveDays(req.ArchiveDays)
	audit(c, h.logger, "settings.archive", "settings", archive.SettingDays, gin.H{"archive_days": req.ArchiveDays})
	h.GetArchiveSettings(c)
}

// SetPassphrase stores the passphrase sealed and applies it immediately.
// Existing archives stay encrypted under the passphrase they were written
// with.
func (h *ArchiveHandler) SetPassphrase(c *gin.Context) {
	var req PassphraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	sealed, err := h.sealer.Seal(req.Passphrase)
	if err != nil {
		internalError(c, "failed to seal passphrase", err)
		return
	}
	if err := db.Settings.SetSetting(c.Request.Context(), archive.SettingPassphrase, sealed, true); err != nil {
		internalError(c, "failed to save passphrase", err)
		return
	}
	h.archiver.SetPassphrase(req.Passphrase)
	audit(c, h.logger, "settings.archive_passphrase", "settings", archive.SettingPassphrase, nil)
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("passphrase set for archives in %s", h.archiver.ArchivePath())})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives/run", h.TriggerArchive)
	r.POST("/archives/restore", h.RestoreJob)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/download", h.DownloadArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)

	r.GET("/settings/archive", h.GetArchiveSettings)
	r.PUT("/settings/archive", h.UpdateArchiveSettings)
	r.PUT("/settings/archive/passphrase", h.SetPassphrase)
}
