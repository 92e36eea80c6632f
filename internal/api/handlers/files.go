package handlers

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/processing"
)

type ListFilesQuery struct {
	Category string `form:"category"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset   int    `form:"offset" binding:"omitempty,min=0"`
}

type FileHandler struct {
	uploadDir string
	maxBytes  int64
	logger    *slog.Logger
}

func NewFileHandler(uploadDir string, maxBytes int64, logger *slog.Logger) (*FileHandler, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FileHandler{uploadDir: uploadDir, maxBytes: maxBytes, logger: logger}, nil
}

// Upload stores a multipart "file" field and records it. The extension
// decides the category, so unknown types are rejected up front.
func (h *FileHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("uploads are limited to %d bytes", h.maxBytes))
			return
		}
		abort(c, http.StatusBadRequest, "validation_error", "multipart field \"file\" is required")
		return
	}

	name := filepath.Base(header.Filename)
	category, ok := processing.CategoryForFile(name)
	if !ok {
		abort(c, http.StatusUnsupportedMediaType, "unsupported_type", fmt.Sprintf("cannot process %q files", filepath.Ext(name)))
		return
	}

	src, err := header.Open()
	if err != nil {
		internalError(c, "failed to read upload", err)
		return
	}
	defer src.Close()

	id := uuid.NewString()
	stored := filepath.Join(h.uploadDir, id+strings.ToLower(filepath.Ext(name)))
	dst, err := os.Create(stored)
	if err != nil {
		internalError(c, "failed to store upload", err)
		return
	}

	sum := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, sum), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(stored)
		internalError(c, "failed to store upload", err)
		return
	}

	f := &db.File{
		ID:           id,
		OriginalName: name,
		StoredPath:   stored,
		Category:     string(category),
		ContentType:  header.Header.Get("Content-Type"),
		SizeBytes:    size,
		Checksum:     hex.EncodeToString(sum.Sum(nil)),
	}
	if err := db.Files.CreateFile(c.Request.Context(), f); err != nil {
		os.Remove(stored)
		internalError(c, "failed to record upload", err)
		return
	}

	audit(c, h.logger, "file.upload", "file", id, gin.H{"name": name, "size": size})
	c.JSON(http.StatusCreated, f)
}

func (h *FileHandler) ListFiles(c *gin.Context) {
	var query ListFilesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abort(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}
	files, err := db.Files.ListFiles(c.Request.Context(), db.FileFilter{
		Category: query.Category,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
	if err != nil {
		internalError(c, "failed to list files", err)
		return
	}
	if files == nil {
		files = []*db.File{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (h *FileHandler) GetFile(c *gin.Context) {
	f, err := db.Files.GetFileByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			abort(c, http.StatusNotFound, "not_found", "file not found")
			return
		}
		internalError(c, "failed to load file", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *FileHandler) DeleteFile(c *gin.Context) {
	ctx := c.Request.Context()
	f, err := db.Files.GetFileByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			abort(c, http.StatusNotFound, "not_found", "file not found")
			return
		}
		internalError(c, "failed to load file", err)
		return
	}
	if err := db.Files.DeleteFile(ctx, f.ID); err != nil {
		internalError(c, "failed to delete file", err)
		return
	}
	if err := os.Remove(f.StoredPath); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("failed to remove stored upload", slog.String("path", f.StoredPath), slog.String("error", err.Error()))
	}
	audit(c, h.logger, "file.delete", "file", f.ID, nil)
	c.Status(http.StatusNoContent)
}

func (h *FileHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/files", h.Upload)
	r.GET("/files", h.ListFiles)
	r.GET("/files/:id", h.GetFile)
	r.DELETE("/files/:id", h.DeleteFile)
}
