// Package processing holds the image, document and media routines the
// queue dispatches to. Every routine reads its target from the local
// filesystem and writes artifacts under the configured output directory.
package processing

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lisan-5/file-processing-api/internal/core"
)

type Config struct {
	OutputDir   string
	FFmpegPath  string
	FFprobePath string
	Preset      string
	CRF         int
	Logger      *slog.Logger
}

// Register creates the output directory and binds every routine to d.
func Register(d *core.Dispatcher, cfg Config) error {
	if cfg.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	img := &ImageProcessor{outputDir: cfg.OutputDir}
	d.Register(core.CategoryImage, "resize", img.Resize)
	d.Register(core.CategoryImage, "thumbnail", img.Thumbnail)
	d.Register(core.CategoryImage, "convert", img.Convert)
	d.Register(core.CategoryImage, "compress", img.Compress)
	d.Register(core.CategoryImage, "rotate", img.Rotate)
	d.Register(core.CategoryImage, "grayscale", img.Grayscale)
	d.Register(core.CategoryImage, "metadata", img.Metadata)

	doc := &DocumentProcessor{outputDir: cfg.OutputDir}
	d.Register(core.CategoryDocument, "compress", doc.Compress)
	d.Register(core.CategoryDocument, "decompress", doc.Decompress)
	d.Register(core.CategoryDocument, "extract", doc.Extract)
	d.Register(core.CategoryDocument, "convert", doc.Convert)

	media := NewMediaProcessor(cfg)
	d.Register(core.CategoryMedia, "probe", media.Probe)
	d.Register(core.CategoryMedia, "transcode", media.Transcode)
	d.Register(core.CategoryMedia, "extract_audio", media.ExtractAudio)
	d.Register(core.CategoryMedia, "thumbnail", media.Thumbnail)

	cfg.Logger.Debug("processing routines registered", slog.Int("operations", len(d.Operations())))
	return nil
}

var categoryByExt = map[string]core.Category{
	".jpg": core.CategoryImage, ".jpeg": core.CategoryImage, ".png": core.CategoryImage,
	".gif": core.CategoryImage, ".bmp": core.CategoryImage, ".tif": core.CategoryImage,
	".tiff": core.CategoryImage,

	".txt": core.CategoryDocument, ".md": core.CategoryDocument, ".csv": core.CategoryDocument,
	".json": core.CategoryDocument, ".log": core.CategoryDocument, ".pdf": core.CategoryDocument,
	".gz": core.CategoryDocument, ".zst": core.CategoryDocument,

	".mp4": core.CategoryMedia, ".mov": core.CategoryMedia, ".mkv": core.CategoryMedia,
	".webm": core.CategoryMedia, ".avi": core.CategoryMedia, ".mp3": core.CategoryMedia,
	".wav": core.CategoryMedia, ".aac": core.CategoryMedia, ".flac": core.CategoryMedia,
	".ogg": core.CategoryMedia,
}

// CategoryForFile maps a file name to the category that can process it.
func CategoryForFile(name string) (core.Category, bool) {
	c, ok := categoryByExt[strings.ToLower(filepath.Ext(name))]
	return c, ok
}

// outputFile builds a unique artifact path such as
// <dir>/photo-thumbnail-1a2b3c4d.png.
func outputFile(dir, target, label, ext string) string {
	base := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s%s", base, label, uuid.NewString()[:8], ext))
}

func statTarget(target string) (os.FileInfo, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("target %s is a directory", target)
	}
	return info, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
