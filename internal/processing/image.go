package processing

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/lisan-5/file-processing-api/internal/core"
)

const (
	defaultThumbnailSize = 128
	defaultJPEGQuality   = 75
	maxImageDimension    = 16384
)

type ImageProcessor struct {
	outputDir string
}

func (p *ImageProcessor) open(target string) (image.Image, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	img, err := imaging.Open(target, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// outputFormat resolves the "format" option, falling back to the target's
// own extension.
func outputFormat(target string, opts core.Options) (string, imaging.Format, error) {
	ext := strings.TrimPrefix(strings.ToLower(opts.String("format", filepath.Ext(target))), ".")
	f, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return "", 0, fmt.Errorf("unsupported image format %q", ext)
	}
	return ext, f, nil
}

func (p *ImageProcessor) save(img image.Image, target, label string, opts core.Options, extra ...imaging.EncodeOption) (core.Result, error) {
	ext, _, err := outputFormat(target, opts)
	if err != nil {
		return nil, err
	}
	out := outputFile(p.outputDir, target, label, ext)
	if err := imaging.Save(img, out, extra...); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	b := img.Bounds()
	return core.Result{
		"output_path": out,
		"width":       b.Dx(),
		"height":      b.Dy(),
		"format":      ext,
		"size_bytes":  fileSize(out),
	}, nil
}

// Resize scales to width x height. A zero dimension keeps the aspect ratio.
func (p *ImageProcessor) Resize(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	w, h := opts.Int("width", 0), opts.Int("height", 0)
	if w < 0 || h < 0 || (w == 0 && h == 0) {
		return nil, fmt.Errorf("resize needs a positive width or height")
	}
	if w > maxImageDimension || h > maxImageDimension {
		return nil, fmt.Errorf("resize dimensions exceed %d pixels", maxImageDimension)
	}
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.save(imaging.Resize(img, w, h, imaging.Lanczos), target, "resized", opts)
}

func (p *ImageProcessor) Thumbnail(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	size := opts.Int("size", defaultThumbnailSize)
	if size <= 0 || size > maxImageDimension {
		return nil, fmt.Errorf("thumbnail size must be between 1 and %d", maxImageDimension)
	}
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.save(imaging.Thumbnail(img, size, size, imaging.Lanczos), target, "thumbnail", opts)
}

func (p *ImageProcessor) Convert(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	if opts.String("format", "") == "" {
		return nil, fmt.Errorf("convert needs a target format")
	}
	if _, _, err := outputFormat(target, opts); err != nil {
		return nil, err
	}
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.save(img, target, "converted", opts)
}

// Compress re-encodes as JPEG at the requested quality.
func (p *ImageProcessor) Compress(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	quality := opts.Int("quality", defaultJPEGQuality)
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("quality must be between 1 and 100, got %d", quality)
	}
	info, err := statTarget(target)
	if err != nil {
		return nil, err
	}
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := p.save(img, target, "compressed", core.Options{"format": "jpg"}, imaging.JPEGQuality(quality))
	if err != nil {
		return nil, err
	}
	res["quality"] = quality
	res["original_size"] = info.Size()
	if info.Size() > 0 {
		res["ratio"] = float64(res["size_bytes"].(int64)) / float64(info.Size())
	}
	return res, nil
}

// Rotate turns the image counter-clockwise by 90, 180 or 270 degrees.
func (p *ImageProcessor) Rotate(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	degrees := opts.Int("degrees", 90)
	var rotate func(image.Image) *image.NRGBA
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		rotate = imaging.Rotate90
	case 180:
		rotate = imaging.Rotate180
	case 270:
		rotate = imaging.Rotate270
	default:
		return nil, fmt.Errorf("rotation must be a multiple of 90 degrees, got %d", degrees)
	}
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.save(rotate(img), target, "rotated", opts)
}

func (p *ImageProcessor) Grayscale(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	img, err := p.open(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.save(imaging.Grayscale(img), target, "grayscale", opts)
}

// Metadata reads the header only and produces no artifact.
func (p *ImageProcessor) Metadata(_ context.Context, target string, _ core.Options) (core.Result, error) {
	info, err := statTarget(target)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	return core.Result{
		"width":      cfg.Width,
		"height":     cfg.Height,
		"format":     format,
		"size_bytes": info.Size(),
	}, nil
}
