package processing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/lisan-5/file-processing-api/internal/core"
)

const (
	defaultPreviewChars = 200
	maxTextDocument     = 64 << 20
)

type DocumentProcessor struct {
	outputDir string
}

// ctxReader stops copying once the job's context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Compress writes a gzip or zstd copy of the target.
func (p *DocumentProcessor) Compress(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	info, err := statTarget(target)
	if err != nil {
		return nil, err
	}
	algorithm := strings.ToLower(opts.String("algorithm", "gzip"))
	level := opts.Int("level", 0)

	var ext string
	var newWriter func(io.Writer) (io.WriteCloser, error)
	switch algorithm {
	case "gzip", "gz":
		algorithm, ext = "gzip", ".gz"
		if level == 0 {
			level = gzip.DefaultCompression
		}
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			return nil, fmt.Errorf("gzip level must be between %d and %d", gzip.HuffmanOnly, gzip.BestCompression)
		}
		newWriter = func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriterLevel(w, level) }
	case "zstd", "zst":
		algorithm, ext = "zstd", ".zst"
		zl := zstd.SpeedDefault
		if level != 0 {
			zl = zstd.EncoderLevelFromZstd(level)
		}
		newWriter = func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w, zstd.WithEncoderLevel(zl)) }
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q (valid: gzip, zstd)", algorithm)
	}

	out := outputFile(p.outputDir, target, "compressed", filepath.Ext(target)+ext)

	if err := p.transform(ctx, target, out, func(dst io.Writer, src io.Reader) error {
		zw, err := newWriter(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}); err != nil {
		return nil, fmt.Errorf("%s compress: %w", algorithm, err)
	}

	compressed := fileSize(out)
	res := core.Result{
		"output_path":     out,
		"algorithm":       algorithm,
		"original_size":   info.Size(),
		"compressed_size": compressed,
	}
	if info.Size() > 0 {
		res["ratio"] = float64(compressed) / float64(info.Size())
	}
	return res, nil
}

// Decompress reverses Compress based on the .gz or .zst extension.
func (p *DocumentProcessor) Decompress(ctx context.Context, target string, _ core.Options) (core.Result, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(target))
	var newReader func(io.Reader) (io.ReadCloser, error)
	switch ext {
	case ".gz":
		newReader = func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }
	case ".zst":
		newReader = func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}
	default:
		return nil, fmt.Errorf("cannot decompress %s files", ext)
	}

	inner := strings.TrimSuffix(target, filepath.Ext(target))
	innerExt := filepath.Ext(inner)
	if innerExt == "" {
		innerExt = ".out"
	}
	out := outputFile(p.outputDir, inner, "decompressed", innerExt)
	err := p.transform(ctx, target, out, func(dst io.Writer, src io.Reader) error {
		zr, err := newReader(src)
		if err != nil {
			return err
		}
		defer zr.Close()
		_, err = io.Copy(dst, zr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return core.Result{"output_path": out, "size_bytes": fileSize(out)}, nil
}

func (p *DocumentProcessor) transform(ctx context.Context, target, out string, fn func(io.Writer, io.Reader) error) error {
	src, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	w := bufio.NewWriter(dst)
	if err := fn(w, ctxReader{ctx: ctx, r: bufio.NewReader(src)}); err != nil {
		dst.Close()
		os.Remove(out)
		return err
	}
	if err := w.Flush(); err != nil {
		dst.Close()
		os.Remove(out)
		return err
	}
	return dst.Close()
}

func readText(target string) ([]byte, error) {
	info, err := statTarget(target)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxTextDocument {
		return nil, fmt.Errorf("document is %d bytes, limit is %d", info.Size(), maxTextDocument)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("document is not valid UTF-8 text")
	}
	return data, nil
}

// Extract reports text statistics plus a preview, and structure for CSV
// and JSON documents.
func (p *DocumentProcessor) Extract(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	ext := strings.ToLower(filepath.Ext(target))
	switch ext {
	case ".txt", ".md", ".csv", ".json", ".log":
	default:
		return nil, fmt.Errorf("unsupported document type %q for extract", ext)
	}
	data, err := readText(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := string(data)
	res := core.Result{
		"type":       strings.TrimPrefix(ext, "."),
		"size_bytes": len(data),
		"lines":      countLines(text),
		"words":      len(strings.Fields(text)),
		"characters": utf8.RuneCountInString(text),
		"preview":    preview(text, opts.Int("preview_chars", defaultPreviewChars)),
	}

	switch ext {
	case ".csv":
		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		res["rows"] = len(records)
		if len(records) > 0 {
			res["columns"] = len(records[0])
			res["header"] = records[0]
		}
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			res["json_type"] = "object"
			res["keys"] = keys
		case []any:
			res["json_type"] = "array"
			res["items"] = len(t)
		default:
			res["json_type"] = "scalar"
		}
	}

	if opts.Bool("write_text", false) {
		out := outputFile(p.outputDir, target, "text", ".txt")
		if err := os.WriteFile(out, data, 0644); err != nil {
			return nil, fmt.Errorf("write text: %w", err)
		}
		res["output_path"] = out
	}
	return res, nil
}

// Convert supports csv->json, txt/md/log->json, md->txt and json->txt.
func (p *DocumentProcessor) Convert(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	format := strings.ToLower(opts.String("format", ""))
	ext := strings.ToLower(filepath.Ext(target))
	data, err := readText(target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	switch {
	case format == "json" && ext == ".csv":
		out, err = csvToJSON(data)
	case format == "json" && (ext == ".txt" || ext == ".md" || ext == ".log"):
		out, err = json.MarshalIndent(map[string]any{
			"source": filepath.Base(target),
			"lines":  strings.Split(strings.TrimRight(string(data), "\n"), "\n"),
		}, "", "  ")
	case format == "txt" && ext == ".md":
		out = []byte(stripMarkdown(string(data)))
	case format == "txt" && ext == ".json":
		var buf bytes.Buffer
		if err = json.Indent(&buf, data, "", "  "); err == nil {
			out = buf.Bytes()
		}
	default:
		return nil, fmt.Errorf("cannot convert %s to %q", ext, format)
	}
	if err != nil {
		return nil, fmt.Errorf("convert %s to %s: %w", ext, format, err)
	}

	path := outputFile(p.outputDir, target, "converted", "."+format)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	return core.Result{"output_path": path, "format": format, "size_bytes": int64(len(out))}, nil
}

func csvToJSON(data []byte) ([]byte, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]string, 0, len(records))
	if len(records) > 0 {
		header := records[0]
		for _, rec := range records[1:] {
			row := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(rec) {
					row[h] = rec[i]
				}
			}
			rows = append(rows, row)
		}
	}
	return json.MarshalIndent(rows, "", "  ")
}

var (
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdLink    = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdEmph    = regexp.MustCompile("(\\*\\*|__|\\*|_|`)")
	mdQuote   = regexp.MustCompile(`(?m)^>\s?`)
	mdBullet  = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
)

func stripMarkdown(s string) string {
	s = mdHeading.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	return mdEmph.ReplaceAllString(s, "")
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
