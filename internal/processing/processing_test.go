package processing

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lisan-5/file-processing-api/internal/core"
)

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	path := filepath.Join(dir, "photo.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegister_BindsEveryCategory(t *testing.T) {
	d := core.NewDispatcher()
	if err := Register(d, Config{OutputDir: filepath.Join(t.TempDir(), "out")}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		cat core.Category
		op  string
	}{
		{core.CategoryImage, "resize"},
		{core.CategoryImage, "metadata"},
		{core.CategoryDocument, "compress"},
		{core.CategoryDocument, "convert"},
		{core.CategoryMedia, "transcode"},
		{core.CategoryMedia, "probe"},
	} {
		if !d.Supports(c.cat, c.op) {
			t.Errorf("%s/%s not registered", c.cat, c.op)
		}
	}
	if d.Supports(core.CategoryMedia, "resize") {
		t.Error("media/resize should not be registered")
	}

	if err := Register(d, Config{}); err == nil {
		t.Error("expected error without output directory")
	}
}

func TestCategoryForFile(t *testing.T) {
	tests := map[string]core.Category{
		"a.PNG":      core.CategoryImage,
		"notes.md":   core.CategoryDocument,
		"clip.mp4":   core.CategoryMedia,
		"song.flac":  core.CategoryMedia,
		"data.csv":   core.CategoryDocument,
		"backup.zst": core.CategoryDocument,
	}
	for name, want := range tests {
		got, ok := CategoryForFile(name)
		if !ok || got != want {
			t.Errorf("CategoryForFile(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
	if _, ok := CategoryForFile("binary.exe"); ok {
		t.Error("unexpected category for .exe")
	}
}

func TestImage_ResizeKeepsAspect(t *testing.T) {
	dir := t.TempDir()
	p := &ImageProcessor{outputDir: dir}
	src := writePNG(t, dir, 200, 100)

	res, err := p.Resize(context.Background(), src, core.Options{"width": float64(50)})
	if err != nil {
		t.Fatal(err)
	}
	if res["width"] != 50 || res["height"] != 25 {
		t.Errorf("size = %vx%v, want 50x25", res["width"], res["height"])
	}
	out := res["output_path"].(string)
	if !strings.HasPrefix(filepath.Base(out), "photo-resized-") || filepath.Ext(out) != ".png" {
		t.Errorf("output path = %s", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("artifact missing: %v", err)
	}

	if _, err := p.Resize(context.Background(), src, core.Options{}); err == nil {
		t.Error("expected error without dimensions")
	}
}

func TestImage_ConvertRotateAndMetadata(t *testing.T) {
	dir := t.TempDir()
	p := &ImageProcessor{outputDir: dir}
	src := writePNG(t, dir, 40, 20)
	ctx := context.Background()

	res, err := p.Convert(ctx, src, core.Options{"format": "jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(res["output_path"].(string)) != ".jpg" {
		t.Errorf("convert output = %v", res["output_path"])
	}
	if _, err := p.Convert(ctx, src, core.Options{"format": "psd"}); err == nil {
		t.Error("expected unsupported format error")
	}

	res, err = p.Rotate(ctx, src, core.Options{"degrees": 90})
	if err != nil {
		t.Fatal(err)
	}
	if res["width"] != 20 || res["height"] != 40 {
		t.Errorf("rotated = %vx%v", res["width"], res["height"])
	}
	if _, err := p.Rotate(ctx, src, core.Options{"degrees": 45}); err == nil {
		t.Error("expected error for 45 degrees")
	}

	meta, err := p.Metadata(ctx, src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if meta["width"] != 40 || meta["format"] != "png" {
		t.Errorf("metadata = %v", meta)
	}
	if _, ok := meta["output_path"]; ok {
		t.Error("metadata should not write an artifact")
	}
}

func TestImage_CompressAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	p := &ImageProcessor{outputDir: dir}
	src := writePNG(t, dir, 64, 64)
	ctx := context.Background()

	res, err := p.Compress(ctx, src, core.Options{"quality": 30})
	if err != nil {
		t.Fatal(err)
	}
	if res["format"] != "jpg" || res["quality"] != 30 {
		t.Errorf("compress = %v", res)
	}
	if _, err := p.Compress(ctx, src, core.Options{"quality": 0}); err == nil {
		t.Error("expected quality error")
	}

	res, err = p.Thumbnail(ctx, src, core.Options{"size": 16})
	if err != nil {
		t.Fatal(err)
	}
	if res["width"] != 16 || res["height"] != 16 {
		t.Errorf("thumbnail = %v", res)
	}
}

func TestImage_MissingTarget(t *testing.T) {
	p := &ImageProcessor{outputDir: t.TempDir()}
	_, err := p.Grayscale(context.Background(), "/does/not/exist.png", nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not exist", err)
	}
}

func TestDocument_CompressRoundTrip(t *testing.T) {
	for _, algo := range []string{"gzip", "zstd"} {
		t.Run(algo, func(t *testing.T) {
			dir := t.TempDir()
			p := &DocumentProcessor{outputDir: dir}
			content := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200)
			src := writeFile(t, dir, "notes.txt", content)
			ctx := context.Background()

			res, err := p.Compress(ctx, src, core.Options{"algorithm": algo})
			if err != nil {
				t.Fatal(err)
			}
			if res["compressed_size"].(int64) >= res["original_size"].(int64) {
				t.Errorf("no size reduction: %v", res)
			}
			packed := res["output_path"].(string)

			res, err = p.Decompress(ctx, packed, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := os.ReadFile(res["output_path"].(string))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != content {
				t.Error("decompressed content differs")
			}
			if filepath.Ext(res["output_path"].(string)) != ".txt" {
				t.Errorf("decompressed path = %v", res["output_path"])
			}
		})
	}
}

func TestDocument_CompressRejectsUnknownAlgorithm(t *testing.T) {
	dir := t.TempDir()
	p := &DocumentProcessor{outputDir: dir}
	src := writeFile(t, dir, "a.txt", "x")
	if _, err := p.Compress(context.Background(), src, core.Options{"algorithm": "rar"}); err == nil {
		t.Error("expected error")
	}
	if _, err := p.Decompress(context.Background(), src, nil); err == nil {
		t.Error("expected error decompressing a .txt")
	}
}

func TestDocument_Extract(t *testing.T) {
	dir := t.TempDir()
	p := &DocumentProcessor{outputDir: dir}
	ctx := context.Background()

	csvPath := writeFile(t, dir, "people.csv", "name,age\nann,31\nbob,42\n")
	res, err := p.Extract(ctx, csvPath, core.Options{"preview_chars": 4})
	if err != nil {
		t.Fatal(err)
	}
	if res["rows"] != 3 || res["columns"] != 2 || res["lines"] != 3 || res["preview"] != "name" {
		t.Errorf("csv extract = %v", res)
	}

	jsonPath := writeFile(t, dir, "cfg.json", `{"b":1,"a":2}`)
	res, err = p.Extract(ctx, jsonPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	keys := res["keys"].([]string)
	if res["json_type"] != "object" || len(keys) != 2 || keys[0] != "a" {
		t.Errorf("json extract = %v", res)
	}

	if _, err := p.Extract(ctx, writeFile(t, dir, "x.bin", "\x00"), nil); err == nil {
		t.Error("expected unsupported type error")
	}
}

func TestDocument_Convert(t *testing.T) {
	dir := t.TempDir()
	p := &DocumentProcessor{outputDir: dir}
	ctx := context.Background()

	src := writeFile(t, dir, "people.csv", "name,age\nann,31\n")
	res, err := p.Convert(ctx, src, core.Options{"format": "json"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(res["output_path"].(string))
	var rows []map[string]string
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["name"] != "ann" || rows[0]["age"] != "31" {
		t.Errorf("rows = %v", rows)
	}

	md := writeFile(t, dir, "readme.md", "# Title\n\nSome **bold** and a [link](http://x).\n")
	res, err = p.Convert(ctx, md, core.Options{"format": "txt"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(res["output_path"].(string))
	if got := string(data); got != "Title\n\nSome bold and a link.\n" {
		t.Errorf("markdown to text = %q", got)
	}

	if _, err := p.Convert(ctx, src, core.Options{"format": "pdf"}); err == nil {
		t.Error("expected unsupported conversion error")
	}
}

type fakeRunner struct {
	calls  [][]string
	stdout []byte
	err    error
	create bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	if f.create && len(args) > 0 {
		os.WriteFile(args[len(args)-1], []byte("media"), 0644)
	}
	return f.stdout, nil
}

func newMedia(t *testing.T, r *fakeRunner) (*MediaProcessor, string) {
	t.Helper()
	dir := t.TempDir()
	p := NewMediaProcessor(Config{OutputDir: dir, FFmpegPath: "/opt/ffmpeg", Preset: "fast", CRF: 28}).WithRunner(r.run)
	return p, writeFile(t, dir, "clip.mp4", "not really a video")
}

func TestMedia_Probe(t *testing.T) {
	r := &fakeRunner{stdout: []byte(`{
		"format": {"format_name": "mov,mp4", "duration": "12.5", "bit_rate": "800000", "size": "1250000"},
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720},
			{"codec_type": "audio", "codec_name": "aac", "channels": 2, "sample_rate": "48000"}
		]}`)}
	p, src := newMedia(t, r)

	res, err := p.Probe(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res["duration_seconds"] != 12.5 || res["width"] != 1280 || res["format"] != "mov,mp4" {
		t.Errorf("probe = %v", res)
	}
	if n := len(res["streams"].([]map[string]any)); n != 2 {
		t.Errorf("streams = %d", n)
	}
	if r.calls[0][0] != "ffprobe" {
		t.Errorf("probe ran %q", r.calls[0][0])
	}
}

func TestMedia_TranscodeArguments(t *testing.T) {
	r := &fakeRunner{create: true}
	p, src := newMedia(t, r)

	res, err := p.Transcode(context.Background(), src, core.Options{"codec": "vp9", "container": "webm"})
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Join(r.calls[0], " ")
	for _, want := range []string{"/opt/ffmpeg", "-c:v libvpx-vp9", "-preset fast", "-crf 28"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "faststart") {
		t.Error("webm output should not set faststart")
	}
	if filepath.Ext(res["output_path"].(string)) != ".webm" || res["size_bytes"].(int64) == 0 {
		t.Errorf("result = %v", res)
	}

	if _, err := p.Transcode(context.Background(), src, core.Options{"codec": "mpeg1"}); err == nil {
		t.Error("expected unsupported codec error")
	}
	if _, err := p.Transcode(context.Background(), src, core.Options{"crf": 99}); err == nil {
		t.Error("expected crf range error")
	}
}

func TestMedia_FailureRemovesPartialOutput(t *testing.T) {
	r := &fakeRunner{err: errors.New("ffmpeg execution: exit status 1 - invalid data")}
	p, src := newMedia(t, r)

	_, err := p.ExtractAudio(context.Background(), src, core.Options{"format": "wav"})
	if err == nil || !strings.Contains(err.Error(), "invalid data") {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(p.outputDir)
	for _, e := range entries {
		if strings.Contains(e.Name(), "-audio-") {
			t.Errorf("partial output left behind: %s", e.Name())
		}
	}
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("ab", 3); got != "ab" {
		t.Errorf("tail = %q", got)
	}
	// "é" is two bytes; a two byte tail of "xaéb" must not start inside it.
	if got := tail("xaéb", 2); got != "b" || !utf8.ValidString(got) {
		t.Errorf("tail = %q", got)
	}
	if got := tail("ffmpeg: ошибка", 5); !utf8.ValidString(got) || !strings.HasSuffix("ffmpeg: ошибка", got) {
		t.Errorf("tail = %q", got)
	}
}
