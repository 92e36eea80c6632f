package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lisan-5/file-processing-api/internal/core"
)

const maxStderrTail = 1024

// CommandRunner runs an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s execution: %w - %s", name, err, tail(strings.TrimSpace(stderr.String()), maxStderrTail))
	}
	return stdout.Bytes(), nil
}

// tail keeps the last n bytes of s, starting on a character boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

type MediaProcessor struct {
	outputDir   string
	ffmpegPath  string
	ffprobePath string
	preset      string
	crf         int
	run         CommandRunner
	logger      *slog.Logger
}

func NewMediaProcessor(cfg Config) *MediaProcessor {
	p := &MediaProcessor{
		outputDir:   cfg.OutputDir,
		ffmpegPath:  valueOrDefault(cfg.FFmpegPath, "ffmpeg"),
		ffprobePath: valueOrDefault(cfg.FFprobePath, "ffprobe"),
		preset:      valueOrDefault(cfg.Preset, "medium"),
		crf:         cfg.CRF,
		run:         execRunner,
		logger:      cfg.Logger,
	}
	if p.crf <= 0 {
		p.crf = 23
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(slog.String("component", "media"))
	return p
}

// WithRunner swaps the command runner, mostly for tests.
func (p *MediaProcessor) WithRunner(r CommandRunner) *MediaProcessor {
	p.run = r
	return p
}

func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Channels  int    `json:"channels"`
		Rate      string `json:"sample_rate"`
	} `json:"streams"`
}

func (p *MediaProcessor) probe(ctx context.Context, target string) (*probeOutput, error) {
	out, err := p.run(ctx, p.ffprobePath, "-v", "error", "-print_format", "json", "-show_format", "-show_streams", target)
	if err != nil {
		return nil, err
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &po, nil
}

// Probe reports container and stream information.
func (p *MediaProcessor) Probe(ctx context.Context, target string, _ core.Options) (core.Result, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	po, err := p.probe(ctx, target)
	if err != nil {
		return nil, err
	}

	res := core.Result{"format": po.Format.FormatName}
	if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		res["duration_seconds"] = d
	}
	if b, err := strconv.ParseInt(po.Format.BitRate, 10, 64); err == nil {
		res["bit_rate"] = b
	}
	if s, err := strconv.ParseInt(po.Format.Size, 10, 64); err == nil {
		res["size_bytes"] = s
	}
	streams := make([]map[string]any, 0, len(po.Streams))
	for _, s := range po.Streams {
		m := map[string]any{"type": s.CodecType, "codec": s.CodecName}
		switch s.CodecType {
		case "video":
			m["width"], m["height"] = s.Width, s.Height
			if _, ok := res["width"]; !ok {
				res["width"], res["height"] = s.Width, s.Height
			}
		case "audio":
			m["channels"] = s.Channels
			m["sample_rate"] = s.Rate
		}
		streams = append(streams, m)
	}
	res["streams"] = streams
	return res, nil
}

var videoCodecs = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
}

// Transcode re-encodes the target. Options: codec, container, preset, crf.
func (p *MediaProcessor) Transcode(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	codec := strings.ToLower(opts.String("codec", "h264"))
	encoder, ok := videoCodecs[codec]
	if !ok {
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	container := strings.TrimPrefix(strings.ToLower(opts.String("container", "mp4")), ".")
	switch container {
	case "mp4", "mkv", "webm", "mov":
	default:
		return nil, fmt.Errorf("unsupported container %q", container)
	}
	crf := opts.Int("crf", p.crf)
	if crf < 0 || crf > 51 {
		return nil, fmt.Errorf("crf must be between 0 and 51, got %d", crf)
	}
	preset := opts.String("preset", p.preset)

	out := outputFile(p.outputDir, target, "transcoded", container)
	args := []string{
		"-y",
		"-i", target,
		"-c:v", encoder,
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		"-c:a", "aac",
	}
	if container == "mp4" || container == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-nostats", out)

	if err := p.ffmpeg(ctx, out, args); err != nil {
		return nil, err
	}
	return core.Result{
		"output_path": out,
		"codec":       codec,
		"container":   container,
		"crf":         crf,
		"preset":      preset,
		"size_bytes":  fileSize(out),
	}, nil
}

var audioEncoders = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"wav":  "pcm_s16le",
	"flac": "flac",
	"ogg":  "libvorbis",
}

func (p *MediaProcessor) ExtractAudio(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	format := strings.ToLower(opts.String("format", "mp3"))
	encoder, ok := audioEncoders[format]
	if !ok {
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}
	out := outputFile(p.outputDir, target, "audio", format)
	args := []string{"-y", "-i", target, "-vn", "-c:a", encoder}
	if b := opts.String("bitrate", ""); b != "" {
		args = append(args, "-b:a", b)
	}
	args = append(args, "-nostats", out)

	if err := p.ffmpeg(ctx, out, args); err != nil {
		return nil, err
	}
	return core.Result{"output_path": out, "format": format, "size_bytes": fileSize(out)}, nil
}

// Thumbnail grabs one frame at the "at" offset in seconds.
func (p *MediaProcessor) Thumbnail(ctx context.Context, target string, opts core.Options) (core.Result, error) {
	if _, err := statTarget(target); err != nil {
		return nil, err
	}
	at := opts.Int("at", 1)
	if at < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}
	width := opts.Int("width", 320)
	if width <= 0 || width > maxImageDimension {
		return nil, fmt.Errorf("width must be between 1 and %d", maxImageDimension)
	}
	out := outputFile(p.outputDir, target, "thumbnail", "jpg")
	args := []string{
		"-y",
		"-ss", strconv.Itoa(at),
		"-i", target,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		"-nostats",
		out,
	}
	if err := p.ffmpeg(ctx, out, args); err != nil {
		return nil, err
	}
	return core.Result{"output_path": out, "width": width, "offset_seconds": at, "size_bytes": fileSize(out)}, nil
}

func (p *MediaProcessor) ffmpeg(ctx context.Context, out string, args []string) error {
	p.logger.Debug("running ffmpeg", slog.String("output", out), slog.Any("args", args))
	if _, err := p.run(ctx, p.ffmpegPath, args...); err != nil {
		os.Remove(out)
		return err
	}
	return nil
}
