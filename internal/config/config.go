package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Events   EventsConfig   `yaml:"events"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SubmitRate      float64       `yaml:"submit_rate"`
	SubmitBurst     int           `yaml:"submit_burst"`
}

type DatabaseConfig struct {
	Path            string `yaml:"path"`
	ArchivePath     string `yaml:"archive_path"`
	ArchiveDays     int    `yaml:"archive_days"`
	ArchiveSchedule string `yaml:"archive_schedule"`
}

type StorageConfig struct {
	UploadDir      string      `yaml:"upload_dir"`
	OutputDir      string      `yaml:"output_dir"`
	MaxUploadBytes int64       `yaml:"max_upload_bytes"`
	Minio          MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type QueueConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	RetainFinished int           `yaml:"retain_finished"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

type WebhooksConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
}

type EventsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RedisAddr string        `yaml:"redis_addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	Preset      string `yaml:"preset"`
	CRF         int    `yaml:"crf"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SubmitRate:      20,
			SubmitBurst:     40,
		},
		Database: DatabaseConfig{
			Path:            "./data/fileproc.db",
			ArchivePath:     "./data/archives",
			ArchiveDays:     30,
			ArchiveSchedule: "0 3 * * *",
		},
		Storage: StorageConfig{
			UploadDir:      "./data/uploads",
			OutputDir:      "./data/outputs",
			MaxUploadBytes: 100 << 20,
			Minio: MinioConfig{
				Bucket: "fileproc-artifacts",
			},
		},
		Queue: QueueConfig{
			Concurrency:    2,
			RetainFinished: 500,
		},
		Webhooks: WebhooksConfig{
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			Timeout:    10 * time.Second,
			Workers:    4,
			QueueSize:  256,
		},
		Events: EventsConfig{
			RedisAddr: "localhost:6379",
			Channel:   "fileproc:events",
			StatusTTL: 24 * time.Hour,
		},
		Media: MediaConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Preset:      "veryfast",
			CRF:         23,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configPath over the defaults and then applies FILEPROC_*
// environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	cfg := defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	num("FILEPROC_PORT", &cfg.Server.Port)
	if v := os.Getenv("FILEPROC_SUBMIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("FILEPROC_SUBMIT_RATE: %v", err))
		} else {
			cfg.Server.SubmitRate = f
		}
	}
	num("FILEPROC_SUBMIT_BURST", &cfg.Server.SubmitBurst)

	str("FILEPROC_DB_PATH", &cfg.Database.Path)
	str("FILEPROC_ARCHIVE_PATH", &cfg.Database.ArchivePath)
	num("FILEPROC_ARCHIVE_DAYS", &cfg.Database.ArchiveDays)
	str("FILEPROC_ARCHIVE_SCHEDULE", &cfg.Database.ArchiveSchedule)

	str("FILEPROC_UPLOAD_DIR", &cfg.Storage.UploadDir)
	str("FILEPROC_OUTPUT_DIR", &cfg.Storage.OutputDir)
	flag("FILEPROC_MINIO_ENABLED", &cfg.Storage.Minio.Enabled)
	str("FILEPROC_MINIO_ENDPOINT", &cfg.Storage.Minio.Endpoint)
	str("FILEPROC_MINIO_ACCESS_KEY", &cfg.Storage.Minio.AccessKey)
	str("FILEPROC_MINIO_SECRET_KEY", &cfg.Storage.Minio.SecretKey)
	str("FILEPROC_MINIO_BUCKET", &cfg.Storage.Minio.Bucket)
	flag("FILEPROC_MINIO_USE_SSL", &cfg.Storage.Minio.UseSSL)

	num("FILEPROC_CONCURRENCY", &cfg.Queue.Concurrency)
	num("FILEPROC_RETAIN_FINISHED", &cfg.Queue.RetainFinished)
	dur("FILEPROC_JOB_TIMEOUT", &cfg.Queue.JobTimeout)

	flag("FILEPROC_EVENTS_ENABLED", &cfg.Events.Enabled)
	str("FILEPROC_REDIS_ADDR", &cfg.Events.RedisAddr)
	str("FILEPROC_REDIS_PASSWORD", &cfg.Events.Password)
	num("FILEPROC_REDIS_DB", &cfg.Events.DB)
	str("FILEPROC_EVENTS_CHANNEL", &cfg.Events.Channel)

	str("FILEPROC_FFMPEG_PATH", &cfg.Media.FFmpegPath)
	str("FILEPROC_FFPROBE_PATH", &cfg.Media.FFprobePath)

	str("FILEPROC_LOG_LEVEL", &cfg.Logging.Level)
	str("FILEPROC_LOG_FORMAT", &cfg.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Server.SubmitRate < 0 {
		return fmt.Errorf("submit rate must be non-negative")
	}

	if c.Server.SubmitRate > 0 && c.Server.SubmitBurst < 1 {
		return fmt.Errorf("submit burst must be at least 1 when rate limiting is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Database.ArchiveSchedule != "" {
		if _, err := cron.ParseStandard(c.Database.ArchiveSchedule); err != nil {
			return fmt.Errorf("invalid archive schedule %q: %w", c.Database.ArchiveSchedule, err)
		}
	}

	if c.Storage.UploadDir == "" || c.Storage.OutputDir == "" {
		return fmt.Errorf("upload and output directories are required")
	}

	if c.Storage.MaxUploadBytes < 1 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	if c.Storage.Minio.Enabled {
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("minio endpoint and bucket are required when minio is enabled")
		}
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if c.Queue.RetainFinished < 0 {
		return fmt.Errorf("retain finished must be non-negative")
	}

	if c.Queue.JobTimeout < 0 {
		return fmt.Errorf("job timeout must be non-negative")
	}

	if c.Webhooks.MaxRetries < 0 || c.Webhooks.RetryDelay < 0 || c.Webhooks.Timeout < 0 {
		return fmt.Errorf("webhook retry settings must be non-negative")
	}

	if c.Webhooks.Workers < 1 || c.Webhooks.QueueSize < 1 {
		return fmt.Errorf("webhook workers and queue size must be at least 1")
	}

	if c.Events.Enabled && (c.Events.RedisAddr == "" || c.Events.Channel == "") {
		return fmt.Errorf("redis address and channel are required when events are enabled")
	}

	if c.Media.CRF < 0 || c.Media.CRF > 51 {
		return fmt.Errorf("media crf must be between 0 and 51, got %d", c.Media.CRF)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
