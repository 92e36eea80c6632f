// Package archive moves finished job history out of the main database into
// monthly encrypted sqlite files and restores single jobs on demand.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/utils"
)

const archiveExt = ".enc"

// Keys in the settings table that override the configured values. The
// passphrase is stored sealed.
const (
	SettingPassphrase = "archive_passphrase"
	SettingDays       = "archive_days"
)

// archiveMagic prefixes every archive file, followed by the scrypt salt
// and the sealed, zstd-compressed sqlite database.
var archiveMagic = []byte("FPA1")

var (
	ErrNoPassphrase    = errors.New("archive passphrase not set")
	ErrArchiveNotFound = errors.New("archive not found")
	ErrJobNotArchived  = errors.New("job not found in archives")
	ErrInvalidArchive  = errors.New("invalid archive file")
)

const archiveSchema = `
	CREATE TABLE IF NOT EXISTS job_history (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		operation TEXT NOT NULL,
		target TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		options_json TEXT,
		status TEXT NOT NULL,
		result_json TEXT,
		error_message TEXT,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS archive_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		archived_at DATETIME,
		source_database TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_archive_history_finished_at ON job_history(finished_at);
`

type Archiver struct {
	archivePath string
	archiveDays int
	passphrase  string
	schedule    cron.Schedule
	logger      *slog.Logger
	now         func() time.Time

	stopCh chan struct{}
	done   chan struct{}
	mu     sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	DateRange string    `json:"date_range"`
}

type ArchiveConfig struct {
	ArchivePath string
	ArchiveDays int
	Passphrase  string
	// Schedule is a standard five-field cron expression. Empty disables
	// the background run.
	Schedule string
	Logger   *slog.Logger
}

// RunResult describes one archival pass.
type RunResult struct {
	Filename string `json:"filename,omitempty"`
	Jobs     int    `json:"jobs"`
}

func NewArchiver(config ArchiveConfig) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var schedule cron.Schedule
	if config.Schedule != "" {
		s, err := cron.ParseStandard(config.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid archive schedule: %w", err)
		}
		schedule = s
	}

	if err := os.MkdirAll(config.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		passphrase:  config.Passphrase,
		schedule:    schedule,
		logger:      config.Logger.With(slog.String("component", "archive")),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start runs archival on the configured schedule until Stop is called.
func (a *Archiver) Start() {
	if a.schedule == nil {
		close(a.done)
		return
	}
	go a.runScheduled()
}

func (a *Archiver) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.done
}

func (a *Archiver) runScheduled() {
	defer close(a.done)
	for {
		next := a.schedule.Next(a.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-a.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			res, err := a.RunArchive(context.Background())
			switch {
			case errors.Is(err, ErrNoPassphrase):
				a.logger.Warn("skipping scheduled archive, no passphrase configured")
			case err != nil:
				a.logger.Error("scheduled archive failed", slog.String("error", err.Error()))
			case res.Jobs > 0:
				a.logger.Info("archived job history", slog.String("file", res.Filename), slog.Int("jobs", res.Jobs))
			}
		}
	}
}

// RunArchive moves every finished job older than the retention window into
// this month's archive file.
func (a *Archiver) RunArchive(ctx context.Context) (RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.passphrase == "" {
		return RunResult{}, ErrNoPassphrase
	}

	now := a.now()
	cutoff := now.AddDate(0, 0, -a.archiveDays)
	jobs, err := db.History.GetJobsForArchival(ctx, cutoff)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	if len(jobs) == 0 {
		return RunResult{}, nil
	}

	filename := fmt.Sprintf("archive_%s%s", now.UTC().Format("2006_01"), archiveExt)
	encPath := filepath.Join(a.archivePath, filename)

	tmpPath, err := a.tempDB()
	if err != nil {
		return RunResult{}, err
	}
	defer os.Remove(tmpPath)

	// An archive for this month may already exist; append to it.
	if _, err := os.Stat(encPath); err == nil {
		if err := a.decryptFile(encPath, tmpPath); err != nil {
			return RunResult{}, fmt.Errorf("failed to open existing archive: %w", err)
		}
	}

	if err := a.writeJobs(ctx, tmpPath, jobs, now); err != nil {
		return RunResult{}, fmt.Errorf("failed to write archive database: %w", err)
	}
	if err := a.encryptFile(tmpPath, encPath); err != nil {
		return RunResult{}, fmt.Errorf("failed to encrypt archive: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := db.Archive.MoveToArchive(ctx, ids, filename); err != nil {
		return RunResult{}, err
	}
	return RunResult{Filename: filename, Jobs: len(jobs)}, nil
}

func (a *Archiver) tempDB() (string, error) {
	f, err := os.CreateTemp("", "archive-*.db")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, nil
}

func (a *Archiver) writeJobs(ctx context.Context, path string, jobs []*db.JobRecord, now time.Time) error {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, archiveSchema); err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range jobs {
		if err := db.CopyJob(ctx, tx, j); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, now.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *Archiver) encryptFile(inputPath, outputPath string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(plain, nil)
	enc.Close()

	salt := make([]byte, utils.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := utils.DeriveKey(a.passphrase, salt)
	if err != nil {
		return err
	}
	sealed, err := utils.Seal(compressed, key)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(len(archiveMagic) + len(salt) + len(sealed))
	buf.Write(archiveMagic)
	buf.Write(salt)
	buf.Write(sealed)

	// Write beside the target and rename so a crash never leaves a
	// truncated archive.
	tmp := outputPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, outputPath)
}

func (a *Archiver) decryptFile(inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	if len(data) < len(archiveMagic)+utils.SaltSize || !bytes.Equal(data[:len(archiveMagic)], archiveMagic) {
		return ErrInvalidArchive
	}
	salt := data[len(archiveMagic) : len(archiveMagic)+utils.SaltSize]
	key, err := utils.DeriveKey(a.passphrase, salt)
	if err != nil {
		return err
	}
	compressed, err := utils.Open(data[len(archiveMagic)+utils.SaltSize:], key)
	if err != nil {
		return fmt.Errorf("wrong passphrase or corrupt archive: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress archive: %w", err)
	}
	return os.WriteFile(outputPath, plain, 0600)
}

// resolve guards against path traversal in user-supplied names.
func (a *Archiver) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || !strings.HasSuffix(filename, archiveExt) {
		return "", ErrArchiveNotFound
	}
	path := filepath.Join(a.archivePath, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrArchiveNotFound
		}
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	return path, nil
}

func dateRange(filename string) string {
	if !strings.HasPrefix(filename, "archive_") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(filename, "archive_"), archiveExt)
}

func (a *Archiver) ListArchives(ctx context.Context) ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), archiveExt) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		af := &ArchiveFile{
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			DateRange: dateRange(file.Name()),
		}
		if n, err := db.Archive.CountByFile(ctx, file.Name()); err == nil {
			af.JobCount = n
		}
		archives = append(archives, af)
	}
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	af := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		DateRange: dateRange(filename),
	}
	if n, err := db.Archive.CountByFile(ctx, filename); err == nil {
		af.JobCount = n
	}
	return af, nil
}

// DecryptArchive writes the plain sqlite database held in filename to
// outputPath.
func (a *Archiver) DecryptArchive(filename, outputPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.passphrase == "" {
		return ErrNoPassphrase
	}
	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := a.decryptFile(path, outputPath); err != nil {
		return fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return nil
}

// DeleteArchive removes the file and its job index. The jobs it held are
// gone for good.
func (a *Archiver) DeleteArchive(ctx context.Context, filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return db.Archive.DeleteByFile(ctx, filename)
}

// RestoreJob copies one archived job back into history. The archive file
// itself is left untouched.
func (a *Archiver) RestoreJob(ctx context.Context, jobID string) (*db.JobRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.passphrase == "" {
		return nil, ErrNoPassphrase
	}

	ref, err := db.Archive.GetArchiveJobByOriginalID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotArchived
		}
		return nil, err
	}

	path, err := a.resolve(ref.ArchiveFile)
	if err != nil {
		return nil, err
	}
	tmpPath, err := a.tempDB()
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	if err := a.decryptFile(path, tmpPath); err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}

	conn, err := sql.Open("sqlite3", tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	defer conn.Close()

	job, err := db.ReadJob(ctx, conn, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotArchived
		}
		return nil, fmt.Errorf("failed to query archived job: %w", err)
	}

	if err := db.Archive.RestoreFromArchive(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (a *Archiver) SetPassphrase(passphrase string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.passphrase = passphrase
}

func (a *Archiver) HasPassphrase() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.passphrase != ""
}

func (a *Archiver) SetArchiveDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archiveDays = days
}

func (a *Archiver) ArchivePath() string {
	return a.archivePath
}

func (a *Archiver) ArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}
