package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

type FileOperations struct{}

func (o *FileOperations) CreateFile(ctx context.Context, f *File) error {
	_, err := GetDB().ExecContext(ctx, InsertFile,
		f.ID, f.OriginalName, f.StoredPath, f.Category, f.ContentType, f.SizeBytes, f.Checksum)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

func (o *FileOperations) GetFileByID(ctx context.Context, id string) (*File, error) {
	f := &File{}
	var contentType, checksum sql.NullString
	err := GetDB().QueryRowContext(ctx, GetFileByID, id).Scan(
		&f.ID, &f.OriginalName, &f.StoredPath, &f.Category,
		&contentType, &f.SizeBytes, &checksum, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	f.ContentType = contentType.String
	f.Checksum = checksum.String
	return f, nil
}

func (o *FileOperations) ListFiles(ctx context.Context, filter FileFilter) ([]*File, error) {
	query := "SELECT id, original_name, stored_path, category, content_type, size_bytes, checksum, created_at FROM files"
	var args []any
	if filter.Category != "" {
		query += " WHERE category = ?"
		args = append(args, filter.Category)
	}
	limit := 100
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		var contentType, checksum sql.NullString
		if err := rows.Scan(
			&f.ID, &f.OriginalName, &f.StoredPath, &f.Category,
			&contentType, &f.SizeBytes, &checksum, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		f.ContentType = contentType.String
		f.Checksum = checksum.String
		files = append(files, f)
	}
	return files, rows.Err()
}

func (o *FileOperations) DeleteFile(ctx context.Context, id string) error {
	result, err := GetDB().ExecContext(ctx, DeleteFile, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type HistoryOperations struct{}

// UpsertJob inserts a job row or updates its mutable columns.
func (o *HistoryOperations) UpsertJob(ctx context.Context, j *JobRecord) error {
	return upsertJob(ctx, GetDB(), j)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertJob(ctx context.Context, e execer, j *JobRecord) error {
	_, err := e.ExecContext(ctx, UpsertJob,
		j.ID, j.Category, j.Operation, j.Target, j.Priority, nullString(j.OptionsJSON),
		j.Status, nullString(j.ResultJSON), nullString(j.ErrorMessage),
		j.SubmittedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (o *HistoryOperations) GetJobByID(ctx context.Context, id string) (*JobRecord, error) {
	j, err := scanJob(GetDB().QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

var jobOrderColumns = map[string]string{
	"submitted_at": "submitted_at",
	"started_at":   "started_at",
	"finished_at":  "finished_at",
	"status":       "status",
	"operation":    "operation",
}

func (o *HistoryOperations) ListJobs(ctx context.Context, filter JobFilter) ([]*JobRecord, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, filter.Operation)
	}
	if filter.FromDate != nil {
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, filter.FromDate.UTC())
	}
	if filter.ToDate != nil {
		conditions = append(conditions, "submitted_at <= ?")
		args = append(args, filter.ToDate.UTC())
	}

	orderBy := "submitted_at"
	if col, ok := jobOrderColumns[filter.OrderBy]; ok {
		orderBy = col
	}
	orderDir := "DESC"
	if strings.EqualFold(filter.OrderDir, "asc") {
		orderDir = "ASC"
	}

	query := "SELECT " + jobColumns + " FROM job_history"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id ASC", orderBy, orderDir)

	limit := 100
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountJobsByStatus returns the number of recorded jobs per status.
func (o *HistoryOperations) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := GetDB().QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (o *HistoryOperations) DeleteJob(ctx context.Context, id string) error {
	_, err := GetDB().ExecContext(ctx, DeleteJob, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// deleteBatch stays under sqlite's bound-parameter limit.
const deleteBatch = 500

// DeleteJobs removes every listed job in one transaction.
func (o *HistoryOperations) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += deleteBatch {
		chunk := ids[start:min(start+deleteBatch, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := DeleteJobsIn + "(?" + strings.Repeat(",?", len(chunk)-1) + ")"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return nil
}

func (o *HistoryOperations) GetJobsForArchival(ctx context.Context, cutoff time.Time) ([]*JobRecord, error) {
	rows, err := GetDB().QueryContext(ctx, GetJobsForArchival, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkInterrupted fails every job left non-terminal by a previous run and
// returns how many rows changed.
func (o *HistoryOperations) MarkInterrupted(ctx context.Context, reason string, at time.Time) (int64, error) {
	result, err := GetDB().ExecContext(ctx, MarkInterruptedJobs, reason, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted jobs: %w", err)
	}
	return result.RowsAffected()
}

// CopyJob writes j into another database that carries a job_history
// table, such as a monthly archive file.
func CopyJob(ctx context.Context, tx *sql.Tx, j *JobRecord) error {
	return upsertJob(ctx, tx, j)
}

// ReadJob loads a job row from conn rather than the main database.
func ReadJob(ctx context.Context, conn *sql.DB, id string) (*JobRecord, error) {
	return scanJob(conn.QueryRowContext(ctx, GetJobByID, id))
}

func scanJob(s scanner) (*JobRecord, error) {
	j := &JobRecord{}
	var options, result, errMsg sql.NullString
	if err := s.Scan(
		&j.ID, &j.Category, &j.Operation, &j.Target, &j.Priority, &options,
		&j.Status, &result, &errMsg, &j.SubmittedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	j.OptionsJSON = options.String
	j.ResultJSON = result.String
	j.ErrorMessage = errMsg.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*JobRecord, error) {
	var jobs []*JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type WebhookOperations struct{}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	result, err := GetDB().ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w, err := scanWebhook(GetDB().QueryRowContext(ctx, GetWebhookByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := GetDB().QueryContext(ctx, ListWebhooks)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	return scanWebhooks(rows)
}

// ListActiveWebhooksForEvent returns enabled webhooks whose event list
// contains event.
func (o *WebhookOperations) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	pattern := "%\"" + event + "\"%"
	rows, err := GetDB().QueryContext(ctx, ListWebhooksForEvent, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for event: %w", err)
	}
	defer rows.Close()

	return scanWebhooks(rows)
}

func (o *WebhookOperations) UpdateWebhook(ctx context.Context, w *Webhook) error {
	result, err := GetDB().ExecContext(ctx, UpdateWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	result, err := GetDB().ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanWebhook(s scanner) (*Webhook, error) {
	w := &Webhook{}
	var secret sql.NullString
	if err := s.Scan(&w.ID, &w.Name, &w.URL, &secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Secret = secret.String
	return w, nil
}

func scanWebhooks(rows *sql.Rows) ([]*Webhook, error) {
	var webhooks []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

type SettingsOperations struct{}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := GetDB().QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := GetDB().ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// CreateSetting stores value only if key is unset and reports whether it
// did.
func (o *SettingsOperations) CreateSetting(ctx context.Context, key, value string, encrypted bool) (bool, error) {
	result, err := GetDB().ExecContext(ctx, InsertSettingIfAbsent, key, value, encrypted)
	if err != nil {
		return false, fmt.Errorf("failed to create setting: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create setting: %w", err)
	}
	return n == 1, nil
}

// GetOrCreateKey returns the hex-encoded key stored under name, storing a
// fresh one from generate on first use. Concurrent first calls agree on
// the same key.
func (o *SettingsOperations) GetOrCreateKey(ctx context.Context, name string, generate func() []byte) ([]byte, error) {
	if _, err := o.CreateSetting(ctx, name, hex.EncodeToString(generate()), false); err != nil {
		return nil, err
	}
	s, err := o.GetSetting(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(s.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return key, nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := GetDB().ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) ListSettings(ctx context.Context) ([]*Setting, error) {
	rows, err := GetDB().QueryContext(ctx, ListSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		s := &Setting{}
		if err := rows.Scan(&s.Key, &s.Value, &s.Encrypted, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

type AuditOperations struct{}

func (o *AuditOperations) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	result, err := GetDB().ExecContext(ctx, InsertAuditLog,
		log.Action, log.EntityType, log.EntityID, log.DetailsJSON, log.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit log id: %w", err)
	}
	log.ID = id
	return nil
}

func (o *AuditOperations) ListAuditLogs(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditLog, error) {
	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT id, action, entity_type, entity_id, details_json, ip_address, created_at FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		log := &AuditLog{}
		var entityID, details, ip sql.NullString
		if err := rows.Scan(
			&log.ID, &log.Action, &log.EntityType, &entityID,
			&details, &ip, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.EntityID = entityID.String
		log.DetailsJSON = details.String
		log.IPAddress = ip.String
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type ArchiveOperations struct{}

// MoveToArchive deletes jobs from history and records which archive file
// now holds them, in one transaction.
func (o *ArchiveOperations) MoveToArchive(ctx context.Context, jobIDs []string, archiveFile string) error {
	tx, err := GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range jobIDs {
		if _, err := tx.ExecContext(ctx, DeleteJob, id); err != nil {
			return fmt.Errorf("failed to delete archived job %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, InsertArchiveJob, id, archiveFile); err != nil {
			return fmt.Errorf("failed to record archived job %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

// RestoreFromArchive puts a job back into history and drops its archive
// record.
func (o *ArchiveOperations) RestoreFromArchive(ctx context.Context, j *JobRecord) error {
	tx, err := GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin restore transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertJob(ctx, tx, j); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, DeleteArchiveJobByOriginalID, j.ID); err != nil {
		return fmt.Errorf("failed to remove archive record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore transaction: %w", err)
	}
	return nil
}

func (o *ArchiveOperations) GetArchiveJobByOriginalID(ctx context.Context, jobID string) (*ArchiveJob, error) {
	a := &ArchiveJob{}
	err := GetDB().QueryRowContext(ctx, GetArchiveJobByOriginalID, jobID).Scan(
		&a.ID, &a.OriginalJobID, &a.ArchiveFile, &a.ArchivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get archive job: %w", err)
	}
	return a, nil
}

func (o *ArchiveOperations) GetArchiveJobs(ctx context.Context, limit, offset int) ([]*ArchiveJob, error) {
	rows, err := GetDB().QueryContext(ctx, ListArchiveJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get archive jobs: %w", err)
	}
	defer rows.Close()

	var archives []*ArchiveJob
	for rows.Next() {
		a := &ArchiveJob{}
		if err := rows.Scan(&a.ID, &a.OriginalJobID, &a.ArchiveFile, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (o *ArchiveOperations) CountByFile(ctx context.Context, archiveFile string) (int, error) {
	var count int
	if err := GetDB().QueryRowContext(ctx, CountArchiveJobsByFile, archiveFile).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archive jobs: %w", err)
	}
	return count, nil
}

func (o *ArchiveOperations) DeleteByFile(ctx context.Context, archiveFile string) error {
	if _, err := GetDB().ExecContext(ctx, DeleteArchiveJobsByFile, archiveFile); err != nil {
		return fmt.Errorf("failed to delete archive job records: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	Files    = &FileOperations{}
	History  = &HistoryOperations{}
	Webhooks = &WebhookOperations{}
	Settings = &SettingsOperations{}
	Audit    = &AuditOperations{}
	Archive  = &ArchiveOperations{}
)
