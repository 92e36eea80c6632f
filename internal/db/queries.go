package db

const (
	InsertFile = `
		INSERT INTO files (id, original_name, stored_path, category, content_type, size_bytes, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	GetFileByID = `
		SELECT id, original_name, stored_path, category, content_type, size_bytes, checksum, created_at
		FROM files WHERE id = ?
	`

	DeleteFile = `DELETE FROM files WHERE id = ?`

	CountFiles = `SELECT COUNT(*) FROM files`
)

const (
	jobColumns = `id, category, operation, target, priority, options_json, status, result_json, error_message, submitted_at, started_at, finished_at`

	UpsertJob = `
		INSERT INTO job_history (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result_json = excluded.result_json,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM job_history WHERE id = ?`

	CountJobsByStatus = `
		SELECT status, COUNT(*) as count FROM job_history GROUP BY status
	`

	DeleteJob    = `DELETE FROM job_history WHERE id = ?`
	DeleteJobsIn = `DELETE FROM job_history WHERE id IN `

	GetJobsForArchival = `
		SELECT ` + jobColumns + `
		FROM job_history
		WHERE status IN ('completed', 'failed')
		AND finished_at IS NOT NULL
		AND finished_at < ?
		ORDER BY finished_at ASC
	`

	// Jobs still queued or processing when the process stopped never
	// reached a terminal event.
	MarkInterruptedJobs = `
		UPDATE job_history SET
			status = 'failed',
			error_message = ?,
			finished_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('queued', 'processing')
	`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ? WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetSetting = `SELECT value, encrypted, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	InsertSettingIfAbsent = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO NOTHING
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`

	ListSettings = `SELECT key, value, encrypted, updated_at FROM settings ORDER BY key ASC`
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, entity_type, entity_id, details_json, ip_address)
		VALUES (?, ?, ?, ?, ?)
	`
)

const (
	InsertArchiveJob = `
		INSERT INTO archive_jobs (original_job_id, archive_file)
		VALUES (?, ?)
	`

	GetArchiveJobByOriginalID = `
		SELECT id, original_job_id, archive_file, archived_at
		FROM archive_jobs WHERE original_job_id = ?
	`

	ListArchiveJobs = `
		SELECT id, original_job_id, archive_file, archived_at
		FROM archive_jobs ORDER BY archived_at DESC LIMIT ? OFFSET ?
	`

	CountArchiveJobsByFile = `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`

	DeleteArchiveJobByOriginalID = `DELETE FROM archive_jobs WHERE original_job_id = ?`

	DeleteArchiveJobsByFile = `DELETE FROM archive_jobs WHERE archive_file = ?`
)

const (
	InsertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`

	GetMigrationStatus = `
		SELECT version, applied_at FROM schema_migrations ORDER BY version ASC
	`

	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
