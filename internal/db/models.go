package db

import (
	"time"
)

type File struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	StoredPath   string    `json:"stored_path"`
	Category     string    `json:"category"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobRecord is the persisted form of a job. Options and result are kept as
// raw JSON so the table does not depend on the core types.
type JobRecord struct {
	ID           string     `json:"id"`
	Category     string     `json:"category"`
	Operation    string     `json:"operation"`
	Target       string     `json:"target"`
	Priority     string     `json:"priority"`
	OptionsJSON  string     `json:"options_json,omitempty"`
	Status       string     `json:"status"`
	ResultJSON   string     `json:"result_json,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Settings the service owns. Neither is ever returned by the API.
const (
	SettingPasswordHash = "admin_password_hash"
	SettingSecretKey    = "secret_key"
)

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	DetailsJSON string    `json:"details_json"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

type ArchiveJob struct {
	ID            int64     `json:"id"`
	OriginalJobID string    `json:"original_job_id"`
	ArchiveFile   string    `json:"archive_file"`
	ArchivedAt    time.Time `json:"archived_at"`
}

type JobFilter struct {
	Status    string
	Category  string
	Operation string
	FromDate  *time.Time
	ToDate    *time.Time
	OrderBy   string
	OrderDir  string
	Limit     int
	Offset    int
}

type FileFilter struct {
	Category string
	Limit    int
	Offset   int
}

type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
}
