package core

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

type Category string

const (
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryMedia    Category = "media"
)

// Categories lists the closed set of job categories.
var Categories = []Category{CategoryImage, CategoryDocument, CategoryMedia}

func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryImage, CategoryDocument, CategoryMedia:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalidSpec, s)
}

// Priority orders jobs across tiers. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority accepts high, normal or low. An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidSpec, s)
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Options is the opaque key-value bag handed to a processing routine.
type Options map[string]any

func (o Options) String(key, fallback string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return fallback
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Int reads numeric options. JSON numbers arrive as float64 and query
// parameters as strings, so both are accepted.
func (o Options) Int(key string, fallback int) int {
	switch t := o[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

func (o Options) Bool(key string, fallback bool) bool {
	switch t := o[key].(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return fallback
}

// Result is the collaborator-defined payload of a successful job.
type Result map[string]any

// JobSpec is what a producer submits. Priority defaults to normal.
type JobSpec struct {
	Category  Category
	Target    string
	Operation string
	Options   Options
	Priority  Priority
}

func (s JobSpec) Validate() error {
	if s.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidSpec)
	}
	if _, err := ParseCategory(string(s.Category)); err != nil {
		return err
	}
	if strings.TrimSpace(s.Operation) == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidSpec)
	}
	if s.Priority < PriorityLow || s.Priority > PriorityHigh {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidSpec, s.Priority)
	}
	return nil
}

// Job is owned by the Queue from submission until it reaches a terminal
// status. Callers only ever see JobStatus copies.
type Job struct {
	ID          string
	Category    Category
	Target      string
	Operation   string
	Options     Options
	Priority    Priority
	Status      Status
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      Result
	Error       string

	seq uint64
}

func newJob(id string, seq uint64, spec JobSpec, now time.Time) *Job {
	return &Job{
		ID:          id,
		Category:    spec.Category,
		Target:      spec.Target,
		Operation:   spec.Operation,
		Options:     maps.Clone(spec.Options),
		Priority:    spec.Priority,
		Status:      StatusQueued,
		SubmittedAt: now,
		seq:         seq,
	}
}

func (j *Job) start(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.StartedAt = &now
	return nil
}

func (j *Job) complete(result Result, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.Status = StatusCompleted
	j.FinishedAt = &now
	j.Result = result
	j.Error = ""
	return nil
}

func (j *Job) fail(msg string, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	j.Status = StatusFailed
	j.FinishedAt = &now
	j.Result = nil
	j.Error = msg
	return nil
}

// before reports whether j dispatches ahead of other: higher priority
// first, then submission order. Sequence numbers are unique, so this is a
// total order.
func (j *Job) before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	return j.seq < other.seq
}

// JobStatus is a point-in-time copy of a job.
type JobStatus struct {
	ID          string     `json:"id"`
	Category    Category   `json:"category"`
	Target      string     `json:"target"`
	Operation   string     `json:"operation"`
	Options     Options    `json:"options,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      Result     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (j *Job) snapshot() JobStatus {
	s := JobStatus{
		ID:          j.ID,
		Category:    j.Category,
		Target:      j.Target,
		Operation:   j.Operation,
		Options:     maps.Clone(j.Options),
		Priority:    j.Priority,
		Status:      j.Status,
		SubmittedAt: j.SubmittedAt,
		Result:      maps.Clone(j.Result),
		Error:       j.Error,
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		s.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

// Duration is the execution time of a finished job, zero otherwise.
func (s JobStatus) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}
