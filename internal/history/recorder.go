// Package history persists job lifecycle events to the job_history table
// and answers aggregate questions about them.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
)

const (
	defaultBuffer = 1024
	// sendTimeout bounds how long Notify waits on a full buffer.
	sendTimeout = 5 * time.Second
)

// Recorder is a core.Notifier that writes every event to sqlite from one
// background goroutine. When the buffer is full Notify waits up to
// sendTimeout for room before dropping the event with a warning.
type Recorder struct {
	logger      *slog.Logger
	events      chan core.Event
	done        chan struct{}
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(logger *slog.Logger, buffer int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Recorder{
		logger:      logger.With(slog.String("component", "history")),
		events:      make(chan core.Event, buffer),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
	}
	go r.run()
	return r
}

func (r *Recorder) Notify(e core.Event) {
	if !recordable(e) {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
		return
	default:
	}

	timer := time.NewTimer(r.sendTimeout)
	defer timer.Stop()
	select {
	case r.events <- e:
	case <-timer.C:
		r.logger.Warn("history buffer full, dropping event",
			slog.String("job_id", e.Job.ID),
			slog.String("event", string(e.Type)),
		)
	}
}

func recordable(e core.Event) bool {
	if e.Type == core.EventQueueCleared {
		return len(e.Removed) > 0
	}
	return e.Job.ID != ""
}

// Close stops accepting events and waits until buffered ones are written
// or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.events {
		if err := r.write(context.Background(), e); err != nil {
			r.logger.Error("failed to record job event",
				slog.String("job_id", e.Job.ID),
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Recorder) write(ctx context.Context, e core.Event) error {
	switch e.Type {
	case core.EventJobRemoved:
		return db.History.DeleteJob(ctx, e.Job.ID)
	case core.EventQueueCleared:
		return db.History.DeleteJobs(ctx, e.Removed)
	}
	rec, err := ToRecord(e.Job)
	if err != nil {
		return err
	}
	return db.History.UpsertJob(ctx, rec)
}

// CountByStatus implements core.HistoryCounter.
func (r *Recorder) CountByStatus(ctx context.Context) (map[core.Status]int64, error) {
	raw, err := db.History.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[core.Status]int64, len(raw))
	for k, v := range raw {
		out[core.Status(k)] = v
	}
	return out, nil
}

// Lookup returns a recorded job, or core.ErrJobNotFound.
func Lookup(ctx context.Context, id string) (core.JobStatus, error) {
	rec, err := db.History.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.JobStatus{}, core.ErrJobNotFound
		}
		return core.JobStatus{}, err
	}
	return FromRecord(rec)
}

func List(ctx context.Context, filter db.JobFilter) ([]core.JobStatus, error) {
	recs, err := db.History.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]core.JobStatus, 0, len(recs))
	for _, rec := range recs {
		s, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// RecoverInterrupted fails jobs a previous process left queued or
// processing. The queue is in-memory, so they can never finish.
func RecoverInterrupted(ctx context.Context, now time.Time) (int64, error) {
	return db.History.MarkInterrupted(ctx, "interrupted by service restart", now)
}

func ToRecord(s core.JobStatus) (*db.JobRecord, error) {
	rec := &db.JobRecord{
		ID:           s.ID,
		Category:     string(s.Category),
		Operation:    s.Operation,
		Target:       s.Target,
		Priority:     s.Priority.String(),
		Status:       string(s.Status),
		ErrorMessage: s.Error,
		SubmittedAt:  s.SubmittedAt,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if len(s.Options) > 0 {
		b, err := json.Marshal(s.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to encode options: %w", err)
		}
		rec.OptionsJSON = string(b)
	}
	if s.Result != nil {
		b, err := json.Marshal(s.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		rec.ResultJSON = string(b)
	}
	return rec, nil
}

func FromRecord(rec *db.JobRecord) (core.JobStatus, error) {
	priority, err := core.ParsePriority(rec.Priority)
	if err != nil {
		return core.JobStatus{}, err
	}
	s := core.JobStatus{
		ID:          rec.ID,
		Category:    core.Category(rec.Category),
		Target:      rec.Target,
		Operation:   rec.Operation,
		Priority:    priority,
		Status:      core.Status(rec.Status),
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Error:       rec.ErrorMessage,
	}
	if rec.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(rec.OptionsJSON), &s.Options); err != nil {
			return core.JobStatus{}, fmt.Errorf("failed to decode options: %w", err)
		}
	}
	if rec.ResultJSON != "" {
		if err := json.Unmarshal([]byte(rec.ResultJSON), &s.Result); err != nil {
			return core.JobStatus{}, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return s, nil
}
