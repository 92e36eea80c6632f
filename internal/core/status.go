package core

import (
	"context"
	"fmt"
	"time"
)

// HistoryCounter reports how many jobs reached a status, as recorded by
// whatever persists lifecycle events. The queue itself does not count.
type HistoryCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Summary combines the live queue state with recorded totals.
type Summary struct {
	Queued      int       `json:"queued"`
	Processing  int       `json:"processing"`
	Completed   int64     `json:"completed"`
	Failed      int64     `json:"failed"`
	Ceiling     int       `json:"ceiling"`
	Utilization float64   `json:"utilization"`
	Paused      bool      `json:"paused"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Reporter struct {
	queue   *Queue
	history HistoryCounter
}

// NewReporter builds a reporter. history may be nil, in which case the
// completed and failed totals stay zero.
func NewReporter(q *Queue, history HistoryCounter) *Reporter {
	return &Reporter{queue: q, history: history}
}

func (r *Reporter) Summary(ctx context.Context) (Summary, error) {
	snap := r.queue.Snapshot()
	s := Summary{
		Queued:      snap.Queued,
		Processing:  snap.Active,
		Ceiling:     snap.Ceiling,
		Paused:      snap.Paused,
		GeneratedAt: time.Now().UTC(),
	}
	if snap.Ceiling > 0 {
		s.Utilization = float64(snap.Active) / float64(snap.Ceiling)
	}
	if r.history == nil {
		return s, nil
	}
	counts, err := r.history.CountByStatus(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to count job history: %w", err)
	}
	s.Completed = counts[StatusCompleted]
	s.Failed = counts[StatusFailed]
	return s, nil
}
