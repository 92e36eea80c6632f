package core

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultConcurrency    = 2
	defaultRetainFinished = 500
)

// QueueSnapshot is an aggregate view of the queue at call time.
type QueueSnapshot struct {
	Queued  int  `json:"queued"`
	Active  int  `json:"active"`
	Ceiling int  `json:"ceiling"`
	Paused  bool `json:"paused"`
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithConcurrency sets the ceiling on concurrently executing jobs. It can
// only be set at construction. Values below 1 are ignored.
func WithConcurrency(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ceiling = n
		}
	}
}

// WithJobTimeout gives every execution a deadline. Zero disables it.
func WithJobTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.jobTimeout = d }
}

// WithRetainFinished sets how many terminal jobs stay discoverable through
// Status before the oldest are evicted.
func WithRetainFinished(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.retain = n
		}
	}
}

// WithNotifier sets the sink for lifecycle events.
func WithNotifier(n Notifier) QueueOption {
	return func(q *Queue) {
		if n != nil {
			q.notifier = n
		}
	}
}

func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Queue is a bounded-concurrency priority work queue. Pending jobs are
// admitted by a single dispatch goroutine, highest priority first and FIFO
// within a tier, while fewer than the ceiling are executing. It keeps no
// job history beyond a bounded window of recently finished jobs; durable
// history belongs to the Notifier.
type Queue struct {
	dispatcher *Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	ceiling    int
	jobTimeout time.Duration
	retain     int
	now        func() time.Time
	newID      func() string
	seq        atomic.Uint64

	mu       sync.Mutex
	pending  []*Job
	jobs     map[string]*Job
	finished []string
	active   int
	paused   bool
	running  bool
	stopping bool

	signal     chan struct{}
	stopCh     chan struct{}
	loopDone   chan struct{}
	stopped    chan struct{}
	inflight   sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewQueue creates a queue that executes jobs through d. Call Start to
// begin dispatching.
func NewQueue(d *Dispatcher, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		dispatcher: d,
		notifier:   discard{},
		logger:     slog.Default(),
		ceiling:    defaultConcurrency,
		retain:     defaultRetainFinished,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		jobs:       make(map[string]*Job),
		signal:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		stopped:    make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ceiling returns the configured concurrency ceiling.
func (q *Queue) Ceiling() int { return q.ceiling }

// Start launches the dispatch loop. Jobs submitted earlier are considered
// on the first pass. Calling Start twice is a no-op.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info("queue starting",
		slog.Int("concurrency", q.ceiling),
		slog.Duration("job_timeout", q.jobTimeout),
	)

	go q.loop()
	q.requestDispatch()
	return nil
}

// Stop ends admission and waits for executing jobs. When ctx expires first
// the remaining executions are cancelled and Stop still waits for them to
// return. Pending jobs are left in place. Concurrent and repeated calls all
// return once the same drain has finished.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return q.awaitStopped(ctx)
	}
	q.stopping = true
	running := q.running
	q.mu.Unlock()

	defer close(q.stopped)
	if !running {
		q.baseCancel()
		return nil
	}

	close(q.stopCh)
	<-q.loopDone

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue stopped gracefully")
	case <-ctx.Done():
		q.logger.Warn("queue shutdown timed out, cancelling active jobs")
		q.baseCancel()
		<-done
	}
	q.baseCancel()
	return nil
}

// awaitStopped blocks a later Stop caller until the first one finishes
// draining, cancelling executions if ctx expires first.
func (q *Queue) awaitStopped(ctx context.Context) error {
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		q.baseCancel()
		<-q.stopped
		return nil
	}
}

// Submit validates spec, assigns the job an id and queues it. It never
// waits for execution.
func (q *Queue) Submit(spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	j := newJob(q.newID(), q.seq.Add(1), spec, q.now())

	// The job only becomes visible to dispatch after job.added is out, so
	// sinks always see added before started.
	q.notifier.Notify(Event{Type: EventJobAdded, Job: j.snapshot(), Time: j.SubmittedAt})

	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.jobs[j.ID] = j
	q.mu.Unlock()

	q.logger.Debug("job queued",
		slog.String("job_id", j.ID),
		slog.String("category", string(j.Category)),
		slog.String("operation", j.Operation),
		slog.String("priority", j.Priority.String()),
	)

	q.requestDispatch()
	return j.ID, nil
}

// Status returns a copy of a tracked job.
func (q *Queue) Status(id string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

func (q *Queue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		Queued:  len(q.pending),
		Active:  q.active,
		Ceiling: q.ceiling,
		Paused:  q.paused,
	}
}

// Pending lists queued jobs in the order they would be dispatched now.
func (q *Queue) Pending() []JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	ordered := slices.Clone(q.pending)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].before(ordered[b]) })
	out := make([]JobStatus, 0, len(ordered))
	for _, j := range ordered {
		out = append(out, j.snapshot())
	}
	return out
}

// Remove drops a job that has not started yet. Executing, finished and
// unknown jobs yield ErrJobNotFound.
func (q *Queue) Remove(id string) (JobStatus, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.Status != StatusQueued {
		q.mu.Unlock()
		return JobStatus{}, ErrJobNotFound
	}
	if i := slices.Index(q.pending, j); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
	delete(q.jobs, id)
	snap := j.snapshot()
	q.mu.Unlock()

	q.notifier.Notify(Event{Type: EventJobRemoved, Job: snap, Time: q.now()})
	return snap, nil
}

// Clear drops every pending job and returns how many were discarded.
// Executing jobs are not affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	snaps := make([]JobStatus, 0, len(dropped))
	for _, j := range dropped {
		delete(q.jobs, j.ID)
		snaps = append(snaps, j.snapshot())
	}
	q.mu.Unlock()

	now := q.now()
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
		q.notifier.Notify(Event{Type: EventJobRemoved, Job: s, Time: now})
	}
	q.notifier.Notify(Event{Type: EventQueueCleared, Count: len(snaps), Removed: ids, Time: now})
	if len(snaps) > 0 {
		q.logger.Info("queue cleared", slog.Int("removed", len(snaps)))
	}
	return len(snaps)
}

// Pause stops admission. Executing jobs run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.requestDispatch()
}

func (q *Queue) requestDispatch() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// loop is the only goroutine that moves jobs from pending to active, which
// rules out double dispatch and re-entrant passes.
func (q *Queue) loop() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.signal:
			q.dispatch()
		}
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	if q.paused || q.stopping || q.active >= q.ceiling || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}

	sort.SliceStable(q.pending, func(a, b int) bool { return q.pending[a].before(q.pending[b]) })

	now := q.now()
	var started []*Job
	var snaps []JobStatus
	for len(q.pending) > 0 && q.active < q.ceiling {
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if err := j.start(now); err != nil {
			q.logger.Error("dispatch skipped job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
			continue
		}
		q.active++
		started = append(started, j)
		snaps = append(snaps, j.snapshot())
	}
	q.inflight.Add(len(started))
	q.mu.Unlock()

	for i, j := range started {
		q.notifier.Notify(Event{Type: EventJobStarted, Job: snaps[i], Time: now})
		go q.run(j)
	}
}

func (q *Queue) run(j *Job) {
	defer q.inflight.Done()

	ctx, cancel := q.jobContext()
	result, err := q.execute(ctx, j)
	cancel()

	q.finish(j, result, err)
}

func (q *Queue) jobContext() (context.Context, context.CancelFunc) {
	if q.jobTimeout > 0 {
		return context.WithTimeout(q.baseCtx, q.jobTimeout)
	}
	return context.WithCancel(q.baseCtx)
}

// execute calls the dispatcher without holding the lock. Fields read here
// are fixed at submission.
func (q *Queue) execute(ctx context.Context, j *Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job handler panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = nil
			err = fmt.Errorf("panic in %s %s: %v", j.Category, j.Operation, r)
		}
	}()
	return q.dispatcher.Dispatch(ctx, j.Category, j.Operation, j.Target, maps.Clone(j.Options))
}

func (q *Queue) finish(j *Job, result Result, execErr error) {
	now := q.now()

	q.mu.Lock()
	q.active--
	var evt EventType
	var err error
	if execErr != nil {
		evt = EventJobFailed
		err = j.fail(execErr.Error(), now)
	} else {
		if result == nil {
			result = Result{}
		}
		evt = EventJobCompleted
		err = j.complete(result, now)
	}
	q.retainFinished(j.ID)
	snap := j.snapshot()
	q.mu.Unlock()

	if err != nil {
		q.logger.Error("job finished in unexpected state", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}

	if evt == EventJobFailed {
		q.logger.Warn("job failed",
			slog.String("job_id", snap.ID),
			slog.String("operation", snap.Operation),
			slog.String("error", snap.Error),
		)
	} else {
		q.logger.Info("job completed",
			slog.String("job_id", snap.ID),
			slog.String("operation", snap.Operation),
			slog.Duration("duration", snap.Duration()),
		)
	}

	q.notifier.Notify(Event{Type: evt, Job: snap, Time: now})
	q.requestDispatch()
}

// retainFinished must be called with mu held.
func (q *Queue) retainFinished(id string) {
	q.finished = append(q.finished, id)
	for len(q.finished) > q.retain {
		delete(q.jobs, q.finished[0])
		q.finished[0] = ""
		q.finished = q.finished[1:]
	}
}
