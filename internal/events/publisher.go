// Package events mirrors queue lifecycle events into Redis: every event is
// published on a channel and the latest state of each job is kept in a
// job:<id> hash for external readers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/lisan-5/file-processing-api/internal/core"
)

const maxErrorLen = 1024

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithStatusTTL sets how long job hashes live after their last update.
func WithStatusTTL(d time.Duration) Option {
	return func(p *Publisher) { p.ttl = d }
}

func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// Publisher is a core.Notifier backed by Redis. The caller owns the client.
type Publisher struct {
	client  redis.Cmdable
	channel string
	ttl     time.Duration
	buffer  int
	logger  *slog.Logger

	events chan core.Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewPublisher(client redis.Cmdable, channel string, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		channel: channel,
		ttl:     24 * time.Hour,
		buffer:  1024,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With(slog.String("component", "events"))
	p.events = make(chan core.Event, p.buffer)
	p.done = make(chan struct{})
	go p.run()
	return p
}

// Ping verifies the Redis connection is alive.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Notify(e core.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- e:
	default:
		p.logger.Warn("event buffer full, dropping event", slog.String("event", string(e.Type)))
	}
}

func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for e := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.publish(ctx, e); err != nil {
			p.logger.Error("failed to publish event",
				slog.String("event", string(e.Type)),
				slog.String("job_id", e.Job.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (p *Publisher) publish(ctx context.Context, e core.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	if e.Job.ID != "" {
		key := JobKey(e.Job.ID)
		if e.Type == core.EventJobRemoved {
			pipe.Del(ctx, key)
		} else {
			pipe.HSet(ctx, key, statusFields(e))
			if p.ttl > 0 {
				pipe.Expire(ctx, key, p.ttl)
			}
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func JobKey(id string) string {
	return "job:" + id
}

func statusFields(e core.Event) map[string]any {
	j := e.Job
	fields := map[string]any{
		"status":       string(j.Status),
		"category":     string(j.Category),
		"operation":    j.Operation,
		"priority":     j.Priority.String(),
		"submitted_at": j.SubmittedAt.Format(time.RFC3339Nano),
		"updated_at":   e.Time.UTC().Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		fields["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		fields["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	if j.Error != "" {
		fields["error"] = truncate(j.Error, maxErrorLen)
	}
	if j.Result != nil {
		if b, err := json.Marshal(j.Result); err == nil {
			fields["result"] = string(b)
		}
	}
	return fields
}

// truncate cuts s to at most n bytes without splitting a character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
