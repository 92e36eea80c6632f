package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/utils"
)

func setupDB(t *testing.T) {
	t.Helper()
	if err := db.Init(db.Config{Path: filepath.Join(t.TempDir(), "w.db")}); err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
}

func newSender(t *testing.T, key []byte) *WebhookSender {
	t.Helper()
	s := NewWebhookSender(WebhookConfig{
		RetryCount:  3,
		RetryDelay:  5 * time.Millisecond,
		Timeout:     time.Second,
		WorkerCount: 2,
		QueueSize:   16,
		SecretKey:   key,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

type delivery struct {
	event     string
	signature string
	body      []byte
}

func TestSender_DeliversSignedEventsToSubscribers(t *testing.T) {
	setupDB(t)
	key := utils.GenerateRandomKey()

	var mu sync.Mutex
	var got []delivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Signature"), body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sealed, err := utils.Encrypt("s3cret", key)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	db.Webhooks.CreateWebhook(ctx, &db.Webhook{Name: "failures", URL: srv.URL, Secret: sealed, EventsJSON: `["job.failed"]`, Enabled: true})
	db.Webhooks.CreateWebhook(ctx, &db.Webhook{Name: "disabled", URL: srv.URL, EventsJSON: `["job.failed"]`, Enabled: false})

	s := newSender(t, key)
	s.Notify(core.Event{Type: core.EventJobCompleted, Job: core.JobStatus{ID: "ignored"}})
	s.Notify(core.Event{Type: core.EventJobFailed, Job: core.JobStatus{ID: "j1", Status: core.StatusFailed, Error: "boom"}, Time: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	d := got[0]
	if d.event != "job.failed" {
		t.Errorf("event header = %q", d.event)
	}
	if d.signature != "sha256="+SignPayload(d.body, "s3cret") {
		t.Errorf("signature %q does not match body", d.signature)
	}
	var payload struct {
		Event string         `json:"event"`
		Data  core.JobStatus `json:"data"`
	}
	if err := json.Unmarshal(d.body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Data.ID != "j1" || payload.Data.Error != "boom" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSender_RetriesServerErrorsButNotClientErrors(t *testing.T) {
	setupDB(t)

	var serverHits, clientHits atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serverHits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer flaky.Close()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientHits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer rejecting.Close()

	ctx := context.Background()
	db.Webhooks.CreateWebhook(ctx, &db.Webhook{Name: "flaky", URL: flaky.URL, EventsJSON: `["queue.cleared"]`, Enabled: true})
	db.Webhooks.CreateWebhook(ctx, &db.Webhook{Name: "gone", URL: rejecting.URL, EventsJSON: `["queue.cleared"]`, Enabled: true})

	s := newSender(t, nil)
	s.Notify(core.Event{Type: core.EventQueueCleared, Count: 4})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && serverHits.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	if n := serverHits.Load(); n != 3 {
		t.Errorf("flaky endpoint hit %d times, want 3", n)
	}
	if n := clientHits.Load(); n != 1 {
		t.Errorf("4xx endpoint hit %d times, want 1", n)
	}
}

func TestSender_SendTest(t *testing.T) {
	setupDB(t)

	var event string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := &db.Webhook{Name: "t", URL: srv.URL, EventsJSON: `[]`, Enabled: true}
	db.Webhooks.CreateWebhook(context.Background(), w)

	s := newSender(t, nil)
	err := s.SendTest(context.Background(), w.ID)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want http 401", err)
	}
	if event != EventWebhookTest {
		t.Errorf("event = %q", event)
	}
}
