package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lisan-5/file-processing-api/internal/core"
	"github.com/lisan-5/file-processing-api/internal/db"
	"github.com/lisan-5/file-processing-api/internal/utils"
)

// EventWebhookTest is only ever sent by SendTest.
const EventWebhookTest = "webhook.test"

type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type QueueClearedData struct {
	Removed int `json:"removed"`
}

type WebhookConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
	// SecretKey decrypts stored webhook secrets. When nil, secrets are
	// used as stored.
	SecretKey []byte
	Logger    *slog.Logger
}

type webhookTask struct {
	webhook *db.Webhook
	payload *WebhookPayload
	attempt int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.Code)
}

// WebhookSender delivers lifecycle events to subscribed endpoints. It is a
// core.Notifier: Notify only enqueues, lookups and HTTP happen on worker
// goroutines.
type WebhookSender struct {
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	secretKey   []byte
	logger      *slog.Logger

	events chan core.Event
	queue  chan *webhookTask
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWebhookSender(config WebhookConfig) *WebhookSender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		secretKey:   config.SecretKey,
		logger:      config.Logger.With(slog.String("component", "webhook")),
		events:      make(chan core.Event, config.QueueSize),
		queue:       make(chan *webhookTask, config.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *WebhookSender) Start() {
	s.wg.Add(1)
	go s.fanOut()
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop abandons queued deliveries and waits for in-flight ones.
func (s *WebhookSender) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) Notify(e core.Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event queue full, dropping webhook event", slog.String("event", string(e.Type)))
	}
}

func (s *WebhookSender) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case e := <-s.events:
			s.enqueue(e)
		}
	}
}

func payloadFor(e core.Event) *WebhookPayload {
	p := &WebhookPayload{Event: string(e.Type), Timestamp: e.Time}
	if e.Type == core.EventQueueCleared {
		p.Data = QueueClearedData{Removed: e.Count}
	} else {
		p.Data = e.Job
	}
	return p
}

func (s *WebhookSender) enqueue(e core.Event) {
	webhooks, err := db.Webhooks.ListActiveWebhooksForEvent(context.Background(), string(e.Type))
	if err != nil {
		s.logger.Error("failed to get webhooks for event", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
		return
	}

	payload := payloadFor(e)
	for _, webhook := range webhooks {
		task := &webhookTask{webhook: webhook, payload: payload}
		select {
		case s.queue <- task:
		default:
			s.logger.Warn("queue full, dropping webhook",
				slog.Int64("webhook_id", webhook.ID),
				slog.String("event", payload.Event),
			)
		}
	}
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Warn("webhook delivery failed",
					slog.Int("worker", id),
					slog.Int64("webhook_id", task.webhook.ID),
					slog.String("event", task.payload.Event),
					slog.Int("attempts", task.attempt),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(context.Background(), task.webhook, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug("retrying webhook",
				slog.Int64("webhook_id", task.webhook.ID),
				slog.Int("attempt", task.attempt),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// SendTest delivers a single webhook.test payload without retries.
func (s *WebhookSender) SendTest(ctx context.Context, webhookID int64) error {
	webhook, err := db.Webhooks.GetWebhookByID(ctx, webhookID)
	if err != nil {
		return err
	}
	return s.sendRequest(ctx, webhook, &WebhookPayload{
		Event:     EventWebhookTest,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"webhook_id": webhook.ID, "name": webhook.Name},
	})
}

func (s *WebhookSender) secretFor(webhook *db.Webhook) (string, error) {
	if webhook.Secret == "" || s.secretKey == nil {
		return webhook.Secret, nil
	}
	return utils.Decrypt(webhook.Secret, s.secretKey)
}

func (s *WebhookSender) sendRequest(ctx context.Context, webhook *db.Webhook, payload *WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())

	secret, err := s.secretFor(webhook)
	if err != nil {
		return fmt.Errorf("unseal secret: %w", err)
	}
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}
