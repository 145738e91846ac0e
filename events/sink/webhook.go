package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/fragnav/events"
)

// Webhook POSTs events as JSON to a URL. Transport errors, 429 and 5xx are
// retried with a doubling delay; other statuses fail at once.
type Webhook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	types      map[events.Type]bool
	logger     *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.maxRetries = n }
}

// WithWebhookBackoff sets the first retry delay. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookTypes forwards only the listed event types. Default: all.
func WithWebhookTypes(types ...events.Type) WebhookOption {
	return func(w *Webhook) {
		if len(types) == 0 {
			return
		}
		w.types = make(map[events.Type]bool, len(types))
		for _, t := range types {
			w.types[t] = true
		}
	}
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Close() error { return nil }

var errPermanent = errors.New("permanent")

func (w *Webhook) Send(ctx context.Context, ev events.Event) error {
	if w.types != nil && !w.types[ev.Type] {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", ev.Type, err)
	}

	var lastErr error
	delay := w.backoff
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("webhook: %s: %w", ev.Type, ctx.Err())
			}
			delay *= 2
		}
		lastErr = w.post(ctx, ev.Type, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return fmt.Errorf("webhook: %s: %w", ev.Type, lastErr)
		}
		w.logger.Warn("webhook: delivery failed", "type", ev.Type, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("webhook: %s: retries exhausted: %w", ev.Type, lastErr)
}

func (w *Webhook) post(ctx context.Context, typ events.Type, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: new request: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fragnav-Event", string(typ))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}
