package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Idanchor-Event-Signature"

// WebhookPublisher POSTs events to a single endpoint, signed with a shared
// secret, retrying failed deliveries.
type WebhookPublisher struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithRetryDelays sets the wait before each retry; its length is the
// number of retries.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(w *WebhookPublisher) { w.delays = delays }
}

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(hc *http.Client) WebhookOption {
	return func(w *WebhookPublisher) { w.httpClient = hc }
}

// NewWebhookPublisher creates a publisher for url.
func NewWebhookPublisher(url, secret string, logger *zap.Logger, opts ...WebhookOption) *WebhookPublisher {
	w := &WebhookPublisher{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{time.Second, 5 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Publish implements Publisher.
func (w *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	signature := Sign(body, w.secret)

	var lastErr error
	for attempt := 0; attempt <= len(w.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.delays[attempt-1]):
			case <-ctx.Done():
				return fmt.Errorf("webhook delivery: %w", ctx.Err())
			}
		}

		lastErr = w.deliver(ctx, body, signature)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("webhook: delivery failed",
			zap.String("url", w.url),
			zap.String("event_type", string(ev.Type)),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("webhook delivery: %w", lastErr)
}

func (w *WebhookPublisher) deliver(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
