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

	"github.com/cenkalti/backoff/v4"
)

const (
	SignatureHeader = "X-Clinicsched-Signature"
	EventIDHeader   = "X-Clinicsched-Event-ID"
	EventTypeHeader = "X-Clinicsched-Event-Type"
)

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without its "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

type WebhookOption func(*WebhookPublisher)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

// WithRetries sets how many times a failed delivery is retried and the first
// backoff interval.
func WithRetries(n uint64, initial time.Duration) WebhookOption {
	return func(p *WebhookPublisher) {
		p.maxRetries = n
		p.initialBackoff = initial
	}
}

// WebhookPublisher POSTs each event as signed JSON to one URL, for example a
// billing system listening for appointment.completed.
type WebhookPublisher struct {
	url            string
	secret         string
	client         *http.Client
	maxRetries     uint64
	initialBackoff time.Duration
}

func NewWebhookPublisher(url, secret string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		url:            url,
		secret:         secret,
		client:         &http.Client{Timeout: 5 * time.Second},
		maxRetries:     2,
		initialBackoff: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish delivers event, retrying 5xx responses and transport errors. A 4xx
// response is final.
func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	sig := Sign(payload, p.secret)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)

	return backoff.Retry(func() error {
		return p.deliver(ctx, event, payload, sig)
	}, policy)
}

func (p *WebhookPublisher) deliver(ctx context.Context, event Event, payload []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(EventTypeHeader, event.Type)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("deliver event %s: status %d: %s", event.Type, resp.StatusCode, body)
	default:
		return backoff.Permanent(fmt.Errorf("deliver event %s: status %d: %s", event.Type, resp.StatusCode, body))
	}
}
