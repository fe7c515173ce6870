package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"donationcore/internal/logging"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPTransportConfig configures the JSON mail relay client.
type HTTPTransportConfig struct {
	Endpoint         string
	APIKey           string
	From             string
	Timeout          time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Client           *http.Client
	Logger           logging.Logger
}

// HTTPTransport posts messages as JSON to a mail relay API. 5xx responses and
// network errors are retried with exponential backoff and jitter; repeated
// failures open a circuit breaker that short-circuits sends until cooldown.
type HTTPTransport struct {
	cfg     HTTPTransportConfig
	client  *http.Client
	breaker *circuitBreaker
	logger  logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewHTTPTransport validates cfg and builds the transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("email relay endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		cfg:     cfg,
		client:  client,
		breaker: newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, time.Now),
		logger:  logging.OrNoop(cfg.Logger),
		sleep:   sleepCtx,
	}, nil
}

type relayResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, msg Message) SendResult {
	if msg.From == "" {
		msg.From = t.cfg.From
	}
	key := msg.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	if !t.breaker.Allow() {
		return SendResult{Error: "email relay circuit open"}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{Error: fmt.Sprintf("encode message: %v", err)}
	}

	var lastErr string
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.cfg.BaseBackoff<<(attempt-1) + time.Duration(rand.Int64N(int64(t.cfg.BaseBackoff/2)+1))
			if err := t.sleep(ctx, backoff); err != nil {
				lastErr = err.Error()
				break
			}
		}
		res, retry := t.attempt(ctx, payload, key)
		if res.OK {
			t.breaker.Success()
			return res
		}
		lastErr = res.Error
		if !retry {
			// the relay answered; a rejected message says nothing about its health
			t.breaker.Success()
			return res
		}
		t.logger.Warn("email relay attempt failed", "attempt", attempt+1, "error", res.Error)
	}
	t.breaker.Failure()
	return SendResult{Error: lastErr}
}

// attempt posts payload once. Every attempt of one Send carries the same
// Idempotency-Key so the relay can drop a retry of a message it accepted.
func (t *HTTPTransport) attempt(ctx context.Context, payload []byte, key string) (SendResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendResult{Error: err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return SendResult{Error: err.Error()}, ctx.Err() == nil
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var decoded relayResponse
	_ = json.Unmarshal(body, &decoded)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return SendResult{Error: statusError(resp.StatusCode, decoded.Error, body)}, true
	case resp.StatusCode >= 400:
		return SendResult{Error: statusError(resp.StatusCode, decoded.Error, body)}, false
	}
	id := decoded.MessageID
	if id == "" {
		id = decoded.ID
	}
	return SendResult{OK: true, MessageID: id}, false
}

func statusError(status int, msg string, body []byte) string {
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("relay status %d: %s", status, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Allow admits a single probe once the cooldown has elapsed.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false
	}
	return true
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *circuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}
