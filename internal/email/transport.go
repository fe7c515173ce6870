package email

import (
	"context"
	"fmt"
	"sync"

	"donationcore/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Message is an outbound email.
type Message struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
	// IdempotencyKey identifies the logical message across retries; the
	// dispatcher uses the EmailSend id.
	IdempotencyKey string `json:"-"`
}

// SendResult reports a transport attempt. Transports never return errors;
// failures surface as OK=false with a description in Error.
type SendResult struct {
	OK        bool
	MessageID string
	Error     string
}

// Transport delivers messages to a mail provider.
type Transport interface {
	Send(ctx context.Context, msg Message) SendResult
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) SendResult

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, msg Message) SendResult { return f(ctx, msg) }

// LogTransport writes messages to the logger instead of delivering them.
type LogTransport struct {
	Logger logging.Logger
}

// Send implements Transport.
func (t LogTransport) Send(_ context.Context, msg Message) SendResult {
	id := "log-" + uuid.NewString()
	logging.OrNoop(t.Logger).Info("email suppressed by log transport",
		"message_id", id, "subject", msg.Subject, "text_bytes", len(msg.Text), "html_bytes", len(msg.HTML))
	return SendResult{OK: true, MessageID: id}
}

// MemoryTransport records messages in memory. Fail makes subsequent sends
// report failure.
type MemoryTransport struct {
	mu   sync.Mutex
	sent []Message
	fail string
}

// NewMemoryTransport returns an empty recording transport.
func NewMemoryTransport() *MemoryTransport { return &MemoryTransport{} }

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, msg Message) SendResult {
	if err := ctx.Err(); err != nil {
		return SendResult{Error: err.Error()}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != "" {
		return SendResult{Error: t.fail}
	}
	t.sent = append(t.sent, msg)
	return SendResult{OK: true, MessageID: fmt.Sprintf("mem-%d", len(t.sent))}
}

// Fail switches the transport into failure mode; an empty reason restores it.
func (t *MemoryTransport) Fail(reason string) {
	t.mu.Lock()
	t.fail = reason
	t.mu.Unlock()
}

// Sent returns a copy of the delivered messages.
func (t *MemoryTransport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// RateLimitedTransport throttles an inner transport with a token bucket.
type RateLimitedTransport struct {
	next    Transport
	limiter *rate.Limiter
}

// NewRateLimitedTransport wraps next with a limiter allowing perSecond sends
// and the given burst. A non-positive rate disables throttling.
func NewRateLimitedTransport(next Transport, perSecond float64, burst int) Transport {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedTransport{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send waits for a token, honouring ctx, then delegates.
func (t *RateLimitedTransport) Send(ctx context.Context, msg Message) SendResult {
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{Error: fmt.Sprintf("rate limit: %v", err)}
	}
	return t.next.Send(ctx, msg)
}
