package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"donationcore/internal/checkout"
	"donationcore/internal/core"
	"donationcore/internal/logging"
)

const (
	defaultMaxBodyBytes = 1 << 16
	defaultTimeout      = 20 * time.Second
)

// EventHandler processes verified events. *core.Service implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventID string, eventType string, payload json.RawMessage) (core.EventResult, error)
}

// Handler serves the webhook endpoint plus health and metrics probes.
type Handler struct {
	events   EventHandler
	verifier Verifier
	archiver *Archiver
	metrics  http.Handler
	logger   logging.Logger
	timeout  time.Duration
	maxBody  int64
	now      func() time.Time
	mux      *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) { h.logger = logging.OrNoop(l) }
}

// WithArchiver enables best-effort payload archiving.
func WithArchiver(a *Archiver) Option {
	return func(h *Handler) { h.archiver = a }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProcessingTimeout bounds the time spent on one delivery.
func WithProcessingTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMaxBodyBytes caps the accepted payload size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithClock overrides the clock used for archive keys.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler builds the HTTP surface.
func NewHandler(events EventHandler, verifier Verifier, opts ...Option) *Handler {
	h := &Handler{
		events:   events,
		verifier: verifier,
		logger:   logging.Noop(),
		timeout:  defaultTimeout,
		maxBody:  defaultMaxBodyBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST /webhooks/stripe", h.handleStripe)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook verification failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_signature", "invalid webhook signature")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if h.archiver != nil {
		if key, err := h.archiver.Archive(ctx, event, payload, h.now()); err != nil {
			h.logger.Warn("webhook archive failed", "event_id", event.ID, "key", key, "error", err)
		}
	}

	res, err := h.events.HandleEvent(ctx, event.ID, event.Type, event.Object)
	switch {
	case errors.Is(err, checkout.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed_payload", "malformed checkout session payload")
		return
	case err != nil:
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "processing_failed", "failed to process webhook")
		return
	}

	body := map[string]any{"received": true, "status": string(res.Status)}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
