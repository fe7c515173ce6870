package email

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// ErrorCodeTransportFailed is recorded on EmailSend when the transport rejects a message.
const ErrorCodeTransportFailed = "transport_failed"

// InlineContent is a non-templated message used when a template cannot be
// rendered. {{key}} tokens are substituted leniently.
type InlineContent struct {
	Subject string
	Body    string
}

// Request describes one templated send.
type Request struct {
	TemplateSlug string
	ToEmail      string
	Params       map[string]any
	Locale       string
	// Fallback overrides the generic inline content built from the slug and params.
	Fallback *InlineContent
	// SendID, when set, is used as the EmailSend id. Receipts reserve it on
	// the order before dispatching.
	SendID string
}

// Result is the typed outcome of a dispatch. OK is true only when the
// transport accepted the message.
type Result struct {
	OK             bool
	Skipped        bool
	Reason         string
	SendID         string
	MessageID      string
	TemplateUsed   bool
	FallbackReason *domain.FallbackReason
}

// Dispatcher renders and sends templated email, persisting an EmailSend per attempt.
type Dispatcher struct {
	sends     domain.Collection[domain.EmailSend]
	templates *TemplateResolver
	renderer  *Renderer
	transport Transport
	from      string
	logger    logging.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logging.OrNoop(l) }
}

// WithDefaultLocale sets the locale used when a request or template lacks one.
func WithDefaultLocale(locale string) DispatcherOption {
	return func(d *Dispatcher) { d.renderer = NewRenderer(locale) }
}

// WithFrom sets the sender address stamped on outgoing messages.
func WithFrom(from string) DispatcherOption {
	return func(d *Dispatcher) { d.from = from }
}

// NewDispatcher wires a dispatcher over the store collections and transport.
func NewDispatcher(store domain.Store, transport Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sends:     store.EmailSends(),
		templates: NewTemplateResolver(store.EmailTemplates()),
		renderer:  NewRenderer("en"),
		transport: transport,
		logger:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendTemplated resolves the template, records a queued EmailSend before the
// outbound call, renders (or falls back to inline content) and sends. Store
// failures are returned as errors; delivery outcomes are reported in Result.
// When the transport accepted the message but the final record update failed,
// both an OK Result and the error are returned.
func (d *Dispatcher) SendTemplated(ctx context.Context, req Request) (Result, error) {
	resolution, err := d.templates.Resolve(ctx, req.TemplateSlug)
	if err != nil {
		return Result{}, err
	}
	missing := MissingPlaceholders(resolution.Template, req.Params)
	reason := resolution.FallbackReason()
	if reason == nil && len(missing) > 0 {
		reason = reasonPtr(domain.FallbackMissingPlaceholders)
	}

	queued, err := d.sends.Create(ctx, domain.EmailSend{
		Base:                domain.Base{ID: req.SendID},
		ToEmail:             req.ToEmail,
		TemplateSlug:        req.TemplateSlug,
		Status:              domain.EmailSendQueued,
		Locale:              req.Locale,
		TemplateAttempted:   resolution.Template != nil,
		FallbackReason:      reason,
		MissingPlaceholders: missing,
		PlaceholderSnapshot: RedactForDiagnostics(req.Params),
	}, domain.SystemQuery(nil))
	if err != nil {
		return Result{}, fmt.Errorf("record queued email: %w", err)
	}
	result := Result{SendID: queued.ID, FallbackReason: reason}

	var msg Message
	if reason == nil {
		rendered, renderErr := d.renderer.Render(*resolution.Template, req.Locale, req.Params)
		if renderErr == nil {
			msg = Message{Subject: rendered.Subject, HTML: rendered.HTML, Text: rendered.Text}
			result.TemplateUsed = true
		} else {
			d.logger.Warn("template render failed, using inline fallback",
				"template", req.TemplateSlug, "send_id", queued.ID, "error", renderErr)
			reason = reasonPtr(domain.FallbackRenderError)
			result.FallbackReason = reason
		}
	}
	if !result.TemplateUsed {
		inline, ok := d.inline(req)
		if !ok {
			code := string(*reason)
			if _, err := d.finish(ctx, queued.ID, func(rec *domain.EmailSend) {
				rec.Status = domain.EmailSendFailed
				rec.FallbackReason = reason
				rec.ErrorCode = &code
			}); err != nil {
				return result, err
			}
			result.Reason = code
			return result, nil
		}
		msg = inline
	}
	msg.To = req.ToEmail
	msg.From = d.from
	msg.IdempotencyKey = queued.ID

	sent := d.transport.Send(ctx, msg)
	if !sent.OK {
		d.logger.Warn("email transport failed", "template", req.TemplateSlug, "send_id", queued.ID, "error", sent.Error)
		code := ErrorCodeTransportFailed
		result.Reason = code
		_, err := d.finish(ctx, queued.ID, func(rec *domain.EmailSend) {
			rec.Status = domain.EmailSendFailed
			rec.FallbackReason = reason
			rec.TemplateUsed = result.TemplateUsed
			rec.ErrorCode = &code
		})
		return result, err
	}

	result.OK = true
	result.MessageID = sent.MessageID
	if reason != nil {
		result.Reason = string(*reason)
	}
	_, err = d.finish(ctx, queued.ID, func(rec *domain.EmailSend) {
		rec.Status = domain.EmailSendSent
		rec.FallbackReason = reason
		rec.TemplateUsed = result.TemplateUsed
		if sent.MessageID != "" {
			rec.ProviderMessageID = domain.StringPtr(sent.MessageID)
		}
	})
	return result, err
}

func (d *Dispatcher) finish(ctx context.Context, id string, apply func(*domain.EmailSend)) (domain.EmailSend, error) {
	rec, err := d.sends.Update(ctx, id, domain.SystemQuery(nil), func(rec *domain.EmailSend) error {
		apply(rec)
		return nil
	})
	if err != nil {
		return domain.EmailSend{}, fmt.Errorf("finalize email send %s: %w", id, err)
	}
	return rec, nil
}

// inline builds the non-templated message. It reports false when neither a
// subject nor a body could be produced.
func (d *Dispatcher) inline(req Request) (Message, bool) {
	content := req.Fallback
	if content == nil {
		content = genericFallback(req.TemplateSlug, req.Params)
	}
	subject := strings.TrimSpace(substituteLenient(content.Subject, req.Params))
	body := strings.TrimSpace(substituteLenient(content.Body, req.Params))
	if subject == "" || body == "" {
		return Message{}, false
	}
	return Message{Subject: subject, HTML: "<p>" + strings.ReplaceAll(htmlEscape(body), "\n", "<br>") + "</p>", Text: body}, true
}

// genericFallback lists non-sensitive parameters under a subject derived from
// the slug.
func genericFallback(slug string, params map[string]any) *InlineContent {
	subject := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(slug, "-", " "), "_", " "))
	if subject != "" {
		subject = strings.ToUpper(subject[:1]) + subject[1:]
	}
	safe := RedactForDiagnostics(params)
	keys := make([]string, 0, len(safe))
	for k, v := range safe {
		if v == RedactedMarker {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, safe[k]))
	}
	return &InlineContent{Subject: subject, Body: strings.Join(lines, "\n")}
}
