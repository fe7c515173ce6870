// Package email resolves CMS email templates, renders them, and dispatches
// messages through a Transport while persisting an auditable EmailSend record
// for every attempt.
package email

import (
	"context"
	"fmt"

	"donationcore/pkg/domain"
)

// Well-known template slugs used by the receipt helpers.
const (
	SlugDonationReceipt   = "donation-receipt"
	SlugMembershipReceipt = "membership-receipt"
)

// Resolution is the outcome of a template lookup. Template is nil when no
// template carries the slug.
type Resolution struct {
	Template   *domain.EmailTemplate
	TemplateID string
	Inactive   bool
}

// Usable reports whether the resolved template can be rendered.
func (r Resolution) Usable() bool {
	return r.Template != nil && !r.Inactive
}

// FallbackReason classifies why a resolution cannot be used, or nil when it can.
func (r Resolution) FallbackReason() *domain.FallbackReason {
	switch {
	case r.Template == nil:
		return reasonPtr(domain.FallbackTemplateNotFound)
	case r.Inactive:
		return reasonPtr(domain.FallbackTemplateInactive)
	}
	return nil
}

// TemplateResolver finds templates by slug.
type TemplateResolver struct {
	templates domain.Collection[domain.EmailTemplate]
}

// NewTemplateResolver constructs a resolver over the email-templates collection.
func NewTemplateResolver(templates domain.Collection[domain.EmailTemplate]) *TemplateResolver {
	return &TemplateResolver{templates: templates}
}

// Resolve looks up the template for slug. Store failures are returned; an
// absent template is not an error.
func (r *TemplateResolver) Resolve(ctx context.Context, slug string) (Resolution, error) {
	tpl, ok, err := domain.FindOne(ctx, r.templates, domain.SystemQuery(domain.Where{"slug": slug}))
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve template %s: %w", slug, err)
	}
	if !ok {
		return Resolution{}, nil
	}
	return Resolution{
		Template:   &tpl,
		TemplateID: tpl.ID,
		Inactive:   tpl.Status == domain.TemplateStatusDisabled,
	}, nil
}

func reasonPtr(r domain.FallbackReason) *domain.FallbackReason { return &r }
