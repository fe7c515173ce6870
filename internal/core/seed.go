package core

import (
	"context"
	"fmt"

	"donationcore/internal/email"
	"donationcore/pkg/domain"
)

// DefaultTemplates are the receipt templates installed by SeedTemplates.
func DefaultTemplates() []domain.EmailTemplate {
	return []domain.EmailTemplate{
		{
			Slug:   email.SlugDonationReceipt,
			Status: domain.TemplateStatusActive,
			Subject: domain.LocalizedText{
				"en": "Thank you for your gift, {{firstName}}",
				"es": "Gracias por su donación, {{firstName}}",
			},
			Body: domain.LocalizedText{
				"en": "<p>Dear {{name}},</p><p>We received your donation of ${{amount}} {{currency}} on {{date}}.</p><p>Reference: {{orderId}}</p>",
				"es": "<p>Estimado/a {{name}},</p><p>Recibimos su donación de ${{amount}} {{currency}} el {{date}}.</p><p>Referencia: {{orderId}}</p>",
			},
			Placeholders: []domain.Placeholder{
				{Key: "name"}, {Key: "firstName"}, {Key: "amount"}, {Key: "currency"}, {Key: "date"}, {Key: "orderId"},
			},
		},
		{
			Slug:   email.SlugMembershipReceipt,
			Status: domain.TemplateStatusActive,
			Subject: domain.LocalizedText{
				"en": "Welcome, {{firstName}}: your membership is active",
			},
			Body: domain.LocalizedText{
				"en": "<p>Dear {{name}},</p><p>Thank you for your {{tier}} membership payment of ${{amount}} {{currency}}.</p><p>Your membership is valid until {{expirationDate}}.</p><p>Reference: {{orderId}}</p>",
			},
			Placeholders: []domain.Placeholder{
				{Key: "name"}, {Key: "firstName"}, {Key: "tier"}, {Key: "amount"}, {Key: "currency"}, {Key: "expirationDate"}, {Key: "orderId"},
			},
		},
	}
}

// SeedTemplates creates each default template whose slug is not yet present
// and returns the slugs it created.
func SeedTemplates(ctx context.Context, store domain.Store) ([]string, error) {
	var created []string
	for _, tpl := range DefaultTemplates() {
		_, exists, err := domain.FindOne(ctx, store.EmailTemplates(), domain.SystemQuery(domain.Where{"slug": tpl.Slug}))
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", tpl.Slug, err)
		}
		if exists {
			continue
		}
		if _, err := store.EmailTemplates().Create(ctx, tpl, domain.SystemQuery(nil)); err != nil {
			return created, fmt.Errorf("seed %s: %w", tpl.Slug, err)
		}
		created = append(created, tpl.Slug)
	}
	return created, nil
}
