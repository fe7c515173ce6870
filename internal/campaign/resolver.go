// Package campaign maps free-text referral tags onto campaign ids.
package campaign

import (
	"context"
	"regexp"
	"strings"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

var reftagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Resolver looks up campaigns by reftag. Resolution is best effort and never
// returns an error.
type Resolver struct {
	campaigns domain.Collection[domain.Campaign]
	logger    logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger installs the logger used for lookup warnings.
func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNoop(l) }
}

// NewResolver constructs a resolver over the campaigns collection.
func NewResolver(campaigns domain.Collection[domain.Campaign], opts ...Option) *Resolver {
	r := &Resolver{campaigns: campaigns, logger: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeRef lower-cases and trims ref, reporting whether the result is a
// well-formed reftag.
func NormalizeRef(ref string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(ref))
	if normalized == "" || !reftagPattern.MatchString(normalized) {
		return "", false
	}
	return normalized, true
}

// ResolveCampaignID returns the id of the campaign whose reftag equals the
// normalized ref. Nil, blank and malformed refs resolve to nil without a
// store query.
func (r *Resolver) ResolveCampaignID(ctx context.Context, ref *string) *string {
	if ref == nil {
		return nil
	}
	reftag, ok := NormalizeRef(*ref)
	if !ok {
		return nil
	}
	found, ok, err := domain.FindOne(ctx, r.campaigns, domain.SystemQuery(domain.Where{"reftag": reftag}))
	if err != nil {
		r.logger.Warn("campaign lookup failed", "reftag", reftag, "error", err)
		return nil
	}
	if !ok {
		r.logger.Warn("campaign not found for ref", "reftag", reftag)
		return nil
	}
	id := found.ID
	return &id
}
