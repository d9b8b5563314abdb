package denial

import (
	"fmt"
	"net/url"

	"github.com/skillgate/skillgate/internal/licensing"
)

// DefaultUpgradeBaseURL is used when no upgrade base is configured.
const DefaultUpgradeBaseURL = "https://skillgate.dev/upgrade"

// UpgradeURL returns base with from, to and (when set) feature query
// parameters. The parameter order is stable.
func UpgradeURL(base string, feature licensing.Feature, from, to licensing.Tier) string {
	q := url.Values{}
	if feature != "" {
		q.Set("feature", string(feature))
	}
	q.Set("from", from.String())
	q.Set("to", to.String())
	return base + "?" + q.Encode()
}

// RenewURL returns the renewal link for tier.
func RenewURL(base string, tier licensing.Tier) string {
	q := url.Values{}
	q.Set("action", "renew")
	q.Set("tier", tier.String())
	return base + "?" + q.Encode()
}

// TierRow is one line of a tier comparison.
type TierRow struct {
	Tier          licensing.Tier      `json:"tier"`
	DisplayName   string              `json:"display_name"`
	PriceCents    int64               `json:"price_cents"`
	PerSeat       bool                `json:"per_seat"`
	CustomPricing bool                `json:"custom_pricing"`
	MonthlyUnits  int64               `json:"monthly_units"`
	NewFeatures   []licensing.Feature `json:"new_features"`
	Current       bool                `json:"current"`
	UpgradeURL    string              `json:"upgrade_url,omitempty"`
}

// Compare lists every tier for an upgrade screen. Rows above current carry an
// upgrade link. A nil quota table uses licensing.DefaultQuotas.
func (b *Builder) Compare(current licensing.Tier, quotas licensing.QuotaTable) []TierRow {
	if quotas == nil {
		quotas = licensing.DefaultQuotas
	}
	rows := make([]TierRow, 0, len(licensing.Tiers))
	for _, tier := range licensing.Tiers {
		q := quotas.For(tier)
		row := TierRow{
			Tier:          tier,
			DisplayName:   tier.DisplayName(),
			PriceCents:    q.PriceCents,
			PerSeat:       q.PerSeat,
			CustomPricing: q.CustomPricing,
			MonthlyUnits:  q.MonthlyUnits,
			NewFeatures:   licensing.OwnFeatures(tier),
			Current:       tier == current,
		}
		if tier > current {
			row.UpgradeURL = b.UpgradeURL("", current, tier)
		}
		rows = append(rows, row)
	}
	return rows
}

// Prompt is an upgrade call to action built from a denial.
type Prompt struct {
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Feature    licensing.Feature `json:"feature,omitempty"`
	From       licensing.Tier    `json:"from"`
	To         licensing.Tier    `json:"to"`
	UpgradeURL string            `json:"upgrade_url"`
	Comparison []TierRow         `json:"comparison"`
}

// PromptFor returns an upgrade prompt for denials a higher tier would
// resolve, or nil.
func (b *Builder) PromptFor(d *Error, quotas licensing.QuotaTable) *Prompt {
	if d == nil {
		return nil
	}
	var p Prompt
	switch d.Kind {
	case KindFeatureNotAvailable:
		p = Prompt{
			Title:   fmt.Sprintf("Unlock %s", d.Feature.DisplayName()),
			Message: d.Message,
			Feature: d.Feature,
			From:    d.CurrentTier,
			To:      d.RequiredTier,
		}
	case KindQuotaExceeded:
		if d.RequiredTier <= d.CurrentTier {
			return nil
		}
		p = Prompt{
			Title:   fmt.Sprintf("Get more with %s", d.RequiredTier.DisplayName()),
			Message: d.Message,
			From:    d.CurrentTier,
			To:      d.RequiredTier,
		}
	default:
		return nil
	}
	p.UpgradeURL = b.UpgradeURL(p.Feature, p.From, p.To)
	p.Comparison = b.Compare(p.From, quotas)
	return &p
}
