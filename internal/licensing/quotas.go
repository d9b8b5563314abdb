package licensing

// Unlimited marks a quota ceiling with no upper bound.
const Unlimited int64 = -1

// WarningThresholds are the usage percentages at which callers are told a
// customer is approaching the ceiling.
var WarningThresholds = []int{80, 90, 100}

// TierQuota is the static quota and pricing entry for one tier.
type TierQuota struct {
	// MonthlyUnits is the metered ceiling per billing window, or Unlimited.
	MonthlyUnits int64 `json:"monthly_units"`
	// PriceCents is the list price per billing window; zero for free tiers.
	PriceCents int64 `json:"price_cents"`
	// PerSeat prices the tier per user rather than per account.
	PerSeat bool `json:"per_seat"`
	// CustomPricing marks tiers sold by quote.
	CustomPricing bool `json:"custom_pricing,omitempty"`
}

// IsUnlimited reports whether the ceiling is unbounded.
func (q TierQuota) IsUnlimited() bool {
	return q.MonthlyUnits < 0
}

// QuotaTable maps tiers to their quota entry.
type QuotaTable map[Tier]TierQuota

// DefaultQuotas is the shipped quota table.
var DefaultQuotas = QuotaTable{
	TierCommunity:  {MonthlyUnits: 100, PriceCents: 0},
	TierIndividual: {MonthlyUnits: 2_000, PriceCents: 1_200},
	TierTeam:       {MonthlyUnits: 25_000, PriceCents: 2_900, PerSeat: true},
	TierEnterprise: {MonthlyUnits: Unlimited, PerSeat: true, CustomPricing: true},
}

// For returns the entry for tier, defaulting to the community entry for tiers
// the table does not list.
func (t QuotaTable) For(tier Tier) TierQuota {
	if q, ok := t[tier]; ok {
		return q
	}
	if q, ok := t[TierCommunity]; ok {
		return q
	}
	return DefaultQuotas[TierCommunity]
}

// ThresholdFor returns the highest warning threshold reached by used out of
// limit, or 0 when none is reached or the limit is unbounded.
func ThresholdFor(used, limit int64) int {
	if limit <= 0 {
		return 0
	}
	reached := 0
	for _, pct := range WarningThresholds {
		if used*100 >= limit*int64(pct) {
			reached = pct
		}
	}
	return reached
}
