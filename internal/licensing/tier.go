// Package licensing issues and verifies signed license tokens and maps
// license tiers to the features and quotas they unlock.
package licensing

import (
	"fmt"
	"strings"
)

// Tier is an ordered license level. The zero value is TierCommunity.
type Tier int

// License tiers, lowest first
const (
	TierCommunity Tier = iota
	TierIndividual
	TierTeam
	TierEnterprise
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierCommunity, TierIndividual, TierTeam, TierEnterprise}

var tierNames = map[Tier]string{
	TierCommunity:  "community",
	TierIndividual: "individual",
	TierTeam:       "team",
	TierEnterprise: "enterprise",
}

var tierDisplayNames = map[Tier]string{
	TierCommunity:  "Community",
	TierIndividual: "Individual",
	TierTeam:       "Team",
	TierEnterprise: "Enterprise",
}

// ParseTier converts a claim value to a Tier.
func ParseTier(s string) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for tier, name := range tierNames {
		if name == normalized {
			return tier, nil
		}
	}
	return TierCommunity, fmt.Errorf("unknown tier %q", s)
}

// String returns the wire name of the tier.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	if name, ok := tierDisplayNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// AtLeast reports whether t is the same as or higher than other.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// MarshalText encodes the tier by name so JSON bodies carry "team" rather than 2.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
