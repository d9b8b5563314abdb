package licensing

import (
	"regexp"
	"sort"
)

// Feature identifies a gated capability.
type Feature string

// Individual tier features
const (
	FeaturePrivateSkills  Feature = "private_skills"
	FeatureRegistrySync   Feature = "registry_sync"
	FeatureAdvancedSearch Feature = "advanced_search"
	FeatureSkillVersions  Feature = "skill_versions"
)

// Team tier features
const (
	FeatureTeamWorkspaces  Feature = "team_workspaces"
	FeatureSharedLibrary   Feature = "shared_library"
	FeatureRoleBasedAccess Feature = "role_based_access"
	FeatureUsageReports    Feature = "usage_reports"
	FeaturePrivateRegistry Feature = "private_registry"
)

// Enterprise tier features
const (
	FeatureSSOSAML          Feature = "sso_saml"
	FeatureAuditExport      Feature = "audit_export"
	FeatureSCIMProvisioning Feature = "scim_provisioning"
	FeatureCustomRetention  Feature = "custom_retention"
	FeaturePrioritySupport  Feature = "priority_support"
)

var featurePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// WellFormed reports whether f is syntactically a feature identifier. It does
// not check membership in the known set; explicit grants may name features a
// newer issuer knows about.
func (f Feature) WellFormed() bool {
	return featurePattern.MatchString(string(f))
}

// Known reports whether f belongs to the closed feature set.
func (f Feature) Known() bool {
	_, ok := featureTiers[f]
	return ok
}

// DisplayName returns a human-readable name for the feature.
func (f Feature) DisplayName() string {
	if name, ok := featureDisplayNames[f]; ok {
		return name
	}
	return string(f)
}

// tierOwnFeatures lists the features first unlocked at each tier. A feature
// appears in exactly one group.
var tierOwnFeatures = map[Tier][]Feature{
	TierCommunity: {},
	TierIndividual: {
		FeaturePrivateSkills,
		FeatureRegistrySync,
		FeatureAdvancedSearch,
		FeatureSkillVersions,
	},
	TierTeam: {
		FeatureTeamWorkspaces,
		FeatureSharedLibrary,
		FeatureRoleBasedAccess,
		FeatureUsageReports,
		FeaturePrivateRegistry,
	},
	TierEnterprise: {
		FeatureSSOSAML,
		FeatureAuditExport,
		FeatureSCIMProvisioning,
		FeatureCustomRetention,
		FeaturePrioritySupport,
	},
}

var featureDisplayNames = map[Feature]string{
	FeaturePrivateSkills:    "Private Skill Storage",
	FeatureRegistrySync:     "Registry Sync",
	FeatureAdvancedSearch:   "Advanced Search",
	FeatureSkillVersions:    "Skill Version History",
	FeatureTeamWorkspaces:   "Team Workspaces",
	FeatureSharedLibrary:    "Shared Skill Library",
	FeatureRoleBasedAccess:  "Role-Based Access Control",
	FeatureUsageReports:     "Usage Reports",
	FeaturePrivateRegistry:  "Private Registry",
	FeatureSSOSAML:          "SAML Single Sign-On",
	FeatureAuditExport:      "Audit Log Export",
	FeatureSCIMProvisioning: "SCIM Provisioning",
	FeatureCustomRetention:  "Custom Data Retention",
	FeaturePrioritySupport:  "Priority Support",
}

// featureTiers and cumulativeFeatures are derived once from tierOwnFeatures.
var (
	featureTiers       = map[Feature]Tier{}
	cumulativeFeatures = map[Tier][]Feature{}
)

func init() {
	var acc []Feature
	for _, tier := range Tiers {
		for _, f := range tierOwnFeatures[tier] {
			if _, dup := featureTiers[f]; dup {
				panic("licensing: feature " + string(f) + " assigned to more than one tier")
			}
			featureTiers[f] = tier
		}
		acc = appendFeatures(acc, tierOwnFeatures[tier]...)
		cumulativeFeatures[tier] = acc
	}
}

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []Feature, extra ...Feature) []Feature {
	result := make([]Feature, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// RequiredTier returns the lowest tier whose feature set contains f. The
// boolean is false for features outside the known set.
func RequiredTier(f Feature) (Tier, bool) {
	tier, ok := featureTiers[f]
	return tier, ok
}

// FeaturesFor returns every feature available at tier, including those of all
// lower tiers. The returned slice is a copy.
func FeaturesFor(tier Tier) []Feature {
	features := cumulativeFeatures[tier]
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// OwnFeatures returns only the features first unlocked at tier.
func OwnFeatures(tier Tier) []Feature {
	features := tierOwnFeatures[tier]
	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// TierIncludes reports whether tier grants f by default.
func TierIncludes(tier Tier, f Feature) bool {
	required, ok := featureTiers[f]
	if !ok || !tier.Valid() {
		return false
	}
	return tier >= required
}

// AllFeatures returns the closed feature set sorted by name.
func AllFeatures() []Feature {
	out := make([]Feature, 0, len(featureTiers))
	for f := range featureTiers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
