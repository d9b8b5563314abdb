package entitlement

import (
	"sort"

	"github.com/skillgate/skillgate/internal/licensing"
)

// operationFeatures maps product operations to the feature they need. An
// empty feature means the operation needs no license.
var operationFeatures = map[string]licensing.Feature{
	// Community
	"skill_search":   "",
	"skill_install":  "",
	"skill_list":     "",
	"skill_info":     "",
	"skill_validate": "",
	"license_status": "",

	// Individual
	"skill_publish_private": licensing.FeaturePrivateSkills,
	"registry_sync":         licensing.FeatureRegistrySync,
	"search_advanced":       licensing.FeatureAdvancedSearch,
	"skill_history":         licensing.FeatureSkillVersions,
	"skill_rollback":        licensing.FeatureSkillVersions,

	// Team
	"workspace_create":         licensing.FeatureTeamWorkspaces,
	"workspace_invite":         licensing.FeatureTeamWorkspaces,
	"library_share":            licensing.FeatureSharedLibrary,
	"role_assign":              licensing.FeatureRoleBasedAccess,
	"usage_report":             licensing.FeatureUsageReports,
	"registry_publish_private": licensing.FeaturePrivateRegistry,

	// Enterprise
	"sso_configure":       licensing.FeatureSSOSAML,
	"audit_export":        licensing.FeatureAuditExport,
	"scim_sync":           licensing.FeatureSCIMProvisioning,
	"retention_configure": licensing.FeatureCustomRetention,
	"support_priority":    licensing.FeaturePrioritySupport,
}

// FeatureForOperation returns the feature operation needs. The boolean is
// false for operations the table does not list.
func FeatureForOperation(operation string) (licensing.Feature, bool) {
	f, ok := operationFeatures[operation]
	return f, ok
}

// Operations returns every known operation name, sorted.
func Operations() []string {
	out := make([]string, 0, len(operationFeatures))
	for op := range operationFeatures {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
