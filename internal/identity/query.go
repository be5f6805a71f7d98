package identity

import "strings"

// HasRole reports whether the identity holds the named role in the requested
// scope. With an organization id the assignment must be scoped to exactly
// that organization. Without one, only a platform-wide grant of the
// designated platform-admin role matches: omitting the id is a deliberate
// narrowing, not an "any scope" query, so a platform-wide grant does not
// satisfy an org-scoped query and vice versa.
func HasRole(id Identity, roleName string, organizationID ...string) bool {
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return false
	}
	scoped, orgID := scope(organizationID)
	for _, a := range id.RoleAssignments {
		if a.Role.Name != roleName {
			continue
		}
		if assignmentMatchesScope(a, scoped, orgID) {
			return true
		}
	}
	return false
}

// HasPermission reports whether some assignment carries the named permission
// and matches the requested scope under the same rule as HasRole.
func HasPermission(id Identity, permissionName string, organizationID ...string) bool {
	permissionName = strings.TrimSpace(permissionName)
	if permissionName == "" {
		return false
	}
	scoped, orgID := scope(organizationID)
	for _, a := range id.RoleAssignments {
		if !assignmentMatchesScope(a, scoped, orgID) {
			continue
		}
		for _, p := range a.Role.Permissions {
			if p.Name == permissionName {
				return true
			}
		}
	}
	return false
}

func assignmentMatchesScope(a RoleAssignment, scoped bool, orgID string) bool {
	if scoped {
		return a.OrganizationID != nil && *a.OrganizationID == orgID
	}
	return a.OrganizationID == nil && a.Role.Name == RolePlatformAdmin
}

func scope(organizationID []string) (scoped bool, orgID string) {
	if len(organizationID) == 0 {
		return false, ""
	}
	orgID = strings.TrimSpace(organizationID[0])
	if orgID == "" {
		return false, ""
	}
	return true, orgID
}
