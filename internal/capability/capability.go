// Package capability derives the UI-facing capability bundle from a resolved
// identity and the currently selected organization.
package capability

import "tenantgate.io/internal/identity"

// Fine-grained permission names recognised by the aggregator.
const (
	PermUpdateOrganization = "organization.update"
	PermDeleteOrganization = "organization.delete"
	PermManageMembers      = "organization.members.manage"
	PermInviteMembers      = "organization.members.invite"
	PermManageRoles        = "organization.roles.manage"
	PermManageBilling      = "billing.manage"
	PermViewBilling        = "billing.view"
)

// Set is the fixed-shape capability bundle consumed by the console UI.
// The zero value grants nothing.
type Set struct {
	PlatformAdmin bool `json:"is_platform_admin"`
	OrgAdmin      bool `json:"is_org_admin"`

	UpdateOrganization bool `json:"can_update_organization"`
	DeleteOrganization bool `json:"can_delete_organization"`
	ManageMembers      bool `json:"can_manage_members"`
	InviteMembers      bool `json:"can_invite_members"`
	ManageRoles        bool `json:"can_manage_roles"`
	ManageBilling      bool `json:"can_manage_billing"`
	ViewBilling        bool `json:"can_view_billing"`
}

// Compute aggregates role and permission checks into a Set. Explicit
// permissions can only add access on top of the coarse role check, never
// remove it: a platform or organization admin keeps every capability
// regardless of the permission records attached to their roles.
//
// A nil identity grants nothing. A nil organization grants none of the
// org-scoped capabilities; PlatformAdmin is still derived from the identity
// alone so the shell can render platform navigation before a selection
// exists.
func Compute(id *identity.Identity, org *identity.Organization) Set {
	if id == nil {
		return Set{}
	}

	set := Set{PlatformAdmin: identity.HasRole(*id, identity.RolePlatformAdmin)}
	if org == nil {
		return set
	}

	set.OrgAdmin = identity.HasRole(*id, identity.RoleOrgAdmin, org.ID)
	admin := set.PlatformAdmin || set.OrgAdmin

	grant := func(perm string) bool {
		return admin || identity.HasPermission(*id, perm, org.ID)
	}
	set.UpdateOrganization = grant(PermUpdateOrganization)
	set.DeleteOrganization = grant(PermDeleteOrganization)
	set.ManageMembers = grant(PermManageMembers)
	set.InviteMembers = grant(PermInviteMembers)
	set.ManageRoles = grant(PermManageRoles)
	set.ManageBilling = grant(PermManageBilling)
	set.ViewBilling = grant(PermViewBilling)
	return set
}
