package identity

import "time"

// Designated role names recognised across the platform.
const (
	RolePlatformAdmin = "platform_admin"
	RoleOrgAdmin      = "org_admin"
)

// Permission is a named, addressable capability (resource + action).
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
}

// Role groups permissions. System roles are never user-editable.
type Role struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	IsSystemRole bool         `json:"is_system_role"`
	Permissions  []Permission `json:"permissions"`
}

// RoleAssignment grants a role to an identity. A nil OrganizationID denotes
// a platform-wide grant; otherwise the grant is scoped to one organization.
type RoleAssignment struct {
	Role           Role    `json:"role"`
	OrganizationID *string `json:"organization_id"`
	AssignmentID   string  `json:"user_role_id"`
}

// Identity is the resolved, capability-bearing representation of an
// authenticated user for the current session. It is constructed fresh on
// every authentication or refresh and never mutated in place.
type Identity struct {
	ID              string           `json:"id"`
	Email           string           `json:"email"`
	FirstName       string           `json:"first_name"`
	LastName        string           `json:"last_name"`
	RoleAssignments []RoleAssignment `json:"role_assignments"`
}

// Organization as returned by the platform directory.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
