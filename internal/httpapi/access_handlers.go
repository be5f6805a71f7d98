package httpapi

import (
	"net/http"
	"strings"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/orgaccess"
)

// handleOrganizationScoped routes /v1/organizations/{id}/access.
func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/organizations/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[0] != "" && parts[1] == "access" {
		a.handleOrganizationAccess(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

// handleOrganizationAccess answers the authoritative question "may the
// current identity access this organization". Valid answers carry the
// organization record; denials carry a reason and a redirect, and never
// reveal whether the organization exists.
func (a *API) handleOrganizationAccess(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	res, ok := a.validateAccess(r, orgID)
	if !ok {
		writeError(w, r, http.StatusRequestTimeout, "request cancelled")
		return
	}
	if res.State != orgaccess.StateValid {
		a.writeAccessDenied(w, r, res)
		return
	}

	// A confirmed selection replaces the stored one; failures here do not
	// affect the access answer.
	_ = a.sessions.SetCurrentOrganization(r.Context(), id.ID, orgID)

	writeJSON(w, http.StatusOK, map[string]any{
		"state":        res.State.String(),
		"organization": res.Organization,
	})
}

// writeAccessDenied maps non-valid validation outcomes onto HTTP responses.
// Definitive denials and missing organizations share one body; transient
// directory failures keep the same reason but are marked retryable.
func (a *API) writeAccessDenied(w http.ResponseWriter, r *http.Request, res orgaccess.Result) {
	switch res.State {
	case orgaccess.StateSelectionRequired:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"state":         res.State.String(),
			"reason":        res.Reason,
			"redirect_path": res.RedirectPath,
		})
	case orgaccess.StateInvalid:
		_ = audit.LogEvent(r.Context(), "access.denied", map[string]any{
			"organization_id": res.OrganizationID,
			"retryable":       res.Retryable,
		})
		code := http.StatusForbidden
		if res.Retryable {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"state":         res.State.String(),
			"reason":        res.Reason,
			"redirect_path": res.RedirectPath,
			"retryable":     res.Retryable,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"state": res.State.String(),
		})
	}
}
