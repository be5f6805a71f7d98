package httpapi

import (
	"net/http"

	"tenantgate.io/internal/capability"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/idp"
	"tenantgate.io/internal/orgaccess"
)

// handleMe returns the resolved identity for the session. The authentication
// middleware already restored it cache-first, so this is a pure read.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// handleMeRefresh re-resolves the identity from the directory, bypassing the
// session cache, and returns the fresh copy.
func (a *API) handleMeRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := identity.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}
	raw, err := a.verifier.Verify(token)
	if err != nil {
		// The middleware verified this token moments ago; it can only have
		// expired in between.
		writeError(w, r, http.StatusUnauthorized, idp.ErrInvalidToken.Error())
		return
	}
	id, err := a.resolveFresh(r.Context(), raw)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "identity temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// handleCapabilities computes the capability bundle for the requested
// organization, or for the stored selection when none is given. Organization
// access is re-validated against the directory before any org-scoped
// capability is granted.
func (a *API) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		stored, _, err := a.sessions.CurrentOrganization(r.Context(), id.ID)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
		orgID = stored
	}

	if orgID == "" {
		// No selection yet: only identity-level capabilities apply.
		writeJSON(w, http.StatusOK, map[string]any{
			"capabilities": capability.Compute(&id, nil),
			"organization": nil,
		})
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

	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": capability.Compute(&id, res.Organization),
		"organization": res.Organization,
	})
}
