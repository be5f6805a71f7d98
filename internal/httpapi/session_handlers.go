package httpapi

import (
	"context"
	"net/http"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/orgaccess"
	"tenantgate.io/internal/validate"
)

// handleSessionGet returns the session snapshot: who the user is and which
// organization is currently selected. It never touches the directory.
func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	orgID, _, err := a.sessions.CurrentOrganization(r.Context(), id.ID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	resp := map[string]any{
		"user_id": id.ID,
		"email":   id.Email,
	}
	if orgID != "" {
		resp["current_organization_id"] = orgID
	}
	writeJSON(w, http.StatusOK, resp)
}

type selectOrganizationRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
}

// handleSessionOrganization switches the current organization. The new
// selection is validated against the directory before it is persisted; the
// previously stored selection is never trusted as evidence of access.
func (a *API) handleSessionOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	var req selectOrganizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, ok := a.validateAccess(r, req.OrganizationID)
	if !ok {
		writeError(w, r, http.StatusRequestTimeout, "request cancelled")
		return
	}
	if res.State != orgaccess.StateValid {
		a.writeAccessDenied(w, r, res)
		return
	}

	if err := a.sessions.SetCurrentOrganization(r.Context(), id.ID, req.OrganizationID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), "session.organization_selected", map[string]any{
		"organization_id": req.OrganizationID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        res.State.String(),
		"organization": res.Organization,
	})
}

// handleSignOut clears all session state before the redirect is returned, so
// no protected view can render against a stale identity afterwards.
func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return
	}

	if err := a.sessions.Clear(r.Context(), id.ID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "sign-out incomplete, try again")
		return
	}
	a.dropValidator(id.ID)
	_ = audit.LogEvent(r.Context(), "session.signout", map[string]any{
		"redirect": "/signin",
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"redirect_path": "/signin",
	})
}

// validateAccess runs an authoritative access check and waits for this
// request's outcome. The second return is false when the caller went away.
func (a *API) validateAccess(r *http.Request, orgID string) (orgaccess.Result, bool) {
	id, _ := identity.FromContext(r.Context())
	ch := a.validatorFor(id.ID).Request(r.Context(), orgID)
	return awaitResult(r.Context(), ch)
}

func awaitResult(ctx context.Context, ch <-chan orgaccess.Result) (orgaccess.Result, bool) {
	select {
	case res := <-ch:
		return res, true
	case <-ctx.Done():
		return orgaccess.Result{}, false
	}
}
