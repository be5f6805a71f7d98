package httpapi

import (
	"errors"
	"net/http"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/billing"
	"tenantgate.io/internal/capability"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/orgaccess"
	"tenantgate.io/internal/validate"
)

type checkoutRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	PlanID         string `json:"plan_id" validate:"required"`
	SuccessURL     string `json:"success_url" validate:"required,url"`
	CancelURL      string `json:"cancel_url" validate:"required,url"`
}

// handleBillingCheckout starts a hosted checkout for the organization's
// subscription. Requires the manage-billing capability on that organization.
func (a *API) handleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	caps, ok := a.billingGate(w, r, &req, func() string { return req.OrganizationID })
	if !ok {
		return
	}
	if !caps.ManageBilling {
		writeError(w, r, http.StatusForbidden, "billing management is not permitted")
		return
	}

	url, err := a.billing.CheckoutSession(r.Context(), billing.CheckoutRequest{
		OrganizationID: req.OrganizationID,
		PlanID:         req.PlanID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "billing.checkout_redirect", map[string]any{
		"organization_id": req.OrganizationID,
		"plan_id":         req.PlanID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"checkout_url": url})
}

type portalRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	ReturnURL      string `json:"return_url" validate:"required,url"`
}

// handleBillingPortal opens the billing portal for the organization.
// Requires at least the view-billing capability.
func (a *API) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	caps, ok := a.billingGate(w, r, &req, func() string { return req.OrganizationID })
	if !ok {
		return
	}
	if !caps.ViewBilling {
		writeError(w, r, http.StatusForbidden, "billing access is not permitted")
		return
	}

	url, err := a.billing.PortalSession(r.Context(), billing.PortalRequest{
		OrganizationID: req.OrganizationID,
		ReturnURL:      req.ReturnURL,
	})
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "billing.portal_redirect", map[string]any{
		"organization_id": req.OrganizationID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"portal_url": url})
}

// billingGate runs the shared checks of both billing endpoints: method,
// configured backend, session, request body, and an authoritative access
// check for the requested organization. On success it returns the capability
// set computed against that organization.
func (a *API) billingGate(w http.ResponseWriter, r *http.Request, req any, orgID func() string) (capability.Set, bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return capability.Set{}, false
	}
	if a.billing == nil {
		writeError(w, r, http.StatusServiceUnavailable, "billing is not configured")
		return capability.Set{}, false
	}
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no session")
		return capability.Set{}, false
	}
	if err := decodeJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return capability.Set{}, false
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return capability.Set{}, false
	}

	res, ok := a.validateAccess(r, orgID())
	if !ok {
		writeError(w, r, http.StatusRequestTimeout, "request cancelled")
		return capability.Set{}, false
	}
	if res.State != orgaccess.StateValid {
		a.writeAccessDenied(w, r, res)
		return capability.Set{}, false
	}
	return capability.Compute(&id, res.Organization), true
}

func writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, billing.ErrRejected) {
		writeError(w, r, http.StatusUnprocessableEntity, "billing request rejected")
		return
	}
	writeError(w, r, http.StatusBadGateway, "billing backend unavailable")
}
