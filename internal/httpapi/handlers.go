// Package httpapi is the HTTP surface of the gateway: session lifecycle,
// identity and capability queries, organization access validation and
// billing redirects.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/billing"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/idp"
	"tenantgate.io/internal/obs"
	"tenantgate.io/internal/orgaccess"
	"tenantgate.io/internal/session"
)

// DirectoryClient is the slice of the platform directory the API consumes.
type DirectoryClient interface {
	RoleAssignments(ctx context.Context, userID string) ([]identity.RoleAssignment, error)
	Organization(ctx context.Context, id string) (identity.Organization, error)
}

// BillingClient brokers hosted checkout and billing portal redirects.
type BillingClient interface {
	CheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error)
	PortalSession(ctx context.Context, req billing.PortalRequest) (string, error)
}

// ReadyProbe checks backing services for the readiness endpoint.
type ReadyProbe struct {
	Sessions *session.Store
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Sessions == nil {
		return nil
	}
	return rp.Sessions.Ping(ctx)
}

// Options wires the API dependencies.
type Options struct {
	Version       string
	Verifier      *idp.Verifier
	Directory     DirectoryClient
	Billing       BillingClient
	Sessions      *session.Store
	ReadyProbe    ReadyProbe
	Freshness     time.Duration
	SelectionPath string
	RateBurst     int
	RatePerSec    int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	version    string
	verifier   *idp.Verifier
	directory  DirectoryClient
	billing    BillingClient
	sessions   *session.Store
	readyProbe ReadyProbe

	freshness     time.Duration
	selectionPath string

	rateBurst  int
	ratePerSec int

	validatorMu sync.Mutex
	validators  map[string]*orgaccess.Validator
}

// New constructs the API and registers its routes.
func New(opts Options) (*API, error) {
	if opts.Verifier == nil {
		return nil, errors.New("httpapi: token verifier is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("httpapi: directory client is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("httpapi: session store is required")
	}
	a := &API{
		mux:           http.NewServeMux(),
		version:       opts.Version,
		verifier:      opts.Verifier,
		directory:     opts.Directory,
		billing:       opts.Billing,
		sessions:      opts.Sessions,
		readyProbe:    opts.ReadyProbe,
		freshness:     opts.Freshness,
		selectionPath: opts.SelectionPath,
		rateBurst:     opts.RateBurst,
		ratePerSec:    opts.RatePerSec,
		validators:    make(map[string]*orgaccess.Validator),
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/me/refresh", a.handleMeRefresh)
	a.mux.HandleFunc("/v1/capabilities", a.handleCapabilities)
	a.mux.HandleFunc("/v1/session", a.handleSessionGet)
	a.mux.HandleFunc("/v1/session/organization", a.handleSessionOrganization)
	a.mux.HandleFunc("/v1/organizations/", a.handleOrganizationScoped)
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignOut)
	a.mux.HandleFunc("/v1/billing/checkout", a.handleBillingCheckout)
	a.mux.HandleFunc("/v1/billing/portal", a.handleBillingPortal)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// validatorFor returns the per-user access validator, creating it on first
// use. Each validator holds that user's lookup cache and staleness guard.
func (a *API) validatorFor(userID string) *orgaccess.Validator {
	a.validatorMu.Lock()
	defer a.validatorMu.Unlock()
	if v, ok := a.validators[userID]; ok {
		return v
	}
	var opts []orgaccess.Option
	if a.freshness > 0 {
		opts = append(opts, orgaccess.WithFreshness(a.freshness))
	}
	if a.selectionPath != "" {
		opts = append(opts, orgaccess.WithSelectionPath(a.selectionPath))
	}
	v, err := orgaccess.New(a.directory, opts...)
	if err != nil {
		// Directory presence is checked in New, so this cannot fail.
		panic(err)
	}
	a.validators[userID] = v
	return v
}

func (a *API) dropValidator(userID string) {
	a.validatorMu.Lock()
	defer a.validatorMu.Unlock()
	delete(a.validators, userID)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenantgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tenantgate",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": audit.RequestIDFromContext(r.Context()),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
