package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"tenantgate.io/internal/billing"
	"tenantgate.io/internal/directory"
	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/idp"
	"tenantgate.io/internal/session"
)

const (
	testSecret = "unit-test-secret"
	testIssuer = "https://idp.test"
)

type stubDirectory struct {
	mu          sync.Mutex
	assignments map[string][]identity.RoleAssignment
	assignErr   error
	orgs        map[string]identity.Organization
	orgErr      map[string]error
	assignCalls int
	orgCalls    map[string]int
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		assignments: make(map[string][]identity.RoleAssignment),
		orgs:        make(map[string]identity.Organization),
		orgErr:      make(map[string]error),
		orgCalls:    make(map[string]int),
	}
}

func (s *stubDirectory) RoleAssignments(_ context.Context, userID string) ([]identity.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignCalls++
	if s.assignErr != nil {
		return nil, s.assignErr
	}
	return s.assignments[userID], nil
}

func (s *stubDirectory) Organization(_ context.Context, id string) (identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgCalls[id]++
	if err, ok := s.orgErr[id]; ok {
		return identity.Organization{}, err
	}
	org, ok := s.orgs[id]
	if !ok {
		return identity.Organization{}, directory.ErrNotFound
	}
	return org, nil
}

type stubBilling struct {
	mu           sync.Mutex
	checkoutURL  string
	portalURL    string
	err          error
	lastCheckout billing.CheckoutRequest
	lastPortal   billing.PortalRequest
}

func (s *stubBilling) CheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheckout = req
	if s.err != nil {
		return "", s.err
	}
	return s.checkoutURL, nil
}

func (s *stubBilling) PortalSession(_ context.Context, req billing.PortalRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPortal = req
	if s.err != nil {
		return "", s.err
	}
	return s.portalURL, nil
}

type testEnv struct {
	api     *API
	server  *httptest.Server
	dir     *stubDirectory
	billing *stubBilling
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions, err := session.New(rdb)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	verifier, err := idp.NewVerifier(testSecret, testIssuer)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	dir := newStubDirectory()
	bill := &stubBilling{
		checkoutURL: "https://pay.example.com/checkout/cs_123",
		portalURL:   "https://pay.example.com/portal/ps_123",
	}

	api, err := New(Options{
		Version:    "test",
		Verifier:   verifier,
		Directory:  dir,
		Billing:    bill,
		Sessions:   sessions,
		ReadyProbe: ReadyProbe{Sessions: sessions},
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = rdb.Close() })

	return &testEnv{api: api, server: srv, dir: dir, billing: bill, mr: mr}
}

func signToken(t *testing.T, userID, email string) string {
	t.Helper()
	now := time.Now()
	claims := idp.Claims{
		Email: email,
		UserMetadata: map[string]any{
			"first_name": "Ada",
			"last_name":  "Lovelace",
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, data, err)
		}
	}
	return resp, decoded
}

func orgAdminAssignment(orgID string) identity.RoleAssignment {
	return identity.RoleAssignment{
		Role:           identity.Role{ID: "role-oa", Name: identity.RoleOrgAdmin, IsSystemRole: true},
		OrganizationID: &orgID,
		AssignmentID:   "ur-1",
	}
}

func testOrg(id string) identity.Organization {
	return identity.Organization{ID: id, Name: "Acme", Slug: "acme", IsActive: true}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if body["service"] != "tenantgate" {
		t.Fatalf("unexpected service: %v", body["service"])
	}

	resp, body = env.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/info", "", nil)
	if resp.StatusCode != http.StatusOK || body["name"] != "tenantgate" {
		t.Fatalf("info = %d %v", resp.StatusCode, body)
	}
}

func TestReadyReportsRedisOutage(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	resp, body := env.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestMeResolvesAndCaches(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodGet, "/v1/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	if body["email"] != "ada@example.com" || body["first_name"] != "Ada" {
		t.Fatalf("unexpected identity: %v", body)
	}

	// The directory becomes unreachable; the cached identity still serves.
	env.dir.mu.Lock()
	env.dir.assignErr = errors.New("directory down")
	env.dir.mu.Unlock()

	resp, _ = env.do(t, http.MethodGet, "/v1/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cached me status = %d", resp.StatusCode)
	}

	// A forced refresh must bypass the cache and surface the outage.
	resp, _ = env.do(t, http.MethodPost, "/v1/me/refresh", token, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("refresh during outage status = %d, want 503", resp.StatusCode)
	}
}

func TestMeRefreshPicksUpNewAssignments(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodGet, "/v1/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	if got := body["role_assignments"]; got != nil {
		if arr, ok := got.([]any); ok && len(arr) != 0 {
			t.Fatalf("expected no assignments, got %v", got)
		}
	}

	env.dir.mu.Lock()
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.mu.Unlock()

	resp, body = env.do(t, http.MethodPost, "/v1/me/refresh", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	arr, ok := body["role_assignments"].([]any)
	if !ok || len(arr) != 1 {
		t.Fatalf("expected one assignment after refresh, got %v", body["role_assignments"])
	}
}

func TestOrganizationAccessFlow(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodGet, "/v1/organizations/org-1/access", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access status = %d: %v", resp.StatusCode, body)
	}
	if body["state"] != "valid" {
		t.Fatalf("state = %v, want valid", body["state"])
	}
	org, ok := body["organization"].(map[string]any)
	if !ok || org["name"] != "Acme" {
		t.Fatalf("unexpected organization: %v", body["organization"])
	}

	// A confirmed check becomes the stored selection.
	resp, body = env.do(t, http.MethodGet, "/v1/session", token, nil)
	if resp.StatusCode != http.StatusOK || body["current_organization_id"] != "org-1" {
		t.Fatalf("session = %d %v", resp.StatusCode, body)
	}
}

func TestAccessDenialsAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.dir.orgErr["org-forbidden"] = directory.ErrForbidden
	// org-missing has no entry, so the stub returns ErrNotFound.
	token := signToken(t, "user-1", "ada@example.com")

	resp1, body1 := env.do(t, http.MethodGet, "/v1/organizations/org-forbidden/access", token, nil)
	resp2, body2 := env.do(t, http.MethodGet, "/v1/organizations/org-missing/access", token, nil)

	if resp1.StatusCode != http.StatusForbidden || resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("statuses = %d, %d, want 403 for both", resp1.StatusCode, resp2.StatusCode)
	}
	if body1["reason"] != body2["reason"] || body1["redirect_path"] != body2["redirect_path"] {
		t.Fatalf("denial bodies differ: %v vs %v", body1, body2)
	}
	if body1["retryable"] != false {
		t.Fatalf("definitive denial marked retryable: %v", body1)
	}
}

func TestAccessTransportErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.dir.orgErr["org-1"] = errors.New("connection reset")
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodGet, "/v1/organizations/org-1/access", token, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["retryable"] != true {
		t.Fatalf("transport failure not marked retryable: %v", body)
	}

	// Once the directory recovers, the same id validates without a restart.
	env.dir.mu.Lock()
	delete(env.dir.orgErr, "org-1")
	env.dir.orgs["org-1"] = testOrg("org-1")
	env.dir.mu.Unlock()

	resp, body = env.do(t, http.MethodGet, "/v1/organizations/org-1/access", token, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != "valid" {
		t.Fatalf("retry = %d %v", resp.StatusCode, body)
	}
}

func TestSelectOrganization(t *testing.T) {
	env := newTestEnv(t)
	env.dir.orgs["org-1"] = testOrg("org-1")
	env.dir.orgErr["org-2"] = directory.ErrForbidden
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodPut, "/v1/session/organization", token,
		map[string]string{"organization_id": "org-1"})
	if resp.StatusCode != http.StatusOK || body["state"] != "valid" {
		t.Fatalf("select = %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPut, "/v1/session/organization", token,
		map[string]string{"organization_id": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank selection status = %d, want 400", resp.StatusCode)
	}

	// A denied switch must not clobber the stored selection.
	resp, _ = env.do(t, http.MethodPut, "/v1/session/organization", token,
		map[string]string{"organization_id": "org-2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied switch status = %d, want 403", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodGet, "/v1/session", token, nil)
	if resp.StatusCode != http.StatusOK || body["current_organization_id"] != "org-1" {
		t.Fatalf("selection after denied switch = %v", body)
	}
}

func TestCapabilities(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-1", "ada@example.com")

	// No selection: identity-level capabilities only.
	resp, body := env.do(t, http.MethodGet, "/v1/capabilities", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capabilities status = %d", resp.StatusCode)
	}
	caps, ok := body["capabilities"].(map[string]any)
	if !ok {
		t.Fatalf("missing capabilities: %v", body)
	}
	if caps["is_platform_admin"] != false || caps["can_manage_billing"] != false {
		t.Fatalf("unexpected selection-free capabilities: %v", caps)
	}
	if body["organization"] != nil {
		t.Fatalf("expected null organization, got %v", body["organization"])
	}

	// Explicit organization: org admin gets the full bundle.
	resp, body = env.do(t, http.MethodGet, "/v1/capabilities?organization_id=org-1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("org capabilities status = %d", resp.StatusCode)
	}
	caps = body["capabilities"].(map[string]any)
	for _, key := range []string{"is_org_admin", "can_update_organization", "can_manage_billing", "can_view_billing"} {
		if caps[key] != true {
			t.Fatalf("%s = %v, want true (%v)", key, caps[key], caps)
		}
	}
	if caps["is_platform_admin"] != false {
		t.Fatalf("org admin must not be platform admin: %v", caps)
	}
}

func TestCapabilitiesDeniedOrganization(t *testing.T) {
	env := newTestEnv(t)
	env.dir.orgErr["org-9"] = directory.ErrForbidden
	token := signToken(t, "user-1", "ada@example.com")

	resp, body := env.do(t, http.MethodGet, "/v1/capabilities?organization_id=org-9", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body["reason"] == "" || body["redirect_path"] == "" {
		t.Fatalf("denial lacks reason/redirect: %v", body)
	}
}

func TestSignOutClearsSession(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-1", "ada@example.com")

	if resp, _ := env.do(t, http.MethodGet, "/v1/organizations/org-1/access", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("setup access failed: %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/auth/signout", token, nil)
	if resp.StatusCode != http.StatusOK || body["redirect_path"] != "/signin" {
		t.Fatalf("signout = %d %v", resp.StatusCode, body)
	}

	// Identity and selection are gone: the next request re-resolves from the
	// directory and the selection is empty.
	before := func() int {
		env.dir.mu.Lock()
		defer env.dir.mu.Unlock()
		return env.dir.assignCalls
	}()
	resp, body = env.do(t, http.MethodGet, "/v1/session", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session after signout = %d", resp.StatusCode)
	}
	if _, ok := body["current_organization_id"]; ok {
		t.Fatalf("selection survived sign-out: %v", body)
	}
	after := func() int {
		env.dir.mu.Lock()
		defer env.dir.mu.Unlock()
		return env.dir.assignCalls
	}()
	if after <= before {
		t.Fatalf("expected directory re-resolution after sign-out")
	}
}

func TestBillingCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-1", "ada@example.com")

	req := map[string]string{
		"organization_id": "org-1",
		"plan_id":         "plan_pro",
		"success_url":     "https://app.example.com/billing/success",
		"cancel_url":      "https://app.example.com/billing/cancel",
	}
	resp, body := env.do(t, http.MethodPost, "/v1/billing/checkout", token, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkout = %d %v", resp.StatusCode, body)
	}
	if body["checkout_url"] != "https://pay.example.com/checkout/cs_123" {
		t.Fatalf("unexpected checkout url: %v", body)
	}
	env.billing.mu.Lock()
	forwarded := env.billing.lastCheckout
	env.billing.mu.Unlock()
	if forwarded.PlanID != "plan_pro" {
		t.Fatalf("plan not forwarded: %+v", forwarded)
	}

	// Missing plan is rejected before the backend is called.
	resp, body = env.do(t, http.MethodPost, "/v1/billing/checkout", token, map[string]string{
		"organization_id": "org-1",
		"success_url":     "https://app.example.com/s",
		"cancel_url":      "https://app.example.com/c",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing plan status = %d, want 400: %v", resp.StatusCode, body)
	}
}

func TestBillingRequiresCapability(t *testing.T) {
	env := newTestEnv(t)
	// Viewer role: only billing.view on org-1.
	orgID := "org-1"
	env.dir.assignments["user-2"] = []identity.RoleAssignment{{
		Role: identity.Role{
			ID:   "role-viewer",
			Name: "billing_viewer",
			Permissions: []identity.Permission{
				{ID: "p1", Name: "billing.view", Resource: "billing", Action: "view"},
			},
		},
		OrganizationID: &orgID,
		AssignmentID:   "ur-2",
	}}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-2", "viewer@example.com")

	resp, _ := env.do(t, http.MethodPost, "/v1/billing/checkout", token, map[string]string{
		"organization_id": "org-1",
		"plan_id":         "plan_pro",
		"success_url":     "https://app.example.com/s",
		"cancel_url":      "https://app.example.com/c",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("checkout without manage = %d, want 403", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/billing/portal", token, map[string]string{
		"organization_id": "org-1",
		"return_url":      "https://app.example.com/billing",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("portal with view = %d %v", resp.StatusCode, body)
	}
	if body["portal_url"] != "https://pay.example.com/portal/ps_123" {
		t.Fatalf("unexpected portal url: %v", body)
	}
}

func TestBillingBackendErrors(t *testing.T) {
	env := newTestEnv(t)
	env.dir.assignments["user-1"] = []identity.RoleAssignment{orgAdminAssignment("org-1")}
	env.dir.orgs["org-1"] = testOrg("org-1")
	token := signToken(t, "user-1", "ada@example.com")

	req := map[string]string{
		"organization_id": "org-1",
		"plan_id":         "plan_pro",
		"success_url":     "https://app.example.com/s",
		"cancel_url":      "https://app.example.com/c",
	}

	env.billing.mu.Lock()
	env.billing.err = billing.ErrRejected
	env.billing.mu.Unlock()
	resp, _ := env.do(t, http.MethodPost, "/v1/billing/checkout", token, req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("rejected status = %d, want 422", resp.StatusCode)
	}

	env.billing.mu.Lock()
	env.billing.err = fmt.Errorf("billing: unexpected status 502")
	env.billing.mu.Unlock()
	resp, _ = env.do(t, http.MethodPost, "/v1/billing/checkout", token, req)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("backend failure status = %d, want 502", resp.StatusCode)
	}
}
