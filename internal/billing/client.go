// Package billing brokers redirects to the hosted payments provider through
// the platform billing backend. The gateway never parses provider payloads:
// it forwards a request and hands back a redirect URL or a failure.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenantgate.io/internal/identity"
)

// ErrRejected reports that the billing backend refused the request
// (bad input, unknown plan, no subscription to manage).
var ErrRejected = errors.New("billing: request rejected")

const defaultTimeout = 15 * time.Second

// Client calls the billing backend over JSON/HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (useful for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a billing client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("billing: base URL is required")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckoutRequest describes a hosted-checkout session for a subscription.
type CheckoutRequest struct {
	OrganizationID string `json:"organization_id"`
	PlanID         string `json:"plan_id"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
}

// PortalRequest describes a billing-portal session.
type PortalRequest struct {
	OrganizationID string `json:"organization_id"`
	ReturnURL      string `json:"return_url"`
}

// CheckoutSession starts a hosted checkout and returns the redirect URL.
func (c *Client) CheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if strings.TrimSpace(req.OrganizationID) == "" || strings.TrimSpace(req.PlanID) == "" {
		return "", fmt.Errorf("%w: organization_id and plan_id are required", ErrRejected)
	}
	var resp struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := c.postJSON(ctx, "/billing/subscription/checkout", req, &resp); err != nil {
		return "", err
	}
	if resp.CheckoutURL == "" {
		return "", errors.New("billing: empty checkout url")
	}
	return resp.CheckoutURL, nil
}

// PortalSession opens the billing portal and returns the redirect URL.
func (c *Client) PortalSession(ctx context.Context, req PortalRequest) (string, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return "", fmt.Errorf("%w: organization_id is required", ErrRejected)
	}
	var resp struct {
		PortalURL string `json:"portal_url"`
	}
	if err := c.postJSON(ctx, "/billing/subscription/portal", req, &resp); err != nil {
		return "", err
	}
	if resp.PortalURL == "" {
		return "", errors.New("billing: empty portal url")
	}
	return resp.PortalURL, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("billing: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if token, ok := identity.TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("billing: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrRejected
	default:
		return fmt.Errorf("billing: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billing: decode response: %w", err)
	}
	return nil
}
