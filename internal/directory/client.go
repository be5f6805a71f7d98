// Package directory is the typed client for the platform directory API: the
// authorization backend that owns role assignments and the organization
// lookup endpoint that is the single source of truth for access decisions.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tenantgate.io/internal/identity"
)

var (
	// ErrNotFound reports a definitive 404 from the directory.
	ErrNotFound = errors.New("directory: not found")
	// ErrForbidden reports a definitive 401/403 from the directory.
	ErrForbidden = errors.New("directory: forbidden")
)

const defaultTimeout = 10 * time.Second

// Client calls the directory API over JSON/HTTP.
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

// New creates a directory client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory: base URL is required")
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

// roleAssignmentDTO mirrors the authorization backend wire shape.
type roleAssignmentDTO struct {
	Role struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Description  string `json:"description"`
		IsSystemRole bool   `json:"is_system_role"`
		Permissions  []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Resource string `json:"resource"`
			Action   string `json:"action"`
		} `json:"permissions"`
	} `json:"role"`
	OrganizationID *string `json:"organization_id"`
	UserRoleID     string  `json:"user_role_id"`
}

// RoleAssignments fetches the caller-scoped role assignments for a user. The
// backend already filters the list to what the caller may see; no client-side
// filtering is applied.
func (c *Client) RoleAssignments(ctx context.Context, userID string) ([]identity.RoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("directory: user id is required")
	}
	var dtos []roleAssignmentDTO
	if err := c.getJSON(ctx, "/users/"+userID+"/roles", &dtos); err != nil {
		return nil, err
	}
	assignments := make([]identity.RoleAssignment, 0, len(dtos))
	for _, dto := range dtos {
		role := identity.Role{
			ID:           dto.Role.ID,
			Name:         dto.Role.Name,
			Description:  dto.Role.Description,
			IsSystemRole: dto.Role.IsSystemRole,
		}
		for _, p := range dto.Role.Permissions {
			role.Permissions = append(role.Permissions, identity.Permission{
				ID:       p.ID,
				Name:     p.Name,
				Resource: p.Resource,
				Action:   p.Action,
			})
		}
		assignments = append(assignments, identity.RoleAssignment{
			Role:           role,
			OrganizationID: dto.OrganizationID,
			AssignmentID:   dto.UserRoleID,
		})
	}
	return assignments, nil
}

// Organization performs the authoritative organization lookup.
func (c *Client) Organization(ctx context.Context, id string) (identity.Organization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return identity.Organization{}, errors.New("directory: organization id is required")
	}
	var org identity.Organization
	if err := c.getJSON(ctx, "/organizations/"+id, &org); err != nil {
		return identity.Organization{}, err
	}
	return org, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token, ok := identity.TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	defer resp.Body.Close()

	if err := mapStatus(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}

func mapStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrForbidden
	default:
		return fmt.Errorf("directory: unexpected status %d", code)
	}
}
