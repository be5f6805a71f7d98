package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tenantgate.io/internal/identity"
	"tenantgate.io/internal/idp"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		raw, err := a.verifier.Verify(token)
		if err != nil {
			if errors.Is(err, idp.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := identity.ContextWithToken(r.Context(), token)
		id, err := a.resolveIdentity(ctx, raw)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "identity temporarily unavailable")
			return
		}

		ctx = identity.ContextWithIdentity(ctx, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveIdentity restores the identity from the session store when a
// fresh copy exists, otherwise resolves it from the directory and caches
// the result. Directory failures are not cached so the next request
// retries the lookup.
func (a *API) resolveIdentity(ctx context.Context, raw identity.RawUser) (identity.Identity, error) {
	if cached, ok, err := a.sessions.Identity(ctx, raw.ID); err == nil && ok {
		return cached, nil
	}
	return a.resolveFresh(ctx, raw)
}

// resolveFresh bypasses the session cache and always consults the directory.
func (a *API) resolveFresh(ctx context.Context, raw identity.RawUser) (identity.Identity, error) {
	assignments, err := a.directory.RoleAssignments(ctx, raw.ID)
	if err != nil {
		return identity.Identity{}, err
	}
	id := identity.Resolve(raw, assignments)
	if err := a.sessions.SaveIdentity(ctx, id); err != nil {
		// The session cache is an optimization; the identity is still valid.
		return id, nil
	}
	return id, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
