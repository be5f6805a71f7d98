// Package orgaccess authoritatively validates whether the current identity
// may access a specific organization. The locally cached organization
// selection is never consulted: every decision comes from a directory lookup.
package orgaccess

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"tenantgate.io/internal/directory"
	"tenantgate.io/internal/identity"
)

// State is the three-state outcome of a validation, plus the distinct
// missing-identifier case which must not be conflated with a denial.
type State int

const (
	StatePending State = iota
	StateValid
	StateInvalid
	StateSelectionRequired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateSelectionRequired:
		return "selection_required"
	default:
		return "unknown"
	}
}

// Result is the published outcome of the latest validation request. Denials
// always carry a human-readable reason and an actionable redirect path.
// Not-found and forbidden collapse to the same reason so callers cannot
// learn whether an organization exists.
type Result struct {
	State          State
	OrganizationID string
	Organization   *identity.Organization
	Reason         string
	RedirectPath   string
	// Retryable marks transport failures that may be re-requested. The
	// user-facing reason stays identical to a definitive denial.
	Retryable bool
}

// OrganizationGetter is the authoritative lookup consumed by the validator.
type OrganizationGetter interface {
	Organization(ctx context.Context, id string) (identity.Organization, error)
}

const (
	defaultFreshFor      = 30 * time.Second
	defaultSelectionPath = "/organizations"

	deniedReason    = "You do not have access to this organization."
	selectionReason = "Select an organization to continue."
)

// Validator serialises organization access checks for one session. A new
// request supersedes any in-flight request for a different id: late results
// update the lookup cache but are never published as the current state.
type Validator struct {
	client        OrganizationGetter
	freshFor      time.Duration
	now           func() time.Time
	selectionPath string

	mu       sync.Mutex
	latest   string
	current  Result
	cache    map[string]cacheEntry
	inflight map[string][]chan Result
}

type cacheEntry struct {
	org identity.Organization
	at  time.Time
}

// Option configures Validator behavior.
type Option func(*Validator)

// WithFreshness bounds how long a successful lookup is reused before the
// directory is asked again.
func WithFreshness(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.freshFor = d
		}
	}
}

// WithSelectionPath overrides the redirect target offered on denial and on
// the missing-identifier case.
func WithSelectionPath(path string) Option {
	return func(v *Validator) {
		if strings.TrimSpace(path) != "" {
			v.selectionPath = path
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// New constructs a Validator around the authoritative lookup client.
func New(client OrganizationGetter, opts ...Option) (*Validator, error) {
	if client == nil {
		return nil, errors.New("orgaccess: organization client is required")
	}
	v := &Validator{
		client:        client,
		freshFor:      defaultFreshFor,
		now:           time.Now,
		selectionPath: defaultSelectionPath,
		current:       Result{State: StatePending},
		cache:         make(map[string]cacheEntry),
		inflight:      make(map[string][]chan Result),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Current reports the latest published result.
func (v *Validator) Current() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Request starts a validation for the given organization id and returns a
// channel that delivers the outcome of this specific request once the lookup
// completes, whether or not it is still the latest by then. The published
// state (Current) only ever reflects the most recent request.
//
// A blank id resolves immediately to StateSelectionRequired. A fresh cached
// success resolves immediately to StateValid without a new lookup, and at
// most one lookup per id is in flight at any time.
func (v *Validator) Request(ctx context.Context, id string) <-chan Result {
	ch := make(chan Result, 1)
	id = strings.TrimSpace(id)

	v.mu.Lock()
	if id == "" {
		res := Result{
			State:        StateSelectionRequired,
			Reason:       selectionReason,
			RedirectPath: v.selectionPath,
		}
		v.latest = ""
		v.current = res
		v.mu.Unlock()
		ch <- res
		return ch
	}

	v.latest = id
	if entry, ok := v.cache[id]; ok && v.now().Sub(entry.at) <= v.freshFor {
		org := entry.org
		res := Result{State: StateValid, OrganizationID: id, Organization: &org}
		v.current = res
		v.mu.Unlock()
		ch <- res
		return ch
	}

	v.current = Result{State: StatePending, OrganizationID: id}
	waiters, running := v.inflight[id]
	v.inflight[id] = append(waiters, ch)
	v.mu.Unlock()

	if !running {
		go v.lookup(ctx, id)
	}
	return ch
}

// Invalidate drops the cached success for an id, forcing the next request to
// consult the directory again.
func (v *Validator) Invalidate(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, strings.TrimSpace(id))
}

func (v *Validator) lookup(ctx context.Context, id string) {
	org, err := v.client.Organization(ctx, id)

	var res Result
	if err == nil {
		res = Result{State: StateValid, OrganizationID: id, Organization: &org}
	} else {
		// Not-found and forbidden are indistinguishable on purpose; only
		// transport errors are flagged retryable.
		definitive := errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrForbidden)
		res = Result{
			State:          StateInvalid,
			OrganizationID: id,
			Reason:         deniedReason,
			RedirectPath:   v.selectionPath,
			Retryable:      !definitive,
		}
	}

	v.mu.Lock()
	if err == nil {
		v.cache[id] = cacheEntry{org: org, at: v.now()}
	}
	waiters := v.inflight[id]
	delete(v.inflight, id)
	if v.latest == id {
		v.current = res
	}
	v.mu.Unlock()

	for _, w := range waiters {
		w <- res
	}
}
