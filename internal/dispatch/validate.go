package dispatch

import (
	"context"
	"errors"

	"github.com/reaction-framework/reaction/internal/async"
	"github.com/reaction-framework/reaction/internal/rbac"
)

// ErrForbidden is the denial produced when a validator resolves false
// without supplying a more specific error.
var ErrForbidden = errors.New("dispatch: forbidden")

// Validator is an asynchronous access predicate attached to a controller or
// a single action.
type Validator interface {
	Validate(rc *Ctx) *async.Promise[bool]
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(rc *Ctx) *async.Promise[bool]

func (f ValidatorFunc) Validate(rc *Ctx) *async.Promise[bool] { return f(rc) }

// AccessChecker is the capability validators use to query the permission
// graph. *rbac.Manager satisfies it.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, permissionName string, params map[string]any) *async.Promise[bool]
}

// RequireAuthenticated denies guests.
type RequireAuthenticated struct{}

func (RequireAuthenticated) Validate(rc *Ctx) *async.Promise[bool] {
	return async.Resolved(!rc.Principal.IsGuest())
}

// RequireGuest denies authenticated principals.
type RequireGuest struct{}

func (RequireGuest) Validate(rc *Ctx) *async.Promise[bool] {
	return async.Resolved(rc.Principal.IsGuest())
}

// RequirePermissions grants access when the principal holds ANY of the
// listed permissions. An empty list means no permission is required and the
// validator always allows. The OR semantics are deliberate: listing several
// permissions names alternative grants, not a conjunction.
type RequirePermissions struct {
	Checker     AccessChecker
	Permissions []string

	// Params, when set, supplies rule parameters for each check.
	Params func(rc *Ctx) map[string]any
}

func (v RequirePermissions) Validate(rc *Ctx) *async.Promise[bool] {
	names := normalizePermissionNames(v.Permissions)
	if len(names) == 0 {
		return async.Resolved(true)
	}
	var params map[string]any
	if v.Params != nil {
		params = v.Params(rc)
	}
	checks := make([]*async.Promise[bool], 0, len(names))
	for _, name := range names {
		check := v.Checker.CheckAccess(rc.Context(), rc.Principal.ID, name, params)
		// Any picks the first fulfillment, so a denial must reject rather
		// than fulfill false.
		checks = append(checks, async.Map(check, func(granted bool) (bool, error) {
			if !granted {
				return false, ErrForbidden
			}
			return true, nil
		}))
	}
	return async.Catch(async.Any(checks...), func(error) (bool, error) {
		return false, nil
	})
}

// normalizePermissionNames trims, case-folds, and deduplicates while keeping
// first-seen order for deterministic evaluation.
func normalizePermissionNames(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = rbac.NormalizeName(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// RunChain evaluates validators strictly in order: a later validator is not
// started until the previous one allowed. The chain resolves true only when
// every validator allowed; a false resolution rejects with ErrForbidden and
// a validator's own rejection is passed through untouched.
func RunChain(rc *Ctx, validators ...Validator) *async.Promise[bool] {
	if len(validators) == 0 {
		return async.Resolved(true)
	}
	factories := make([]func() *async.Promise[bool], len(validators))
	for i, v := range validators {
		v := v
		factories[i] = func() *async.Promise[bool] {
			return async.Map(v.Validate(rc), func(allowed bool) (bool, error) {
				if !allowed {
					return false, ErrForbidden
				}
				return true, nil
			})
		}
	}
	return async.Map(async.AllInOrder(factories...), func([]bool) (bool, error) {
		return true, nil
	})
}
