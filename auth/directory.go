package auth

import (
	"context"
	"errors"
)

// Sentinel errors for authorization decisions.
var (
	// ErrUnauthorized is returned when the caller's identity is rejected
	// outright: missing where required, unresolvable, or revoked/expired.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrNotFound is returned when the target scope is disabled, hidden
	// from the caller, or genuinely absent. The three cases are
	// deliberately indistinguishable so that the proxy never leaks the
	// existence of private namespaces.
	ErrNotFound = errors.New("auth: not found")
)

// Scope is a namespace (group or subgroup) under which proxying is
// configured and authorized. ParentID is zero for root scopes.
type Scope struct {
	ID       int64
	Path     string
	ParentID int64
	Public   bool
}

// ScopeDirectory resolves scopes and their ancestry.
type ScopeDirectory interface {
	// ScopeByPath returns the scope with the given full path.
	ScopeByPath(ctx context.Context, path string) (*Scope, bool)

	// ScopeByID returns the scope with the given ID.
	ScopeByID(ctx context.Context, id int64) (*Scope, bool)
}

// IdentityDirectory resolves JWT subjects to identities.
type IdentityDirectory interface {
	// AccountByID returns the account with the given ID.
	AccountByID(ctx context.Context, id int64) (*Account, bool)

	// DeployTokenByID returns the deploy token with the given ID.
	DeployTokenByID(ctx context.Context, id int64) (*DeployToken, bool)
}

// Memberships reports account memberships on scopes. Membership on an
// ancestor scope is checked separately by the gate; implementations only
// answer for the exact scope ID given.
type Memberships interface {
	// HasRead reports whether the account holds at least read-level
	// membership directly on the scope.
	HasRead(ctx context.Context, accountID, scopeID int64) bool
}

// Settings stores explicit per-scope proxy settings. Scopes without an
// explicit setting inherit from their nearest configured ancestor.
type Settings interface {
	// Setting returns the explicit setting for the scope, if any.
	Setting(ctx context.Context, scopeID int64) (enabled, ok bool)
}
