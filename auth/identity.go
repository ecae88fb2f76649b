// Package auth decides who a proxy caller is and what they may touch.
//
// Callers present a bearer JWT minted by [TokenCodec]. The subject resolves
// through a [Directory] to either an [Account] or a [DeployToken]. The
// [Gate] then authorizes the identity against a scope, walking the scope's
// ancestry for both proxy settings and memberships.
package auth

import (
	"fmt"
	"time"
)

// Action is a capability requested against a scope.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Identity is the caller on whose behalf a proxy request runs.
type Identity interface {
	// Subject returns the stable subject string encoded into client JWTs.
	Subject() string
}

// Account is an interactive user known to the membership directory.
type Account struct {
	ID       int64
	Username string
}

// Subject implements Identity.
func (a *Account) Subject() string { return fmt.Sprintf("user:%d", a.ID) }

// DeployToken is a non-interactive credential issued for a single scope
// with a fixed capability set.
type DeployToken struct {
	ID        int64
	ScopeID   int64
	Revoked   bool
	ExpiresAt time.Time // zero means no expiry
	Scopes    []Action
}

// Subject implements Identity.
func (t *DeployToken) Subject() string { return fmt.Sprintf("deploy-token:%d", t.ID) }

// Active reports whether the token is neither revoked nor expired at now.
func (t *DeployToken) Active(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt) {
		return false
	}
	return true
}

// Can reports whether the token's capability set includes action.
func (t *DeployToken) Can(action Action) bool {
	for _, s := range t.Scopes {
		if s == action {
			return true
		}
	}
	return false
}
