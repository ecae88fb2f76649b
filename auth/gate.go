package auth

import (
	"context"
	"log/slog"
	"time"
)

// Gate authorizes caller identities against proxy scopes.
type Gate struct {
	scopes   ScopeDirectory
	settings Settings
	members  Memberships

	// publicAccess permits anonymous reads of public scopes. It mirrors
	// the deployment-level flag consumed by the proxy; the gate only
	// reads the boolean.
	publicAccess bool

	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPublicAccess permits anonymous reads of public scopes.
func WithPublicAccess(allow bool) GateOption {
	return func(g *Gate) {
		g.publicAccess = allow
	}
}

// WithGateLogger sets the logger used for authorization decisions.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate over the given directories.
func NewGate(scopes ScopeDirectory, settings Settings, members Memberships, opts ...GateOption) *Gate {
	g := &Gate{
		scopes:   scopes,
		settings: settings,
		members:  members,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) log() *slog.Logger {
	if g.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.logger
}

// Authorize decides whether identity may perform action under the scope
// named by scopePath. A nil identity is the anonymous caller. On success
// the resolved scope is returned. Failures are ErrUnauthorized or
// ErrNotFound; the gate has no side effects.
func (g *Gate) Authorize(ctx context.Context, identity Identity, scopePath string, action Action) (*Scope, error) {
	scope, ok := g.scopes.ScopeByPath(ctx, scopePath)
	if !ok {
		return nil, ErrNotFound
	}

	resolver := NewSettingResolver(g.scopes, g.settings)
	if !resolver.Enabled(ctx, scope) {
		g.log().Debug("proxy disabled for scope", "scope", scope.Path)
		return nil, ErrNotFound
	}

	switch caller := identity.(type) {
	case nil:
		if scope.Public && g.publicAccess && action == ActionRead {
			return scope, nil
		}
		return nil, ErrUnauthorized

	case *Account:
		if g.hasMembership(ctx, caller.ID, scope) {
			return scope, nil
		}
		// A real account without membership must not learn whether the
		// scope exists.
		return nil, ErrNotFound

	case *DeployToken:
		return g.authorizeDeployToken(ctx, caller, scope, action)

	default:
		return nil, ErrUnauthorized
	}
}

// hasMembership walks scope and its ancestors looking for a read-level
// membership; membership on a parent group covers its subgroups.
func (g *Gate) hasMembership(ctx context.Context, accountID int64, scope *Scope) bool {
	for s := scope; s != nil; {
		if g.members.HasRead(ctx, accountID, s.ID) {
			return true
		}
		if s.ParentID == 0 {
			return false
		}
		parent, ok := g.scopes.ScopeByID(ctx, s.ParentID)
		if !ok {
			return false
		}
		s = parent
	}
	return false
}

func (g *Gate) authorizeDeployToken(ctx context.Context, token *DeployToken, scope *Scope, action Action) (*Scope, error) {
	if !token.Active(time.Now()) {
		return nil, ErrUnauthorized
	}
	if !g.ownsScope(ctx, token.ScopeID, scope) {
		// Valid token for a foreign scope: hide this scope's existence.
		return nil, ErrNotFound
	}
	if !token.Can(action) {
		return nil, ErrNotFound
	}
	return scope, nil
}

// ownsScope reports whether tokenScopeID is scope or one of its ancestors.
func (g *Gate) ownsScope(ctx context.Context, tokenScopeID int64, scope *Scope) bool {
	for s := scope; s != nil; {
		if s.ID == tokenScopeID {
			return true
		}
		if s.ParentID == 0 {
			return false
		}
		parent, ok := g.scopes.ScopeByID(ctx, s.ParentID)
		if !ok {
			return false
		}
		s = parent
	}
	return false
}
