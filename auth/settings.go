package auth

import (
	"context"
)

// SettingResolver computes the effective proxy setting for scopes,
// memoizing ancestor walks. A resolver is scoped to a single request;
// it is not safe for concurrent use and must not outlive the request.
type SettingResolver struct {
	scopes   ScopeDirectory
	settings Settings
	memo     map[int64]bool
}

// NewSettingResolver creates a per-request setting resolver.
func NewSettingResolver(scopes ScopeDirectory, settings Settings) *SettingResolver {
	return &SettingResolver{
		scopes:   scopes,
		settings: settings,
		memo:     make(map[int64]bool),
	}
}

// Enabled resolves the effective enabled value for scope. A scope without
// an explicit setting inherits from the nearest ancestor that has one;
// with no configured ancestor the proxy is disabled.
func (r *SettingResolver) Enabled(ctx context.Context, scope *Scope) bool {
	if v, ok := r.memo[scope.ID]; ok {
		return v
	}

	var enabled bool
	if v, ok := r.settings.Setting(ctx, scope.ID); ok {
		enabled = v
	} else if scope.ParentID != 0 {
		if parent, ok := r.scopes.ScopeByID(ctx, scope.ParentID); ok {
			enabled = r.Enabled(ctx, parent)
		}
	}

	r.memo[scope.ID] = enabled
	return enabled
}
