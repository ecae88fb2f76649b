package auth

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory implementation of the directory
// interfaces, used by the daemon's static configuration and by tests.
// The real deployment would back these with the account and namespace
// stores; the gate only sees the interfaces.
type MemoryDirectory struct {
	mu           sync.RWMutex
	scopesByID   map[int64]*Scope
	scopesByPath map[string]*Scope
	accounts     map[int64]*Account
	deployTokens map[int64]*DeployToken
	members      map[int64]map[int64]bool // scope ID -> account ID
	settings     map[int64]bool           // scope ID -> enabled
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		scopesByID:   make(map[int64]*Scope),
		scopesByPath: make(map[string]*Scope),
		accounts:     make(map[int64]*Account),
		deployTokens: make(map[int64]*DeployToken),
		members:      make(map[int64]map[int64]bool),
		settings:     make(map[int64]bool),
	}
}

// AddScope registers a scope.
func (d *MemoryDirectory) AddScope(s *Scope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scopesByID[s.ID] = s
	d.scopesByPath[s.Path] = s
}

// AddAccount registers an account.
func (d *MemoryDirectory) AddAccount(a *Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

// AddDeployToken registers a deploy token.
func (d *MemoryDirectory) AddDeployToken(t *DeployToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployTokens[t.ID] = t
}

// AddMember grants accountID read membership on scopeID.
func (d *MemoryDirectory) AddMember(scopeID, accountID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[scopeID] == nil {
		d.members[scopeID] = make(map[int64]bool)
	}
	d.members[scopeID][accountID] = true
}

// SetEnabled records an explicit proxy setting for scopeID. This is the
// only way a setting comes into existence; read paths never create one.
func (d *MemoryDirectory) SetEnabled(scopeID int64, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings[scopeID] = enabled
}

// ScopeByPath implements ScopeDirectory.
func (d *MemoryDirectory) ScopeByPath(_ context.Context, path string) (*Scope, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.scopesByPath[path]
	return s, ok
}

// ScopeByID implements ScopeDirectory.
func (d *MemoryDirectory) ScopeByID(_ context.Context, id int64) (*Scope, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.scopesByID[id]
	return s, ok
}

// AccountByID implements IdentityDirectory.
func (d *MemoryDirectory) AccountByID(_ context.Context, id int64) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	return a, ok
}

// DeployTokenByID implements IdentityDirectory.
func (d *MemoryDirectory) DeployTokenByID(_ context.Context, id int64) (*DeployToken, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.deployTokens[id]
	return t, ok
}

// HasRead implements Memberships.
func (d *MemoryDirectory) HasRead(_ context.Context, accountID, scopeID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members[scopeID][accountID]
}

// Setting implements Settings.
func (d *MemoryDirectory) Setting(_ context.Context, scopeID int64) (enabled, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	enabled, ok = d.settings[scopeID]
	return enabled, ok
}
