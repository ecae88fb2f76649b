package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meigma/depproxy/auth"
)

// Config is the on-disk configuration for the proxy daemon. Scope,
// account, and deploy token tables seed the in-memory directory; a real
// deployment would back these with its own directory implementation.
type Config struct {
	Listen         string `toml:"listen"`
	StorageDir     string `toml:"storage_dir"`
	JWTSecret      string `toml:"jwt_secret"`
	InternalSecret string `toml:"internal_secret"`
	PublicAccess   bool   `toml:"public_access"`
	Offload        bool   `toml:"offload"`

	Upstream UpstreamConfig `toml:"upstream"`

	Scopes       []ScopeConfig       `toml:"scope"`
	Accounts     []AccountConfig     `toml:"account"`
	DeployTokens []DeployTokenConfig `toml:"deploy_token"`
}

type UpstreamConfig struct {
	RegistryURL string `toml:"registry_url,omitempty"`
	AuthURL     string `toml:"auth_url,omitempty"`
	Service     string `toml:"service,omitempty"`
}

type ScopeConfig struct {
	ID       int64  `toml:"id"`
	Path     string `toml:"path"`
	ParentID int64  `toml:"parent_id,omitempty"`
	Public   bool   `toml:"public,omitempty"`
	Enabled  *bool  `toml:"enabled,omitempty"`
}

type AccountConfig struct {
	ID       int64   `toml:"id"`
	Username string  `toml:"username"`
	Member   []int64 `toml:"member_of,omitempty"`
}

type DeployTokenConfig struct {
	ID        int64     `toml:"id"`
	ScopeID   int64     `toml:"scope_id"`
	Revoked   bool      `toml:"revoked,omitempty"`
	ExpiresAt time.Time `toml:"expires_at,omitempty"`
	Scopes    []string  `toml:"scopes"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Listen:     ":8080",
		StorageDir: "data",
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s: jwt_secret is required", path)
	}
	return cfg, nil
}

// buildDirectory seeds the in-memory directory from the config tables.
func buildDirectory(cfg *Config) (*auth.MemoryDirectory, error) {
	dir := auth.NewMemoryDirectory()

	for _, sc := range cfg.Scopes {
		dir.AddScope(&auth.Scope{ID: sc.ID, Path: sc.Path, ParentID: sc.ParentID, Public: sc.Public})
		if sc.Enabled != nil {
			dir.SetEnabled(sc.ID, *sc.Enabled)
		}
	}
	for _, ac := range cfg.Accounts {
		dir.AddAccount(&auth.Account{ID: ac.ID, Username: ac.Username})
		for _, scopeID := range ac.Member {
			dir.AddMember(scopeID, ac.ID)
		}
	}
	for _, tc := range cfg.DeployTokens {
		actions := make([]auth.Action, 0, len(tc.Scopes))
		for _, name := range tc.Scopes {
			switch name {
			case string(auth.ActionRead):
				actions = append(actions, auth.ActionRead)
			case string(auth.ActionWrite):
				actions = append(actions, auth.ActionWrite)
			default:
				return nil, fmt.Errorf("deploy token %d: unknown scope %q", tc.ID, name)
			}
		}
		dir.AddDeployToken(&auth.DeployToken{
			ID:        tc.ID,
			ScopeID:   tc.ScopeID,
			Revoked:   tc.Revoked,
			ExpiresAt: tc.ExpiresAt,
			Scopes:    actions,
		})
	}
	return dir, nil
}
