package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"oras.land/oras-go/v2/registry/remote/auth"
)

// maxErrorBody bounds how much of an upstream error body is relayed.
const maxErrorBody = 64 << 10

// Credential is a short-lived upstream bearer token. It belongs to the
// exchange that produced it: never persisted, never shared across
// requests.
type Credential struct {
	Token       string
	ExpiresAt   time.Time
	ScopeClaims []string
}

// AuthHeader returns the Authorization header carrying the credential,
// as sent upstream and as handed to the transfer helper.
func (c *Credential) AuthHeader() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+c.Token)
	return h
}

// ExchangeToken trades the proxy's standing with the upstream
// authorization endpoint for a bearer token scoped to image. Actions
// default to pull; upload flows request pull and push.
//
// Upstream auth failures are relayed verbatim as *Error. Every request
// performs its own exchange: the cached object is the manifest or blob,
// never the token.
func (c *Client) ExchangeToken(ctx context.Context, image string, actions ...string) (*Credential, error) {
	if len(actions) == 0 {
		actions = []string{auth.ActionPull}
	}
	scope := auth.ScopeRepository(qualifyImage(image), actions...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL(scope), nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log().Warn("token exchange transport failure", "image", image, "error", err)
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log().Warn("token exchange rejected", "image", image, "status", resp.StatusCode)
		return nil, &Error{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, transportError(fmt.Errorf("decode token response: %w", err))
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return nil, transportError(fmt.Errorf("token response missing token"))
	}

	cred := &Credential{
		Token:       token,
		ScopeClaims: []string{scope},
	}
	if payload.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return cred, nil
}
