package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL bounds the lifetime of client-facing JWTs.
	DefaultTokenTTL = 30 * time.Minute

	defaultIssuer = "depproxy"
)

// TokenCodec mints and verifies the HMAC-signed JWTs presented by proxy
// clients. The upstream registry issues its own tokens; the two are never
// interchangeable.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		c.ttl = ttl
	}
}

// WithIssuer sets the iss claim on issued tokens.
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) {
		c.issuer = issuer
	}
}

// NewTokenCodec creates a codec signing with the given shared secret.
func NewTokenCodec(secret []byte, opts ...CodecOption) *TokenCodec {
	c := &TokenCodec{
		secret: secret,
		ttl:    DefaultTokenTTL,
		issuer: defaultIssuer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue mints a bearer token for the identity.
func (c *TokenCodec) Issue(identity Identity) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identity.Subject(),
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify checks the token's signature and expiry and returns its subject.
func (c *TokenCodec) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Authenticator resolves client bearer tokens to identities.
type Authenticator struct {
	codec *TokenCodec
	dir   IdentityDirectory
}

// NewAuthenticator creates an authenticator over the identity directory.
func NewAuthenticator(codec *TokenCodec, dir IdentityDirectory) *Authenticator {
	return &Authenticator{codec: codec, dir: dir}
}

// Identify verifies the bearer token and resolves its subject. A token
// that verifies but names an identity the directory cannot resolve is
// rejected with ErrUnauthorized.
func (a *Authenticator) Identify(ctx context.Context, token string) (Identity, error) {
	subject, err := a.codec.Verify(token)
	if err != nil {
		return nil, err
	}

	kind, rawID, ok := strings.Cut(subject, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed subject %q", ErrUnauthorized, subject)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject %q", ErrUnauthorized, subject)
	}

	switch kind {
	case "user":
		if account, ok := a.dir.AccountByID(ctx, id); ok {
			return account, nil
		}
	case "deploy-token":
		if token, ok := a.dir.DeployTokenByID(ctx, id); ok {
			return token, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown subject %q", ErrUnauthorized, subject)
}
