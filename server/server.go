// Package server exposes the dependency proxy over HTTP.
//
// Routes follow the registry-facing surface of the original protocol:
//
//	GET /{scope}/dependency_proxy/containers/{image}/manifests/{reference}
//	GET /{scope}/dependency_proxy/containers/{image}/blobs/{digest}
//	GET /{scope}/dependency_proxy/containers/{image}/blobs/{digest}/authorize
//	PUT /{scope}/dependency_proxy/containers/{image}/blobs/{digest}/upload
//
// Scope is a group path and may contain slashes. Callers authenticate
// with a proxy-issued JWT; the authorize and upload endpoints are
// internal to the transfer helper and additionally require its signed
// internal API header.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meigma/depproxy"
	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store"
	"github.com/meigma/depproxy/upstream"
)

// Server is the HTTP boundary over the proxy service.
type Server struct {
	svc            *depproxy.Service
	authn          *auth.Authenticator
	internalSecret []byte
	logger         *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInternalSecret sets the shared secret verifying the transfer
// helper's internal API header. Without it the authorize and upload
// endpoints reject every call.
func WithInternalSecret(secret []byte) Option {
	return func(s *Server) {
		s.internalSecret = secret
	}
}

// New creates the HTTP boundary for svc.
func New(svc *depproxy.Service, authn *auth.Authenticator, opts ...Option) *Server {
	s := &Server{svc: svc, authn: authn}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pp, err := parseProxyPath(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	identity, err := s.identify(r)
	if err != nil {
		s.writeStatus(w, http.StatusUnauthorized)
		return
	}

	switch {
	case pp.kind == kindManifest && r.Method == http.MethodGet:
		s.handleManifest(w, r, identity, pp)
	case pp.kind == kindBlob && r.Method == http.MethodGet:
		s.handleBlob(w, r, identity, pp)
	case pp.kind == kindBlobAuthorize && r.Method == http.MethodGet:
		s.handleAuthorizeUpload(w, r, identity, pp)
	case pp.kind == kindBlobUpload && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		s.handleUploadBlob(w, r, identity, pp)
	default:
		s.writeStatus(w, http.StatusMethodNotAllowed)
	}
}

// identify resolves the caller from the Authorization header. No header
// means the anonymous caller; a header that fails verification or names
// an unknown identity is rejected outright.
func (s *Server) identify(r *http.Request) (auth.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return s.authn.Identify(r.Context(), token)
}

// verifyInternal checks the transfer helper's internal API header.
func (s *Server) verifyInternal(r *http.Request) bool {
	if len(s.internalSecret) == 0 {
		return false
	}
	raw := r.Header.Get(internalAPIHeader)
	if raw == "" {
		return false
	}
	_, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) { return s.internalSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(internalAPIIssuer),
	)
	return err == nil
}

// InternalAPIToken signs the internal API header value the transfer
// helper presents on authorize and upload callbacks.
func InternalAPIToken(secret []byte) (string, error) {
	claims := jwt.RegisteredClaims{Issuer: internalAPIIssuer}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// writeError maps service errors onto the response contract. Upstream
// failures are mirrored: status plus body for manifests, status with an
// empty body for blobs.
func (s *Server) writeError(w http.ResponseWriter, err error, relayBody bool) {
	var ue *upstream.Error
	switch {
	case errors.As(err, &ue):
		w.WriteHeader(ue.StatusCode)
		if relayBody {
			w.Write([]byte(ue.Message))
		}
	case errors.Is(err, auth.ErrUnauthorized):
		s.writeStatus(w, http.StatusUnauthorized)
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, store.ErrNotFound):
		s.writeStatus(w, http.StatusNotFound)
	case errors.Is(err, depproxy.ErrDigestMismatch):
		s.writeStatus(w, http.StatusBadRequest)
	default:
		s.log().Error("request failed", "error", err)
		s.writeStatus(w, http.StatusInternalServerError)
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, code int) {
	w.WriteHeader(code)
}
