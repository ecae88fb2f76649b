package depproxy

import (
	"context"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store"
	"github.com/meigma/depproxy/upstream"
)

// Upstream abstracts the origin registry operations the service needs.
// *upstream.Client is the production implementation.
type Upstream interface {
	// ExchangeToken trades the caller's standing for a short-lived
	// upstream bearer token scoped to image.
	ExchangeToken(ctx context.Context, image string, actions ...string) (*upstream.Credential, error)

	// FetchManifest retrieves the manifest for (image, reference).
	FetchManifest(ctx context.Context, cred *upstream.Credential, image, reference string) (*upstream.ManifestResponse, error)

	// FetchBlob opens a byte stream for the blob dgst of image.
	FetchBlob(ctx context.Context, cred *upstream.Credential, image string, dgst digest.Digest) (*upstream.BlobResponse, error)

	// BlobURL returns the upstream URL for a blob, for offloaded relays.
	BlobURL(image string, dgst digest.Digest) string
}

// Service is the dependency proxy core: find-or-create resolution for
// manifests and blobs, upload finalization, and the authorization
// boundary in front of them.
type Service struct {
	gate      *auth.Gate
	upstream  Upstream
	store     store.Store
	offloader Offloader
	events    EventRecorder
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithOffloader enables offloaded transfers through the external helper.
// Without one the service relays blob bytes in process.
func WithOffloader(o Offloader) ServiceOption {
	return func(s *Service) {
		s.offloader = o
	}
}

// WithEventRecorder sets the recorder for pull/upload events.
func WithEventRecorder(r EventRecorder) ServiceOption {
	return func(s *Service) {
		s.events = r
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the proxy service.
func NewService(gate *auth.Gate, up Upstream, st store.Store, opts ...ServiceOption) *Service {
	s := &Service{
		gate:     gate,
		upstream: up,
		store:    st,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = &logRecorder{logger: s.log()}
	}
	return s
}

func (s *Service) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Offloading reports whether an external transfer helper is configured.
func (s *Service) Offloading() bool { return s.offloader != nil }

// UploadTempDir returns the staging directory for offloaded uploads.
func (s *Service) UploadTempDir() string { return s.store.TempDir() }

// Authorize runs the access gate for identity against the scope named by
// scopePath.
func (s *Service) Authorize(ctx context.Context, identity auth.Identity, scopePath string, action auth.Action) (*auth.Scope, error) {
	return s.gate.Authorize(ctx, identity, scopePath, action)
}

// RecordEvent forwards a pull/upload event to the configured recorder.
// The HTTP boundary calls it once the outcome of a request is known.
func (s *Service) RecordEvent(ctx context.Context, event string, scope *auth.Scope, identity auth.Identity) {
	s.events.Record(ctx, event, scope, identity)
}
