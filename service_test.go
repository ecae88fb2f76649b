package depproxy

import (
	"context"
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store/disk"
	"github.com/meigma/depproxy/upstream"
)

// mockUpstream is a function-field mock for the Upstream interface.
// Unconfigured methods fail; counters track upstream traffic.
type mockUpstream struct {
	ExchangeTokenFunc func(ctx context.Context, image string, actions ...string) (*upstream.Credential, error)
	FetchManifestFunc func(ctx context.Context, cred *upstream.Credential, image, reference string) (*upstream.ManifestResponse, error)
	FetchBlobFunc     func(ctx context.Context, cred *upstream.Credential, image string, dgst digest.Digest) (*upstream.BlobResponse, error)

	exchanges      int
	manifestCalls  int
	blobCalls      int
}

var errNotConfigured = errors.New("not configured in mock")

func (m *mockUpstream) ExchangeToken(ctx context.Context, image string, actions ...string) (*upstream.Credential, error) {
	m.exchanges++
	if m.ExchangeTokenFunc != nil {
		return m.ExchangeTokenFunc(ctx, image, actions...)
	}
	return &upstream.Credential{Token: "abcd1234"}, nil
}

func (m *mockUpstream) FetchManifest(ctx context.Context, cred *upstream.Credential, image, reference string) (*upstream.ManifestResponse, error) {
	m.manifestCalls++
	if m.FetchManifestFunc != nil {
		return m.FetchManifestFunc(ctx, cred, image, reference)
	}
	return nil, errNotConfigured
}

func (m *mockUpstream) FetchBlob(ctx context.Context, cred *upstream.Credential, image string, dgst digest.Digest) (*upstream.BlobResponse, error) {
	m.blobCalls++
	if m.FetchBlobFunc != nil {
		return m.FetchBlobFunc(ctx, cred, image, dgst)
	}
	return nil, errNotConfigured
}

func (m *mockUpstream) BlobURL(image string, dgst digest.Digest) string {
	return "https://registry.example.com/v2/" + image + "/blobs/" + dgst.String()
}

var testScope = &auth.Scope{ID: 1, Path: "acme"}

// newTestService wires a service over a disk store in a temp dir.
func newTestService(t *testing.T, up Upstream, opts ...ServiceOption) *Service {
	t.Helper()
	st, err := disk.New(t.TempDir())
	require.NoError(t, err)
	return NewService(nil, up, st, opts...)
}
