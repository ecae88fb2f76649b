package depproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store"
)

// ResolveManifest finds or creates the cached manifest for
// (scope, image, reference) and returns it with its payload.
//
// A cache hit returns immediately with fromCache true and no upstream
// contact: tag-keyed entries serve last-known content, trading freshness
// for latency. On a miss the service exchanges an upstream token,
// fetches, persists, and serves with fromCache false. Upstream failures
// come back as *upstream.Error with status and body unchanged, and
// nothing is persisted.
func (s *Service) ResolveManifest(ctx context.Context, scope *auth.Scope, image, reference string) (m *store.Manifest, payload io.ReadCloser, fromCache bool, err error) {
	cached, err := s.store.Manifest(ctx, scope.ID, image, reference)
	if err == nil {
		rc, err := s.store.ManifestPayload(ctx, cached)
		if err == nil {
			s.log().Debug("manifest cache hit", "scope", scope.Path, "image", image, "reference", reference)
			return cached, rc, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, false, fmt.Errorf("open cached manifest: %w", err)
		}
		// Row without payload: fall through to a fresh fetch.
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, false, fmt.Errorf("manifest lookup: %w", err)
	}

	s.log().Debug("manifest cache miss", "scope", scope.Path, "image", image, "reference", reference)

	cred, err := s.upstream.ExchangeToken(ctx, image)
	if err != nil {
		return nil, nil, false, err
	}

	resp, err := s.upstream.FetchManifest(ctx, cred, image, reference)
	if err != nil {
		return nil, nil, false, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// Partially received manifests are never persisted.
		return nil, nil, false, fmt.Errorf("read upstream manifest: %w", err)
	}

	dgst := resp.Digest
	if dgst == "" {
		dgst = digest.Canonical.FromBytes(raw)
	}

	stored, err := s.store.PutManifest(ctx, &store.Manifest{
		ScopeID:     scope.ID,
		Image:       image,
		Reference:   reference,
		ContentType: resp.ContentType,
		Digest:      dgst,
		CreatedAt:   time.Now().UTC(),
	}, raw)
	if err != nil {
		return nil, nil, false, fmt.Errorf("persist manifest: %w", err)
	}

	return stored, io.NopCloser(bytes.NewReader(raw)), false, nil
}
