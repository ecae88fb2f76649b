package depproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store"
)

// DefaultMaxUploadSize caps offloaded blob uploads at 5 GiB.
const DefaultMaxUploadSize = 5 << 30

// AuthorizeUpload issues the instruction that lets the transfer helper
// stage an inbound blob upload on the store's filesystem.
func (s *Service) AuthorizeUpload(ctx context.Context, scope *auth.Scope, image string, dgst digest.Digest) (UploadAuthorization, error) {
	if s.offloader == nil {
		return UploadAuthorization{}, errors.New("depproxy: no offloader configured")
	}
	s.log().Debug("authorizing blob upload", "scope", scope.Path, "image", image, "digest", dgst)
	return s.offloader.AuthorizeUpload(s.store.TempDir(), DefaultMaxUploadSize), nil
}

// FinalizeUpload commits a helper-staged upload into the blob cache.
//
// The staged file is re-hashed with the claimed digest's algorithm; on a
// mismatch the file is removed and ErrDigestMismatch returned, so bogus
// content can never appear as a cache hit. On success the file moves to
// its content-addressed location and the blob row is inserted or
// replaced.
func (s *Service) FinalizeUpload(ctx context.Context, scope *auth.Scope, dgst digest.Digest, tempPath, contentType string) (*store.Blob, error) {
	actual, err := hashFile(dgst.Algorithm(), tempPath)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("hash upload: %w", err)
	}
	if actual != dgst {
		os.Remove(tempPath)
		s.log().Warn("upload digest mismatch", "scope", scope.Path, "claimed", dgst, "actual", actual)
		return nil, fmt.Errorf("%w: claimed %s, content is %s", ErrDigestMismatch, dgst, actual)
	}

	blob, err := s.store.ImportBlob(ctx, scope.ID, dgst, contentType, tempPath)
	if err != nil {
		return nil, fmt.Errorf("import blob: %w", err)
	}
	return blob, nil
}

func hashFile(alg digest.Algorithm, path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := alg.Digester()
	if _, err := io.Copy(digester.Hash(), f); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}
