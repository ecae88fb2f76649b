package depproxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageUpload(t *testing.T, svc *Service, content string) string {
	t.Helper()
	path := filepath.Join(svc.UploadTempDir(), "upload-test")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAuthorizeUpload(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockUpstream{}, WithOffloader(HelperOffloader{}))

	authz, err := svc.AuthorizeUpload(context.Background(), testScope, "alpine", digest.Canonical.FromString("x"))
	require.NoError(t, err)
	assert.NotEmpty(t, authz.ID)
	assert.Equal(t, svc.UploadTempDir(), authz.TempPath)
	assert.Equal(t, int64(DefaultMaxUploadSize), authz.MaximumSize)
}

func TestAuthorizeUploadRequiresOffloader(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockUpstream{})

	_, err := svc.AuthorizeUpload(context.Background(), testScope, "alpine", digest.Canonical.FromString("x"))
	assert.Error(t, err)
}

func TestFinalizeUpload(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockUpstream{})
	ctx := context.Background()
	content := "uploaded layer bytes"
	dgst := digest.Canonical.FromString(content)
	path := stageUpload(t, svc, content)

	blob, err := svc.FinalizeUpload(ctx, testScope, dgst, path, "application/gzip")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), blob.Size)
	assert.Equal(t, dgst, blob.Digest)

	h, err := svc.ResolveBlob(ctx, testScope, "alpine", dgst)
	require.NoError(t, err)
	assert.True(t, h.FromCache())
}

func TestFinalizeUploadDigestMismatch(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockUpstream{})
	ctx := context.Background()
	claimed := digest.Canonical.FromString("what the uploader claimed")
	path := stageUpload(t, svc, "something else entirely")

	_, err := svc.FinalizeUpload(ctx, testScope, claimed, path, "application/gzip")
	require.ErrorIs(t, err, ErrDigestMismatch)

	// The temp file is discarded, never promoted.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	h, err := svc.ResolveBlob(ctx, testScope, "alpine", claimed)
	require.NoError(t, err)
	assert.False(t, h.FromCache())
}

func TestFinalizeUploadMissingTempFile(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockUpstream{})

	_, err := svc.FinalizeUpload(context.Background(), testScope,
		digest.Canonical.FromString("x"), filepath.Join(svc.UploadTempDir(), "nope"), "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDigestMismatch)
}
