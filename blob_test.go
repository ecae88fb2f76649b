package depproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/depproxy/upstream"
)

var testLayer = strings.Repeat("layer-bytes.", 4096)

func blobUpstream() *mockUpstream {
	return &mockUpstream{
		FetchBlobFunc: func(ctx context.Context, cred *upstream.Credential, image string, dgst digest.Digest) (*upstream.BlobResponse, error) {
			return &upstream.BlobResponse{
				ContentType: "application/gzip",
				Size:        int64(len(testLayer)),
				Body:        io.NopCloser(strings.NewReader(testLayer)),
			}, nil
		},
	}
}

// failAfterWriter accepts n bytes then fails, simulating a client that
// hangs up mid-stream.
type failAfterWriter struct {
	n       int
	written int
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	if w.written >= w.n {
		return 0, errors.New("client gone")
	}
	w.written += len(p)
	return len(p), nil
}

func TestResolveBlobMissWithoutOffloader(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up)

	h, err := svc.ResolveBlob(context.Background(), testScope, "alpine", digest.Canonical.FromString(testLayer))
	require.NoError(t, err)
	assert.False(t, h.FromCache())
	assert.Nil(t, h.Upstream)
	// Without an offloader no token is exchanged until the stream starts.
	assert.Equal(t, 0, up.exchanges)
}

func TestResolveBlobMissWithOffloader(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up, WithOffloader(HelperOffloader{}))
	dgst := digest.Canonical.FromString(testLayer)

	h, err := svc.ResolveBlob(context.Background(), testScope, "alpine", dgst)
	require.NoError(t, err)
	require.NotNil(t, h.Upstream)
	assert.False(t, h.FromCache())
	assert.Equal(t, 1, up.exchanges)
	assert.Equal(t, []string{"Bearer abcd1234"}, h.Upstream.Header["Authorization"])
	assert.Contains(t, h.Upstream.URL, dgst.String())

	inst, err := svc.SendInstruction(h)
	require.NoError(t, err)
	assert.Equal(t, InstructionSendDependency, inst.Type)
	assert.Equal(t, h.Upstream.URL, inst.URL)
}

func TestStreamBlobRelaysAndCaches(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up)
	ctx := context.Background()
	dgst := digest.Canonical.FromString(testLayer)

	var client bytes.Buffer
	var gotType string
	blob, err := svc.StreamBlob(ctx, testScope, "alpine", dgst, func(contentType string, size int64) io.Writer {
		gotType = contentType
		return &client
	})
	require.NoError(t, err)
	assert.Equal(t, "application/gzip", gotType)
	assert.Equal(t, testLayer, client.String())
	assert.Equal(t, int64(len(testLayer)), blob.Size)

	// Subsequent resolution is a hit: no further upstream traffic.
	h, err := svc.ResolveBlob(ctx, testScope, "alpine", dgst)
	require.NoError(t, err)
	require.True(t, h.FromCache())
	assert.Equal(t, 1, up.exchanges)
	assert.Equal(t, 1, up.blobCalls)
}

func TestStreamBlobClientDisconnectStillCaches(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up)
	ctx := context.Background()
	dgst := digest.Canonical.FromString(testLayer)

	blob, err := svc.StreamBlob(ctx, testScope, "alpine", dgst, func(string, int64) io.Writer {
		return &failAfterWriter{n: 1024}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(testLayer)), blob.Size)

	// The cache fill completed despite the client going away.
	h, err := svc.ResolveBlob(ctx, testScope, "alpine", dgst)
	require.NoError(t, err)
	assert.True(t, h.FromCache())
}

func TestStreamBlobUpstreamFailurePassthrough(t *testing.T) {
	t.Parallel()

	up := &mockUpstream{
		FetchBlobFunc: func(ctx context.Context, cred *upstream.Credential, image string, dgst digest.Digest) (*upstream.BlobResponse, error) {
			return nil, &upstream.Error{StatusCode: http.StatusBadRequest}
		},
	}
	svc := newTestService(t, up)

	started := false
	_, err := svc.StreamBlob(context.Background(), testScope, "alpine", digest.Canonical.FromString("x"), func(string, int64) io.Writer {
		started = true
		return io.Discard
	})
	var ue *upstream.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	// The client callback never fired: nothing was written downstream.
	assert.False(t, started)
}

func TestStreamBlobTruncatedUpstreamDiscards(t *testing.T) {
	t.Parallel()

	dgst := digest.Canonical.FromString(testLayer)
	up := &mockUpstream{
		FetchBlobFunc: func(ctx context.Context, cred *upstream.Credential, image string, d digest.Digest) (*upstream.BlobResponse, error) {
			trunc := io.MultiReader(strings.NewReader(testLayer[:100]), errReader{})
			return &upstream.BlobResponse{Body: io.NopCloser(trunc)}, nil
		},
	}
	svc := newTestService(t, up)
	ctx := context.Background()

	_, err := svc.StreamBlob(ctx, testScope, "alpine", dgst, func(string, int64) io.Writer {
		return io.Discard
	})
	require.ErrorIs(t, err, upstream.ErrServiceUnavailable)

	// The partial write was discarded, not published.
	h, err := svc.ResolveBlob(ctx, testScope, "alpine", dgst)
	require.NoError(t, err)
	assert.False(t, h.FromCache())
}

func TestResolveBlobHitServesCachedFile(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up, WithOffloader(HelperOffloader{}))
	ctx := context.Background()
	dgst := digest.Canonical.FromString(testLayer)

	// Populate through the in-process path of a sibling service sharing
	// the store.
	_, err := NewService(nil, up, svc.store).StreamBlob(ctx, testScope, "alpine", dgst, func(string, int64) io.Writer {
		return io.Discard
	})
	require.NoError(t, err)

	h, err := svc.ResolveBlob(ctx, testScope, "alpine", dgst)
	require.NoError(t, err)
	require.True(t, h.FromCache())

	inst, err := svc.SendInstruction(h)
	require.NoError(t, err)
	assert.Equal(t, InstructionSendFile, inst.Type)
	assert.Equal(t, h.Blob.FileRef, inst.Path)
}

func TestResolveBlobIsImageIndependent(t *testing.T) {
	t.Parallel()

	up := blobUpstream()
	svc := newTestService(t, up)
	ctx := context.Background()
	dgst := digest.Canonical.FromString(testLayer)

	_, err := svc.StreamBlob(ctx, testScope, "alpine", dgst, func(string, int64) io.Writer {
		return io.Discard
	})
	require.NoError(t, err)

	// The same digest under a different image name is still a hit.
	h, err := svc.ResolveBlob(ctx, testScope, "busybox", dgst)
	require.NoError(t, err)
	assert.True(t, h.FromCache())
	assert.Equal(t, 1, up.blobCalls)
}

// errReader fails every read with a transport-ish error.
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
