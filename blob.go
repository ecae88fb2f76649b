package depproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/store"
	"github.com/meigma/depproxy/upstream"
)

// copyBufferSize is the chunk size for in-process blob relays.
const copyBufferSize = 32 << 10

// BlobHandle describes how blob bytes reach the client.
//
// Exactly one of the fields is set on a decided handle: Blob for a cache
// hit, Upstream for an offloaded miss. Both nil means the entry is not
// cached and no offloader is configured; the caller streams it with
// [Service.StreamBlob].
type BlobHandle struct {
	Blob     *store.Blob
	Upstream *UpstreamRef
}

// FromCache reports whether the handle was served from cache.
func (h *BlobHandle) FromCache() bool { return h.Blob != nil }

// UpstreamRef points the transfer helper at the origin registry,
// carrying the bearer token the helper must send upstream.
type UpstreamRef struct {
	URL    string
	Header http.Header
}

// ResolveBlob finds the cached blob for (scope, dgst) or decides how a
// miss will be filled. The lookup is keyed by digest alone within the
// scope: content addressing means a blob fetched for one image satisfies
// every other image naming the same digest.
func (s *Service) ResolveBlob(ctx context.Context, scope *auth.Scope, image string, dgst digest.Digest) (*BlobHandle, error) {
	cached, err := s.store.Blob(ctx, scope.ID, dgst)
	if err == nil {
		s.log().Debug("blob cache hit", "scope", scope.Path, "digest", dgst)
		return &BlobHandle{Blob: cached}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("blob lookup: %w", err)
	}

	s.log().Debug("blob cache miss", "scope", scope.Path, "digest", dgst)

	if s.offloader == nil {
		return &BlobHandle{}, nil
	}

	cred, err := s.upstream.ExchangeToken(ctx, image)
	if err != nil {
		return nil, err
	}
	return &BlobHandle{
		Upstream: &UpstreamRef{
			URL:    s.upstream.BlobURL(image, dgst),
			Header: cred.AuthHeader(),
		},
	}, nil
}

// BlobPayload opens the stored content for a cached blob.
func (s *Service) BlobPayload(ctx context.Context, b *store.Blob) (io.ReadCloser, error) {
	return s.store.BlobReader(ctx, b)
}

// SendInstruction builds the offload instruction for a decided handle.
func (s *Service) SendInstruction(h *BlobHandle) (Instruction, error) {
	switch {
	case s.offloader == nil:
		return Instruction{}, errors.New("depproxy: no offloader configured")
	case h.Blob != nil:
		return s.offloader.SendFile(h.Blob.FileRef), nil
	case h.Upstream != nil:
		return s.offloader.SendDependency(h.Upstream.Header, h.Upstream.URL), nil
	default:
		return Instruction{}, errors.New("depproxy: undecided blob handle")
	}
}

// StreamBlob fetches dgst from upstream and relays it in process: bytes
// go to the cache and to the client in a single pass. start is invoked
// once the upstream responds, before the first byte, and returns the
// client writer.
//
// The cache fill is not coupled to client presence: if the client writer
// fails mid-stream, the client-facing relay stops but the cache write
// runs to completion and commits. A short read from upstream discards
// the staged write instead; partial content is never published.
func (s *Service) StreamBlob(ctx context.Context, scope *auth.Scope, image string, dgst digest.Digest, start func(contentType string, size int64) io.Writer) (*store.Blob, error) {
	cred, err := s.upstream.ExchangeToken(ctx, image)
	if err != nil {
		return nil, err
	}

	resp, err := s.upstream.FetchBlob(ctx, cred, image, dgst)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	w, err := s.store.BlobWriter(ctx, scope.ID, dgst)
	if err != nil {
		return nil, fmt.Errorf("stage blob write: %w", err)
	}

	client := start(resp.ContentType, resp.Size)
	clientGone := false

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Discard()
				return nil, fmt.Errorf("write blob to cache: %w", werr)
			}
			if client != nil && !clientGone {
				if _, werr := client.Write(buf[:n]); werr != nil {
					// Client hung up; keep filling the cache.
					s.log().Debug("client disconnected during blob relay", "digest", dgst)
					clientGone = true
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Discard()
			return nil, transportAbort(rerr)
		}
	}

	blob, err := w.Commit(resp.ContentType)
	if err != nil {
		return nil, fmt.Errorf("commit blob: %w", err)
	}
	return blob, nil
}

// transportAbort classifies a mid-stream upstream read failure.
func transportAbort(err error) error {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return err
	}
	return fmt.Errorf("%w: %v", upstream.ErrServiceUnavailable, err)
}
