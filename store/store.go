// Package store defines the cache store for proxied registry content:
// manifest rows keyed by (scope, image, reference) and content-addressed
// blob rows keyed by (scope, digest).
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when no cached entry exists for the key.
var ErrNotFound = errors.New("store: not found")

// Manifest is a cached manifest row. At most one row exists per
// (ScopeID, Image, Reference); a new fetch for the key replaces it.
type Manifest struct {
	ScopeID     int64         `json:"scope_id"`
	Image       string        `json:"image"`
	Reference   string        `json:"reference"`
	ContentType string        `json:"content_type"`
	Digest      digest.Digest `json:"digest"`
	Size        int64         `json:"size"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Blob is a cached blob row. Digests are content-addressed: one row per
// (ScopeID, Digest), independent of the image it was first fetched for.
type Blob struct {
	ScopeID     int64         `json:"scope_id"`
	Digest      digest.Digest `json:"digest"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	FileRef     string        `json:"file_ref"`
	CreatedAt   time.Time     `json:"created_at"`
}

// FileName returns the digest-derived name used for attachment
// dispositions, mirroring how cached layer files are named on disk.
func (b *Blob) FileName() string {
	return b.Digest.Encoded() + ".gz"
}

// BlobWriter stages a blob write. Bytes are invisible to readers until
// Commit; Discard abandons the staged write. Concurrent writers for the
// same digest are safe: content addressing makes the last commit win
// without readers ever observing a partial payload.
type BlobWriter interface {
	io.Writer

	// Commit publishes the staged bytes and returns the cached row.
	Commit(contentType string) (*Blob, error)

	// Discard abandons the staged bytes.
	Discard() error
}

// Store persists cached manifests and blobs. Implementations must commit
// atomically (write-then-rename or equivalent) so readers always see
// either a complete prior version or a complete new one.
type Store interface {
	// Manifest returns the cached row for (scopeID, image, reference).
	Manifest(ctx context.Context, scopeID int64, image, reference string) (*Manifest, error)

	// PutManifest stores payload and its row, replacing any previous
	// entry for the same key.
	PutManifest(ctx context.Context, m *Manifest, payload []byte) (*Manifest, error)

	// ManifestPayload opens the stored payload for m.
	ManifestPayload(ctx context.Context, m *Manifest) (io.ReadCloser, error)

	// DeleteManifest removes the row and payload for the key, if any.
	DeleteManifest(ctx context.Context, scopeID int64, image, reference string) error

	// Blob returns the cached row for (scopeID, dgst).
	Blob(ctx context.Context, scopeID int64, dgst digest.Digest) (*Blob, error)

	// BlobWriter stages a write for (scopeID, dgst).
	BlobWriter(ctx context.Context, scopeID int64, dgst digest.Digest) (BlobWriter, error)

	// BlobReader opens the stored content for b.
	BlobReader(ctx context.Context, b *Blob) (io.ReadCloser, error)

	// ImportBlob moves an already-written local file into the store as
	// the content for (scopeID, dgst). The file must live on the same
	// filesystem as the store (see TempDir).
	ImportBlob(ctx context.Context, scopeID int64, dgst digest.Digest, contentType, srcPath string) (*Blob, error)

	// TempDir returns a directory on the store's filesystem for staging
	// inbound uploads prior to ImportBlob.
	TempDir() string
}
