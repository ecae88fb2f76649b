// Package disk provides a disk-backed cache store.
//
// Content lives under sha256-sharded paths. Every write stages into a
// temp file in the destination directory and publishes with an atomic
// rename, so concurrent writers for the same key cannot corrupt it and
// readers never observe partial content: duplicate fetches race
// harmlessly and the last writer wins.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy/store"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	manifestMetaExt    = ".json"
	manifestPayloadExt = ".payload.gz"
	blobMetaExt        = ".meta"
)

// Store implements store.Store on the local filesystem.
type Store struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
}

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for
// sharding. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// New creates a disk store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	for _, sub := range []string{"manifests", "blobs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), s.dirPerm); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TempDir implements store.Store.
func (s *Store) TempDir() string {
	return filepath.Join(s.dir, "tmp")
}

// shard splits a hex name into a sharded relative path.
func (s *Store) shard(hexName string) string {
	if s.shardPrefixLen <= 0 {
		return hexName
	}
	prefixLen := s.shardPrefixLen
	if prefixLen > len(hexName) {
		prefixLen = len(hexName)
	}
	return filepath.Join(hexName[:prefixLen], hexName)
}

// manifestKey hashes (image, reference) into a stable file name.
func manifestKey(image, reference string) string {
	sum := sha256.Sum256([]byte(image + "\n" + reference))
	return hex.EncodeToString(sum[:])
}

func (s *Store) manifestPath(scopeID int64, image, reference string) string {
	return filepath.Join(s.dir, "manifests", strconv.FormatInt(scopeID, 10), s.shard(manifestKey(image, reference)))
}

func (s *Store) blobPath(scopeID int64, dgst digest.Digest) string {
	return filepath.Join(s.dir, "blobs", strconv.FormatInt(scopeID, 10), s.shard(dgst.Encoded()))
}

// Manifest implements store.Store.
func (s *Store) Manifest(_ context.Context, scopeID int64, image, reference string) (*store.Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(scopeID, image, reference) + manifestMetaExt)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var m store.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest row: %w", err)
	}
	return &m, nil
}

// PutManifest implements store.Store. The payload is stored
// gzip-compressed; payload then row are each published by rename, row
// last so a visible row always has its payload.
func (s *Store) PutManifest(_ context.Context, m *store.Manifest, payload []byte) (*store.Manifest, error) {
	base := s.manifestPath(m.ScopeID, m.Image, m.Reference)
	if err := os.MkdirAll(filepath.Dir(base), s.dirPerm); err != nil {
		return nil, err
	}

	if err := s.writePayload(base+manifestPayloadExt, payload); err != nil {
		return nil, err
	}

	row := *m
	row.Size = int64(len(payload))
	data, err := json.Marshal(&row)
	if err != nil {
		return nil, fmt.Errorf("encode manifest row: %w", err)
	}
	if err := s.writeFile(base+manifestMetaExt, data); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) writePayload(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "meta-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ManifestPayload implements store.Store.
func (s *Store) ManifestPayload(_ context.Context, m *store.Manifest) (io.ReadCloser, error) {
	f, err := os.Open(s.manifestPath(m.ScopeID, m.Image, m.Reference) + manifestPayloadExt)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open manifest payload: %w", err)
	}
	return &gzipReadCloser{zr: zr, f: f}, nil
}

// DeleteManifest implements store.Store.
func (s *Store) DeleteManifest(_ context.Context, scopeID int64, image, reference string) error {
	base := s.manifestPath(scopeID, image, reference)
	if err := os.Remove(base + manifestMetaExt); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(base + manifestPayloadExt); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type gzipReadCloser struct {
	zr *gzip.Reader
	f  *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.zr.Read(p) }

func (r *gzipReadCloser) Close() error {
	zerr := r.zr.Close()
	ferr := r.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

// Blob implements store.Store.
func (s *Store) Blob(_ context.Context, scopeID int64, dgst digest.Digest) (*store.Blob, error) {
	path := s.blobPath(scopeID, dgst)
	data, err := os.ReadFile(path + blobMetaExt)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var b store.Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode blob row: %w", err)
	}
	b.FileRef = path
	return &b, nil
}

// BlobReader implements store.Store.
func (s *Store) BlobReader(_ context.Context, b *store.Blob) (io.ReadCloser, error) {
	f, err := os.Open(b.FileRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// BlobWriter implements store.Store.
func (s *Store) BlobWriter(_ context.Context, scopeID int64, dgst digest.Digest) (store.BlobWriter, error) {
	path := s.blobPath(scopeID, dgst)
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "blob-*")
	if err != nil {
		return nil, err
	}
	return &blobWriter{
		store:     s,
		file:      tmp,
		tmpPath:   tmp.Name(),
		finalPath: path,
		scopeID:   scopeID,
		digest:    dgst,
	}, nil
}

// ImportBlob implements store.Store.
func (s *Store) ImportBlob(_ context.Context, scopeID int64, dgst digest.Digest, contentType, srcPath string) (*store.Blob, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, err
	}

	path := s.blobPath(scopeID, dgst)
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		return nil, err
	}
	if err := os.Rename(srcPath, path); err != nil {
		return nil, err
	}
	return s.commitBlobRow(scopeID, dgst, contentType, info.Size(), path)
}

func (s *Store) commitBlobRow(scopeID int64, dgst digest.Digest, contentType string, size int64, path string) (*store.Blob, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	row := &store.Blob{
		ScopeID:     scopeID,
		Digest:      dgst,
		ContentType: contentType,
		Size:        size,
		FileRef:     path,
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode blob row: %w", err)
	}
	if err := s.writeFile(path+blobMetaExt, data); err != nil {
		return nil, err
	}
	return row, nil
}

type blobWriter struct {
	store     *Store
	file      *os.File
	tmpPath   string
	finalPath string
	scopeID   int64
	digest    digest.Digest
	written   int64
}

func (w *blobWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit publishes content then row; a row is never visible without its
// content.
func (w *blobWriter) Commit(contentType string) (*store.Blob, error) {
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return nil, err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return nil, err
	}
	return w.store.commitBlobRow(w.scopeID, w.digest, contentType, w.written, w.finalPath)
}

func (w *blobWriter) Discard() error {
	if w.file != nil {
		w.file.Close()
	}
	return os.Remove(w.tmpPath)
}
