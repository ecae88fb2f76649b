package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/depproxy"
	"github.com/meigma/depproxy/auth"
)

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request, identity auth.Identity, pp *proxyPath) {
	ctx := r.Context()

	scope, err := s.svc.Authorize(ctx, identity, pp.scope, auth.ActionRead)
	if err != nil {
		s.writeError(w, err, true)
		return
	}

	m, payload, fromCache, err := s.svc.ResolveManifest(ctx, scope, pp.image, pp.reference)
	if err != nil {
		s.writeError(w, err, true)
		return
	}
	defer payload.Close()

	event := depproxy.EventPullManifest
	if fromCache {
		event = depproxy.EventPullManifestFromCache
	}
	s.svc.RecordEvent(ctx, event, scope, identity)

	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))
	if _, err := io.Copy(w, payload); err != nil {
		s.log().Debug("manifest relay aborted", "error", err)
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, identity auth.Identity, pp *proxyPath) {
	ctx := r.Context()

	dgst, err := digest.Parse(pp.reference)
	if err != nil {
		s.writeStatus(w, http.StatusNotFound)
		return
	}

	scope, err := s.svc.Authorize(ctx, identity, pp.scope, auth.ActionRead)
	if err != nil {
		s.writeError(w, err, false)
		return
	}

	h, err := s.svc.ResolveBlob(ctx, scope, pp.image, dgst)
	if err != nil {
		s.writeError(w, err, false)
		return
	}

	switch {
	case h.FromCache():
		s.svc.RecordEvent(ctx, depproxy.EventPullBlobFromCache, scope, identity)
		s.serveCachedBlob(w, r, h)

	case h.Upstream != nil:
		s.svc.RecordEvent(ctx, depproxy.EventPullBlob, scope, identity)
		setBlobHeaders(w, "application/octet-stream", dgst)
		inst, err := s.svc.SendInstruction(h)
		if err != nil {
			s.writeError(w, err, false)
			return
		}
		if err := writeSendData(w, inst); err != nil {
			s.writeError(w, err, false)
		}

	default:
		s.svc.RecordEvent(ctx, depproxy.EventPullBlob, scope, identity)
		s.streamBlob(w, r, scope, pp.image, dgst)
	}
}

// serveCachedBlob hands a cached file to the helper, or streams it
// directly when no helper is configured.
func (s *Server) serveCachedBlob(w http.ResponseWriter, r *http.Request, h *depproxy.BlobHandle) {
	setBlobHeaders(w, h.Blob.ContentType, h.Blob.Digest)

	if s.svc.Offloading() {
		inst, err := s.svc.SendInstruction(h)
		if err != nil {
			s.writeError(w, err, false)
			return
		}
		if err := writeSendData(w, inst); err != nil {
			s.writeError(w, err, false)
		}
		return
	}

	rc, err := s.svc.BlobPayload(r.Context(), h.Blob)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(h.Blob.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.log().Debug("blob relay aborted", "error", err)
	}
}

// streamBlob relays upstream bytes in process while the cache fills.
func (s *Server) streamBlob(w http.ResponseWriter, r *http.Request, scope *auth.Scope, image string, dgst digest.Digest) {
	started := false
	_, err := s.svc.StreamBlob(r.Context(), scope, image, dgst, func(contentType string, size int64) io.Writer {
		started = true
		setBlobHeaders(w, contentType, dgst)
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		return w
	})
	if err != nil {
		if !started {
			s.writeError(w, err, false)
			return
		}
		// Headers are already on the wire; nothing left but to log.
		s.log().Warn("blob stream failed mid-relay", "digest", dgst, "error", err)
	}
}

func (s *Server) handleAuthorizeUpload(w http.ResponseWriter, r *http.Request, identity auth.Identity, pp *proxyPath) {
	ctx := r.Context()

	if !s.verifyInternal(r) {
		s.writeStatus(w, http.StatusForbidden)
		return
	}

	dgst, err := digest.Parse(pp.reference)
	if err != nil {
		s.writeStatus(w, http.StatusNotFound)
		return
	}

	scope, err := s.svc.Authorize(ctx, identity, pp.scope, auth.ActionWrite)
	if err != nil {
		s.writeError(w, err, false)
		return
	}

	authz, err := s.svc.AuthorizeUpload(ctx, scope, pp.image, dgst)
	if err != nil {
		s.writeError(w, err, false)
		return
	}

	w.Header().Set("Content-Type", internalAPIContentType)
	if err := json.NewEncoder(w).Encode(authz); err != nil {
		s.log().Debug("authorize response aborted", "error", err)
	}
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request, identity auth.Identity, pp *proxyPath) {
	ctx := r.Context()

	if !s.verifyInternal(r) {
		s.writeStatus(w, http.StatusForbidden)
		return
	}

	dgst, err := digest.Parse(pp.reference)
	if err != nil {
		s.writeStatus(w, http.StatusNotFound)
		return
	}

	scope, err := s.svc.Authorize(ctx, identity, pp.scope, auth.ActionWrite)
	if err != nil {
		s.writeError(w, err, false)
		return
	}

	tempPath := r.FormValue("file.path")
	if err := s.checkUploadPath(tempPath); err != nil {
		s.writeStatus(w, http.StatusBadRequest)
		return
	}

	if _, err := s.svc.FinalizeUpload(ctx, scope, dgst, tempPath, r.FormValue("file.type")); err != nil {
		s.writeError(w, err, false)
		return
	}

	s.svc.RecordEvent(ctx, depproxy.EventUploadBlob, scope, identity)
	s.writeStatus(w, http.StatusOK)
}

// checkUploadPath ensures the helper-reported temp file sits inside the
// staging directory; anything else is a forged callback.
func (s *Server) checkUploadPath(path string) error {
	if path == "" {
		return fmt.Errorf("missing file.path")
	}
	rel, err := filepath.Rel(s.svc.UploadTempDir(), filepath.Clean(path))
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("file.path escapes the upload directory")
	}
	return nil
}

// setBlobHeaders applies the blob response contract: declared content
// type and a digest-derived attachment name.
func setBlobHeaders(w http.ResponseWriter, contentType string, dgst digest.Digest) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": dgst.Encoded() + ".gz"}))
}
