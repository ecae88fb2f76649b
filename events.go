package depproxy

import (
	"context"
	"log/slog"

	"github.com/meigma/depproxy/auth"
)

// Pull and upload events recorded by the service.
const (
	EventPullManifest          = "pull_manifest"
	EventPullManifestFromCache = "pull_manifest_from_cache"
	EventPullBlob              = "pull_blob"
	EventPullBlobFromCache     = "pull_blob_from_cache"
	EventUploadBlob            = "upload_blob"
)

// EventRecorder observes proxy traffic for accounting. Recording must
// not fail the request.
type EventRecorder interface {
	Record(ctx context.Context, event string, scope *auth.Scope, identity auth.Identity)
}

// logRecorder is the default recorder; it logs events at debug level.
type logRecorder struct {
	logger *slog.Logger
}

func (r *logRecorder) Record(_ context.Context, event string, scope *auth.Scope, identity auth.Identity) {
	subject := "anonymous"
	if identity != nil {
		subject = identity.Subject()
	}
	r.logger.Debug("proxy event", "event", event, "scope", scope.Path, "caller", subject)
}
