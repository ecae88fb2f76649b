package server

import (
	"errors"
	"strings"

	"oras.land/oras-go/v2/registry"
)

// pathKind identifies a proxy endpoint.
type pathKind int

const (
	kindUnknown pathKind = iota
	kindManifest
	kindBlob
	kindBlobAuthorize
	kindBlobUpload
)

const containerMarker = "/dependency_proxy/containers/"

var errBadPath = errors.New("server: unrecognized proxy path")

// proxyPath holds the parsed components of a request path.
//
// Scope paths and image names may both contain slashes, so parsing
// anchors on the dependency_proxy marker and then on the manifests/blobs
// segment.
type proxyPath struct {
	scope     string
	image     string
	kind      pathKind
	reference string // tag or digest for manifests, digest for blobs
}

func parseProxyPath(path string) (*proxyPath, error) {
	scope, rest, ok := strings.Cut(path, containerMarker)
	if !ok {
		return nil, errBadPath
	}
	scope = strings.Trim(scope, "/")
	if scope == "" {
		return nil, errBadPath
	}

	if image, reference, ok := cutLast(rest, "/manifests/"); ok {
		if reference == "" || strings.Contains(reference, "/") || !validImage(image) {
			return nil, errBadPath
		}
		return &proxyPath{scope: scope, image: image, kind: kindManifest, reference: reference}, nil
	}

	image, blobPart, ok := cutLast(rest, "/blobs/")
	if !ok || blobPart == "" || !validImage(image) {
		return nil, errBadPath
	}

	kind := kindBlob
	if d, found := strings.CutSuffix(blobPart, "/authorize"); found {
		kind, blobPart = kindBlobAuthorize, d
	} else if d, found := strings.CutSuffix(blobPart, "/upload"); found {
		kind, blobPart = kindBlobUpload, d
	}
	if blobPart == "" || strings.Contains(blobPart, "/") {
		return nil, errBadPath
	}
	return &proxyPath{scope: scope, image: image, kind: kind, reference: blobPart}, nil
}

// validImage checks the image name against the distribution repository
// grammar.
func validImage(image string) bool {
	if image == "" {
		return false
	}
	ref := registry.Reference{Registry: "proxy.invalid", Repository: image}
	return ref.ValidateRepository() == nil
}

// cutLast cuts s around the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
