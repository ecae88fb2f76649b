package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types predating the OCI image spec, still served by
// upstream registries.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeDockerManifestV1   = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

// manifestAccept lists every manifest media type the proxy will relay.
var manifestAccept = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	mediaTypeDockerManifest,
	mediaTypeDockerManifestList,
	mediaTypeDockerManifestV1,
}, ", ")

// ManifestResponse is a successful upstream manifest fetch. The caller
// owns Body.
type ManifestResponse struct {
	ContentType string
	Digest      digest.Digest // empty when the upstream omitted the header
	Size        int64
	Body        io.ReadCloser
}

// BlobResponse is a successful upstream blob fetch. The caller owns Body.
type BlobResponse struct {
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// FetchManifest retrieves the manifest for (image, reference) using cred.
// Upstream 4xx/5xx responses come back as *Error with the upstream's
// status and body unchanged.
func (c *Client) FetchManifest(ctx context.Context, cred *Credential, image, reference string) (*ManifestResponse, error) {
	resp, err := c.get(ctx, cred, c.ManifestURL(image, reference), manifestAccept)
	if err != nil {
		return nil, err
	}

	var dgst digest.Digest
	if raw := resp.Header.Get("Docker-Content-Digest"); raw != "" {
		if parsed, err := digest.Parse(raw); err == nil {
			dgst = parsed
		}
	}

	return &ManifestResponse{
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      dgst,
		Size:        resp.ContentLength,
		Body:        resp.Body,
	}, nil
}

// FetchBlob opens a byte stream for the blob dgst of image using cred.
func (c *Client) FetchBlob(ctx context.Context, cred *Credential, image string, dgst digest.Digest) (*BlobResponse, error) {
	resp, err := c.get(ctx, cred, c.BlobURL(image, dgst), "")
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &BlobResponse{
		ContentType: contentType,
		Size:        resp.ContentLength,
		Body:        resp.Body,
	}, nil
}

// get performs an authenticated GET, relaying non-2xx responses as *Error.
func (c *Client) get(ctx context.Context, cred *Credential, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log().Warn("upstream transport failure", "url", url, "error", err)
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		c.log().Debug("upstream error relayed", "url", url, "status", resp.StatusCode)
		return nil, &Error{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}
