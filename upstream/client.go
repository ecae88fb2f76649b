// Package upstream talks to the origin registry: token exchange against
// its authorization endpoint and manifest/blob fetches against its
// distribution API.
//
// The package is a transparent relay of upstream failures. An upstream
// HTTP error surfaces as an [*Error] carrying the upstream's status code
// and body verbatim; only transport-level failures (dial, DNS, timeout)
// are recoded, as 503 Service Unavailable.
package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Docker Hub defaults, matching what proxy clients expect when no
// upstream is configured.
const (
	DefaultRegistryURL = "https://registry-1.docker.io"
	DefaultAuthURL     = "https://auth.docker.io"
	DefaultService     = "registry.docker.io"

	defaultTimeout = 30 * time.Second
)

// Client performs upstream registry operations. Credentials obtained via
// ExchangeToken are only valid for the request that produced them; the
// client never caches them.
type Client struct {
	registryURL string
	authURL     string
	service     string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRegistryURL sets the upstream distribution API base URL.
func WithRegistryURL(u string) Option {
	return func(c *Client) {
		c.registryURL = strings.TrimSuffix(u, "/")
	}
}

// WithAuthURL sets the upstream authorization endpoint base URL.
func WithAuthURL(u string) Option {
	return func(c *Client) {
		c.authURL = strings.TrimSuffix(u, "/")
	}
}

// WithService sets the service name sent on token exchanges.
func WithService(service string) Option {
	return func(c *Client) {
		c.service = service
	}
}

// WithHTTPClient sets the HTTP client used for all upstream calls. The
// default client enforces a 30s timeout so upstream outages surface as
// ServiceUnavailable instead of hanging.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an upstream client, defaulting to Docker Hub.
func NewClient(opts ...Option) *Client {
	c := &Client{
		registryURL: DefaultRegistryURL,
		authURL:     DefaultAuthURL,
		service:     DefaultService,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return c
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// qualifyImage expands bare Docker Hub image names ("alpine") to their
// canonical repository path ("library/alpine").
func qualifyImage(image string) string {
	if !strings.Contains(image, "/") {
		return "library/" + image
	}
	return image
}

// ManifestURL returns the upstream URL for an image manifest.
func (c *Client) ManifestURL(image, reference string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.registryURL, qualifyImage(image), reference)
}

// BlobURL returns the upstream URL for a blob.
func (c *Client) BlobURL(image string, dgst digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", c.registryURL, qualifyImage(image), dgst)
}

// tokenURL returns the authorization endpoint URL requesting the given
// scope claim.
func (c *Client) tokenURL(scope string) string {
	q := url.Values{}
	q.Set("service", c.service)
	q.Set("scope", scope)
	return fmt.Sprintf("%s/token?%s", c.authURL, q.Encode())
}
