//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/depproxy"
	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/server"
	"github.com/meigma/depproxy/store/disk"
	"github.com/meigma/depproxy/upstream"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		ctx := context.Background()
		registryAddr, registryErr = startRegistryContainer(ctx)
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env:          map[string]string{"REGISTRY_STORAGE_DELETE_ENABLED": "true"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Token Endpoint ---

// newTokenEndpoint serves the docker token exchange protocol. The local
// registry runs unauthenticated, so any token value satisfies it; what
// matters is that the proxy performs a real exchange over HTTP.
func newTokenEndpoint(tb testing.TB) string {
	tb.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"integration-test-token","expires_in":300}`)
	}))
	tb.Cleanup(srv.Close)
	return srv.URL
}

// --- Proxy Stack Factory ---

type proxyEnv struct {
	dir   *auth.MemoryDirectory
	codec *auth.TokenCodec
	svc   *depproxy.Service
	proxy *httptest.Server
}

// newProxy builds the full stack over the shared registry: directory,
// gate, disk store, upstream client, and the HTTP server, with one
// enabled group "team" and account 1 as a member.
func newProxy(tb testing.TB, offload bool) *proxyEnv {
	tb.Helper()

	registry := getRegistry(tb)

	dir := auth.NewMemoryDirectory()
	dir.AddScope(&auth.Scope{ID: 1, Path: "team"})
	dir.SetEnabled(1, true)
	dir.AddAccount(&auth.Account{ID: 1, Username: "tester"})
	dir.AddMember(1, 1)

	gate := auth.NewGate(dir, dir, dir)
	st, err := disk.New(tb.TempDir())
	require.NoError(tb, err)

	up := upstream.NewClient(
		upstream.WithRegistryURL("http://"+registry),
		upstream.WithAuthURL(newTokenEndpoint(tb)),
		upstream.WithService("registry.local"),
	)

	opts := []depproxy.ServiceOption{}
	if offload {
		opts = append(opts, depproxy.WithOffloader(depproxy.HelperOffloader{}))
	}
	svc := depproxy.NewService(gate, up, st, opts...)

	codec := auth.NewTokenCodec([]byte("integration-jwt-secret"))
	handler := server.New(svc, auth.NewAuthenticator(codec, dir),
		server.WithInternalSecret([]byte("integration-internal-secret")))

	proxy := httptest.NewServer(handler)
	tb.Cleanup(proxy.Close)

	return &proxyEnv{dir: dir, codec: codec, svc: svc, proxy: proxy}
}

func (e *proxyEnv) bearer(tb testing.TB, identity auth.Identity) string {
	tb.Helper()
	token, err := e.codec.Issue(identity)
	require.NoError(tb, err)
	return "Bearer " + token
}

func (e *proxyEnv) get(tb testing.TB, path string, identity auth.Identity) *http.Response {
	tb.Helper()
	req, err := http.NewRequest(http.MethodGet, e.proxy.URL+path, nil)
	require.NoError(tb, err)
	if identity != nil {
		req.Header.Set("Authorization", e.bearer(tb, identity))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(tb, err)
	tb.Cleanup(func() { resp.Body.Close() })
	return resp
}

// --- Registry Seeding ---

// seededImage is a minimal image pushed straight into the registry:
// a config blob, one layer, and a manifest referencing both.
type seededImage struct {
	Repo         string
	Tag          string
	Manifest     []byte
	Digest       digest.Digest
	LayerContent []byte
	LayerDigest  digest.Digest
}

// pushImage uploads a minimal docker v2 image to the shared registry.
// Repository names are unique per test to avoid collisions.
func pushImage(tb testing.TB, registry, testName string) *seededImage {
	tb.Helper()

	repo := "test/" + testName
	layer := []byte("layer content for " + testName)
	config := []byte(`{"architecture":"amd64","os":"linux"}`)

	layerDigest := pushBlob(tb, registry, repo, layer)
	configDigest := pushBlob(tb, registry, repo, config)

	manifest := fmt.Appendf(nil, `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {
    "mediaType": "application/vnd.docker.container.image.v1+json",
    "size": %d,
    "digest": %q
  },
  "layers": [
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": %d,
      "digest": %q
    }
  ]
}`, len(config), configDigest, len(layer), layerDigest)

	url := fmt.Sprintf("http://%s/v2/%s/manifests/latest", registry, repo)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(manifest))
	require.NoError(tb, err)
	req.Header.Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(tb, err)
	resp.Body.Close()
	require.Equal(tb, http.StatusCreated, resp.StatusCode, "push manifest")

	return &seededImage{
		Repo:         repo,
		Tag:          "latest",
		Manifest:     manifest,
		Digest:       digest.Canonical.FromBytes(manifest),
		LayerContent: layer,
		LayerDigest:  layerDigest,
	}
}

// pushBlob uploads a blob via the two-step monolithic upload flow.
func pushBlob(tb testing.TB, registry, repo string, content []byte) digest.Digest {
	tb.Helper()

	dgst := digest.Canonical.FromBytes(content)

	startURL := fmt.Sprintf("http://%s/v2/%s/blobs/uploads/", registry, repo)
	resp, err := http.Post(startURL, "application/octet-stream", nil)
	require.NoError(tb, err)
	resp.Body.Close()
	require.Equal(tb, http.StatusAccepted, resp.StatusCode, "start blob upload")

	location := resp.Header.Get("Location")
	require.NotEmpty(tb, location)
	sep := "?"
	if bytes.ContainsRune([]byte(location), '?') {
		sep = "&"
	}
	putURL := location + sep + "digest=" + dgst.String()
	if location[0] == '/' {
		putURL = "http://" + registry + putURL
	}

	req, err := http.NewRequest(http.MethodPut, putURL, bytes.NewReader(content))
	require.NoError(tb, err)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(tb, err)
	resp.Body.Close()
	require.Equal(tb, http.StatusCreated, resp.StatusCode, "finish blob upload")

	return dgst
}
