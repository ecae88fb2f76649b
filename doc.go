// Package depproxy implements a pull-through cache for container
// registry content. Clients request manifests and blobs by image name
// and reference; the proxy authorizes the caller against a namespace
// scope, serves cached copies when it has them, and otherwise exchanges
// the caller's standing for an upstream bearer token, fetches, caches,
// and relays.
//
// The [Service] ties the pieces together:
//
//   - [auth.Gate] decides whether proxying is enabled for a scope (with
//     ancestor inheritance) and whether the caller may act on it.
//   - [upstream.Client] performs per-request token exchanges and
//     manifest/blob fetches, relaying upstream failures verbatim.
//   - [store.Store] persists cached content, keyed by (scope, image,
//     reference) for manifests and content-addressed (scope, digest)
//     for blobs.
//   - [Offloader] describes large-payload transfers to an external
//     helper instead of buffering them in process; inbound uploads
//     come back through [Service.FinalizeUpload].
//
// The HTTP surface lives in the server subpackage; the daemon entry
// point in cmd/depproxy.
package depproxy
