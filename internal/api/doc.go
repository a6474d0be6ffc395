// Package api hosts the operational HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/limits/{region} for read-only rate budget headroom.
//   - GET /v1/progress for per-region crawl summaries.
//   - GET /v1/regions/{region}/state for a crawl state snapshot.
//
// Every route is read-only; the crawler takes no commands over HTTP.
package api
