// Package api hosts the HTTP server, middleware, and REST handlers for the
// downloader service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches to queue a batch of crawled items, and
//     GET /v1/batches/{batch_id}[/outcomes] to follow it.
//   - GET /api/batches and /api/batches/{batch_id}/sites for persisted
//     progress via the ProgressRepository interface.
package api
