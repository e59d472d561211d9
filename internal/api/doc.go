// Package api hosts the HTTP server, middleware, and REST handlers for crawl
// jobs. Notable routes:
//   - POST /v1/crawls to start a crawl, GET /v1/crawls/{id} for its status.
//   - GET /v1/crawls/{id}/progress and /pages for snapshots and page records.
//   - GET /v1/crawls/{id}/ws for a live WebSocket progress stream.
//   - GET /healthz, /readyz, and /metrics for health checks and Prometheus scraping.
package api
