// Package api hosts the HTTP server, middleware, and handlers for the scrape
// service. Notable routes:
//   - POST /api/scrape starts a job for a search URL.
//   - GET /api/scrape/{job_id} reports status, row count and columns.
//   - GET /api/scrape/{job_id}/logs streams the job's log as server-sent
//     events; /ws streams the same messages over a websocket.
//   - GET /api/export/{job_id}/json downloads the normalized rows.
//   - GET /health, /healthz, /readyz for probes and /metrics for Prometheus.
package api
