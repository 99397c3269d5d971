// Package api hosts the HTTP server, middleware, and REST handlers for
// capture submission and inspection. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/captures for submission, GET /v1/captures/{job_id}/... for
//     per-capture status, results, and cancellation.
//   - GET /v1/status, /v1/stats/daily, and /v1/events/recent for
//     service-level reporting.
package api
