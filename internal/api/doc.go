// Package api hosts the HTTP status surface for the progress service.
// Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tasks and /v1/tasks/{task_id} for running task snapshots.
//   - POST /v1/tasks/{task_id}/cancel to request cooperative cancellation.
package api
