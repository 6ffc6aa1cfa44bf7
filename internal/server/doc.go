// Package server exposes the read-side HTTP surface over run records and
// run logs.
//
// Endpoints:
//   - GET /health                       liveness and uptime
//   - GET /metrics                      Prometheus exposition
//   - GET /jobs/:identity/latest        most recent run record
//   - GET /jobs/:identity/history       run records, newest first
//   - GET /jobs/:identity/logs/latest   captured log of the latest run
//   - GET /ws/logs/:identity            WebSocket tail of the active run log
//
// The server never mutates pipeline state: runs are started by the CLI (or
// a scheduler driving the runner directly), and this surface only reads
// what the runner recorded. Middleware stack is CORS plus per-IP token
// bucket rate limiting.
package server
