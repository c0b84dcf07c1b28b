// Package gateway wires the coven-chat server components together.
//
// # Overview
//
// New opens the SQLite store, builds the chat orchestrator with its
// store-backed collaborators (session lookup, project loader, usage guard,
// history) and the CLI runtime factory, and mounts everything on one
// http.ServeMux:
//
//   - GET /ws/chat/{session_id} - chat WebSocket (JWT-guarded when auth.jwt_secret is set)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping, live connection count)
//   - GET <metrics.path> - Prometheus metrics when metrics.enabled
//
// Metrics live on a private prometheus.Registry that also carries the Go
// runtime and process collectors.
//
// # Listeners
//
// Run listens on server.http_addr, or joins a tailnet through tsnet when
// tailscale.enabled is set:
//
//   - tailscale.funnel - public HTTPS via Funnel on :443
//   - tailscale.https - tailnet-only HTTPS with auto-provisioned certs
//   - otherwise - plain HTTP on :80 inside the tailnet
//
// # Shutdown
//
// Run blocks until its context is canceled, then Shutdown stops the HTTP
// server, cancels every live chat connection, closes every pooled runtime
// client, leaves the tailnet, and closes the store.
package gateway
