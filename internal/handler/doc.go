// Package handler implements the HTTP API of the engine.
//
// # Routes
//
//	GET  /api/reports                 newest reports (?limit=)
//	GET  /api/reports/{id}            one report
//	GET  /api/signatures              strongest signatures (?limit=)
//	GET  /api/status                  thermal, collector and storage state
//	POST /api/synthesis               run synthesis now
//	POST /api/observations/dom        friction and hidden elements
//	POST /api/observations/network    latency, protocol and resource timings
//	POST /api/observations/trackers   detected trackers
//	GET  /events                      notification stream (SSE)
//	GET  /metrics                     Prometheus metrics
//	GET  /healthz                     liveness
//
// Request bodies are JSON and validated before they reach the collector.
// Errors are returned as {"error": {"code", "message"}} with the status
// mapped from the error code: 409 while a run is active, 429 inside the
// minimum interval (with Retry-After), 503 in a thermal emergency.
package handler
