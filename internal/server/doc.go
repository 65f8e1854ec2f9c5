// Package server provides the HTTP inspector for a storebox store.
//
// The inspector exposes the store over HTTP:
//
//   - Inspector page: serves the embedded HTML page at "/"
//   - REST API: state snapshot, field lookup, JSON merge patches and action
//     dispatch under "/api", plus the last poll outcome of every source at
//     "/api/sources"
//   - Streams: Server-Sent Events at "/api/sse" and a websocket at "/api/ws",
//     both scoped to the fields named in the "fields" query parameter
//   - Metrics: Prometheus exposition at "/metrics"
//
// Each stream is a store subscription, so clients only receive messages when
// their selected fields change. Messages are queued per client and a slow
// client never delays the store's notification pass.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
