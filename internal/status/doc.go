// Package status records the latest poll outcome of every source.
//
// Sources feed the store only when a poll succeeds, so a failing source
// leaves no trace in the state itself. The [Table] keeps the last result per
// source (value, latency, error and failure streak) for the inspector's
// /api/sources endpoint and for logs.
//
// The main components are:
//
//   - [Table]: concurrency-safe map of source name to [SourceStatus]
//   - [SourceStatus]: JSON representation of a source's last poll
//   - [FromResult]: conversion from a poller result
package status
