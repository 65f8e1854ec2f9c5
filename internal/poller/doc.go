// Package poller mirrors remote HTTP resources into store fields.
//
// A [Scheduler] polls each configured [Source] on its own interval using a
// bounded worker pool, extracts a value from the response body and emits a
// [Result] on a channel. The consumer applies results to the store; the
// poller itself knows nothing about stores.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeouts and size limits
//   - [Scheduler]: periodic polling with a worker pool
//   - [Source]: one polled resource and the field it feeds
//   - [Result]: the outcome of polling a single source
package poller
