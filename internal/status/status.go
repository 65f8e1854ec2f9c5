package status

import (
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/storebox/internal/poller"
)

// Status values reported for a source.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// SourceStatus is the last poll outcome of a source.
//
// SourceStatus is decoupled from the poller's result type so the JSON shape
// served by the inspector can evolve independently.
type SourceStatus struct {
	// Name is the source's configured name.
	Name string `json:"name"`

	// Field is the state field the source writes.
	Field string `json:"field"`

	// URL is the polled URL.
	URL string `json:"url"`

	// Status is StatusOK when the last poll produced a value.
	Status string `json:"status"`

	// Value is the last extracted value; nil after a failed poll.
	Value any `json:"value"`

	// ResponseTimeMs is the request latency in milliseconds.
	ResponseTimeMs int64 `json:"response_time_ms"`

	// CheckedAt is the timestamp of the last poll.
	CheckedAt time.Time `json:"checked_at"`

	// Error contains the error message if the poll failed.
	Error *string `json:"error"`

	// Failures counts consecutive failed polls; reset by a success.
	Failures int `json:"failures"`
}

// FromResult converts a poller result to a [SourceStatus].
func FromResult(r poller.Result) SourceStatus {
	st := SourceStatus{
		Name:           r.Source,
		Field:          r.Field,
		URL:            r.URL,
		Status:         StatusOK,
		Value:          r.Value,
		ResponseTimeMs: r.Latency.Milliseconds(),
		CheckedAt:      r.CheckedAt,
	}
	if r.Error != nil {
		msg := r.Error.Error()
		st.Status = StatusError
		st.Value = nil
		st.Error = &msg
	}
	return st
}

// Table holds the latest [SourceStatus] per source name.
//
// Table is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	statuses map[string]SourceStatus
}

// NewTable creates an empty [Table].
func NewTable() *Table {
	return &Table{statuses: make(map[string]SourceStatus)}
}

// Update stores st under its Name, replacing the previous entry, and returns
// the stored value with Failures carried over from the previous entry.
func (t *Table) Update(st SourceStatus) SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st.Failures = 0
	if st.Status == StatusError {
		st.Failures = t.statuses[st.Name].Failures + 1
	}
	t.statuses[st.Name] = st
	return st
}

// Get returns the latest status of the named source.
func (t *Table) Get(name string) (SourceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.statuses[name]
	return st, ok
}

// GetAll returns a snapshot of every stored status, sorted by name.
//
// The returned slice is a copy; modifications do not affect the table.
func (t *Table) GetAll() []SourceStatus {
	t.mu.RLock()
	results := make([]SourceStatus, 0, len(t.statuses))
	for _, st := range t.statuses {
		results = append(results, st)
	}
	t.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}
