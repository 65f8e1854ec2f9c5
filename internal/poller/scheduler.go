package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/storebox/internal/jsonvalue"
)

// Result holds the outcome of polling a single source.
//
// A Result carries either a Value extracted from the response or an Error;
// the consumer decides whether to write the value into the store.
type Result struct {
	// Source is the name of the polled source.
	Source string

	// Field is the state field the value is destined for.
	Field string

	// URL is the target URL that was polled.
	URL string

	// Value is the extracted value. Nil when Error is set.
	Value any

	// Latency is the time taken to complete the HTTP request.
	Latency time.Duration

	// CheckedAt is the timestamp when the poll was performed.
	CheckedAt time.Time

	// StatusCode is the HTTP status code returned by the source.
	StatusCode int

	// Error contains any error that occurred during polling or extraction.
	Error error
}

// Extractor turns a response body into the value written to the store.
type Extractor func(body []byte) (any, error)

// Source describes one HTTP resource whose value is mirrored into a state
// field.
type Source struct {
	// Name identifies the source in logs and results. Must be unique.
	Name string

	// URL is the target URL to poll.
	URL string

	// Field is the state field written with the extracted value.
	Field string

	// Path is the dot path of the value inside the JSON response body. Empty
	// selects the whole document. Ignored when Extract is set.
	Path string

	// Extract overrides the JSON path extraction.
	Extract Extractor

	// Method is the HTTP method. Empty defaults to GET.
	Method string

	// Headers contains custom HTTP headers to send with requests.
	Headers map[string]string

	// Timeout is the per-request timeout duration.
	Timeout time.Duration

	// Interval is the custom polling interval for this source.
	// If 0, the scheduler's global interval is used.
	Interval time.Duration
}

// JSONPath returns an [Extractor] that decodes a JSON body and returns the
// value at path (see [jsonvalue.Lookup]).
func JSONPath(path string) Extractor {
	return func(body []byte) (any, error) {
		doc, err := jsonvalue.Decode(body)
		if err != nil {
			return nil, err
		}
		return lookup(doc, path)
	}
}

func lookup(doc any, path string) (any, error) {
	v, ok := jsonvalue.Lookup(doc, path)
	if !ok {
		return nil, fmt.Errorf("path %q not found in response", path)
	}
	return v, nil
}

// Scheduler manages periodic polling of multiple sources.
//
// Scheduler implements a worker pool pattern, polling configured sources
// at their respective intervals with configurable concurrency. Results are
// emitted to a channel that can be consumed by the caller.
//
// The scheduler polls all sources immediately on start, then uses a
// tick-and-check pattern where it ticks at the GCD of all source intervals
// and polls only sources that are due.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	sources        []Source
	interval       time.Duration // global default interval
	maxConcurrency int
	client         *Client
	results        chan Result
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once

	// per-source timing for tick-and-check pattern
	lastPolledAt map[string]time.Time
	baseInterval time.Duration
}

// NewScheduler creates a new polling [Scheduler].
//
// Parameters:
//   - sources: Sources to poll
//   - interval: Default time between polls of a source
//   - maxConcurrency: Maximum number of concurrent HTTP requests
//   - logger: Logger for scheduler events (panic recovery, etc.)
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop]. Results are available via [Scheduler.Results].
func NewScheduler(sources []Source, interval time.Duration, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{
		sources:        sources,
		interval:       interval,
		maxConcurrency: maxConcurrency,
		client:         NewClient(),
		results:        make(chan Result, len(sources)),
		logger:         logger,
	}
}

// Results returns a receive-only channel that emits [Result] values.
//
// The channel is closed when the scheduler stops. Consumers should read from
// this channel until it is closed to receive all poll results.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// calculateBaseInterval determines the tick interval for the scheduler.
// Uses the GCD of all source intervals to ensure timely polling.
func (s *Scheduler) calculateBaseInterval() time.Duration {
	if len(s.sources) == 0 {
		return s.interval
	}

	result := s.intervalFor(s.sources[0])
	for _, src := range s.sources[1:] {
		result = gcdDuration(result, s.intervalFor(src))
	}

	// floor at 1 second to prevent CPU thrashing
	if result < time.Second {
		result = time.Second
	}

	return result
}

func (s *Scheduler) intervalFor(src Source) time.Duration {
	if src.Interval > 0 {
		return src.Interval
	}
	return s.interval
}

// gcdDuration calculates the greatest common divisor of two durations.
func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Start begins the polling loop in a background goroutine.
//
// Start is non-blocking and returns immediately. The scheduler will:
//  1. Poll all sources immediately
//  2. Tick at the GCD of all source intervals
//  3. Poll only sources that are due on each tick
//  4. Continue until [Scheduler.Stop] is called or the context is cancelled
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; subsequent calls after the first are no-ops.
// If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastPolledAt = make(map[string]time.Time, len(s.sources))
	s.baseInterval = s.calculateBaseInterval()

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	pollCtx := s.ctx // capture under lock to avoid race
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })

		s.pollDue(pollCtx, true)

		ticker := time.NewTicker(s.baseInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				s.pollDue(pollCtx, false)
			}
		}
	}()
}

// Stop halts the scheduler and waits for all goroutines to complete.
//
// Stop is idempotent and safe to call multiple times. Calling Stop before
// Start is a safe no-op. The results channel is closed when Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	if s.client != nil {
		s.client.Close()
	}

	// ensure channel is closed even if Start() was never called
	s.closeOnce.Do(func() { close(s.results) })
}

// pollDue polls only sources that are due based on their intervals.
// If immediate is true, polls all sources regardless of timing.
//
// lastPolledAt is updated when a poll starts, so the effective interval of a
// slow source is its configured interval plus the request duration.
func (s *Scheduler) pollDue(ctx context.Context, immediate bool) {
	now := time.Now()
	due := make([]Source, 0, len(s.sources))

	s.mu.Lock()
	for _, src := range s.sources {
		if immediate {
			due = append(due, src)
			s.lastPolledAt[src.Name] = now
			continue
		}

		lastPolled, exists := s.lastPolledAt[src.Name]
		if !exists || now.Sub(lastPolled) >= s.intervalFor(src) {
			due = append(due, src)
			s.lastPolledAt[src.Name] = now
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	s.pollSources(ctx, due)
}

// pollSources polls a subset of sources concurrently, respecting maxConcurrency.
func (s *Scheduler) pollSources(ctx context.Context, sources []Source) {
	jobs := make(chan Source, len(sources))

	var wg sync.WaitGroup
	for i := 0; i < s.maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				result := s.poll(ctx, src)
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, src := range sources {
		select {
		case jobs <- src:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)

	wg.Wait()
}

// poll fetches a single source and extracts its value.
//
// Sources without an Extract func are fetched as JSON and read at Path.
func (s *Scheduler) poll(ctx context.Context, src Source) Result {
	req := requestFor(src)

	var (
		resp  Response
		value any
	)
	if src.Extract == nil {
		var doc any
		doc, resp = s.client.FetchJSON(ctx, req)
		if resp.Error == nil {
			value, resp.Error = lookup(doc, src.Path)
		}
	} else {
		resp = s.client.Fetch(ctx, req)
		if resp.Error == nil {
			value, resp.Error = s.safeExtract(src.Extract, resp.Body)
		}
	}
	if resp.Error != nil {
		value = nil
	}

	return Result{
		Source:     src.Name,
		Field:      src.Field,
		URL:        src.URL,
		Value:      value,
		Latency:    resp.Latency,
		CheckedAt:  time.Now(),
		StatusCode: resp.StatusCode,
		Error:      resp.Error,
	}
}

// safeExtract calls the extractor with panic recovery.
// If the extractor panics, it logs the full stack trace with a correlation ID
// and returns a user-friendly error containing the ID.
func (s *Scheduler) safeExtract(extract Extractor, body []byte) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			// log full context server-side for debugging
			s.logger.Error("extractor panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)

			value = nil
			err = fmt.Errorf("extractor panic (correlation_id: %s)", correlationID)
		}
	}()

	value, err = extract(body)
	if err != nil {
		return nil, fmt.Errorf("extract value: %w", err)
	}
	return value, nil
}
