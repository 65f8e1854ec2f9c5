package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestScheduler_StopBeforeStart verifies that calling Stop() on a scheduler
// that was never started does not panic and is a safe no-op.
func TestScheduler_StopBeforeStart(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())

	// this must not panic
	scheduler.Stop()
}

// TestScheduler_StopTwice verifies that Stop() is idempotent and can be
// called multiple times without panic or deadlock.
func TestScheduler_StopTwice(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())
	scheduler.Start(context.Background())

	// both calls must complete without panic or deadlock
	scheduler.Stop()
	scheduler.Stop()
}

// TestScheduler_StopAfterStart verifies the normal lifecycle: Start followed
// by Stop results in clean shutdown with the results channel closed.
func TestScheduler_StopAfterStart(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())
	scheduler.Start(context.Background())

	// drain results channel to prevent blocking
	go func() {
		for range scheduler.Results() {
		}
	}()

	// give the scheduler a moment to start polling
	time.Sleep(50 * time.Millisecond)

	scheduler.Stop()

	// verify results channel is closed by reading from it
	select {
	case _, ok := <-scheduler.Results():
		if ok {
			t.Error("expected results channel to be closed after Stop()")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for results channel to close")
	}
}

// TestScheduler_ConcurrentStartStop verifies that calling Start() and Stop()
// concurrently does not cause a race condition or panic.
// Run with: go test -race ./poller/...
func TestScheduler_ConcurrentStartStop(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	// run multiple iterations to increase chance of catching races
	for i := 0; i < 100; i++ {
		scheduler := NewScheduler(sources, time.Minute, 1, testLogger())

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			scheduler.Start(context.Background())
		}()

		go func() {
			defer wg.Done()
			scheduler.Stop()
		}()

		wg.Wait()

		// drain any remaining results
		for range scheduler.Results() {
		}
	}
}

// TestScheduler_ConcurrentPollAndStop verifies that polling workers don't race
// with Stop(). Run with: go test -race ./internal/poller/...
func TestScheduler_ConcurrentPollAndStop(t *testing.T) {
	sources := []Source{
		{Name: "test1", URL: "http://example.com", Timeout: time.Second},
		{Name: "test2", URL: "http://example.com", Timeout: time.Second},
		{Name: "test3", URL: "http://example.com", Timeout: time.Second},
	}

	// run multiple iterations to increase chance of catching races
	for i := 0; i < 50; i++ {
		scheduler := NewScheduler(sources, 10*time.Millisecond, 2, testLogger())
		scheduler.Start(context.Background())

		// let it poll at least once
		time.Sleep(15 * time.Millisecond)

		// stop while polling may be active
		scheduler.Stop()

		// verify clean shutdown by draining results
		for range scheduler.Results() {
		}
	}
}

// TestScheduler_StartTwice verifies that Start() is idempotent and calling
// it multiple times does not spawn multiple polling goroutines.
func TestScheduler_StartTwice(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())

	scheduler.Start(context.Background())
	scheduler.Start(context.Background()) // second call should be no-op

	// drain results
	go func() {
		for range scheduler.Results() {
		}
	}()

	scheduler.Stop()
}

// TestScheduler_StopBeforeStartThenStart verifies that if Stop() is called
// before Start(), a subsequent Start() call is handled gracefully.
func TestScheduler_StopBeforeStartThenStart(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())

	scheduler.Stop()                // stop before start
	scheduler.Start(context.TODO()) // start after stop - should be no-op or handled gracefully
	scheduler.Stop()                // second stop should not panic
}

// TestScheduler_ContextCancellation verifies that cancelling the parent context
// stops the scheduler gracefully.
func TestScheduler_ContextCancellation(t *testing.T) {
	sources := []Source{
		{Name: "test", URL: "http://example.com", Timeout: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := NewScheduler(sources, time.Minute, 1, testLogger())
	scheduler.Start(ctx)

	// drain results
	go func() {
		for range scheduler.Results() {
		}
	}()

	// cancel parent context
	cancel()

	// stop should complete quickly since context is already cancelled
	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
		// success
	case <-time.After(2 * time.Second):
		t.Error("Stop() did not complete after parent context cancellation")
	}
}

// pollOnce starts a scheduler with a single long-interval poll and returns
// the first result per source.
func pollOnce(t *testing.T, sources []Source) map[string]Result {
	t.Helper()

	scheduler := NewScheduler(sources, time.Hour, len(sources), testLogger())
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	results := make(map[string]Result, len(sources))
	for i := 0; i < len(sources); i++ {
		select {
		case result := <-scheduler.Results():
			results[result.Source] = result
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for result %d", i+1)
		}
	}
	return results
}

func TestScheduler_ExtractsJSONPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stock": {"count": 4, "price": 9.5}, "status": "ok"}`))
	}))
	defer server.Close()

	results := pollOnce(t, []Source{
		{Name: "count", URL: server.URL, Field: "stock", Path: "stock.count", Timeout: time.Second},
		{Name: "price", URL: server.URL, Field: "price", Path: "stock.price", Timeout: time.Second},
		{Name: "whole", URL: server.URL, Field: "doc", Timeout: time.Second},
	})

	count := results["count"]
	if count.Error != nil {
		t.Fatalf("count.Error = %v", count.Error)
	}
	if count.Value != 4 {
		t.Errorf("count.Value = %v (%T), want int 4", count.Value, count.Value)
	}
	if count.Field != "stock" {
		t.Errorf("count.Field = %q, want %q", count.Field, "stock")
	}
	if count.StatusCode != http.StatusOK {
		t.Errorf("count.StatusCode = %d, want 200", count.StatusCode)
	}

	if results["price"].Value != 9.5 {
		t.Errorf("price.Value = %v, want 9.5", results["price"].Value)
	}

	doc, ok := results["whole"].Value.(map[string]any)
	if !ok || doc["status"] != "ok" {
		t.Errorf("whole.Value = %v, want decoded document", results["whole"].Value)
	}
}

func TestScheduler_ExtractionErrors(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer okServer.Close()

	textServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer textServer.Close()

	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status": "down"}`))
	}))
	defer failServer.Close()

	results := pollOnce(t, []Source{
		{Name: "missing", URL: okServer.URL, Field: "f", Path: "data.count", Timeout: time.Second},
		{Name: "invalid", URL: textServer.URL, Field: "f", Path: "status", Timeout: time.Second},
		{Name: "status", URL: failServer.URL, Field: "f", Path: "status", Timeout: time.Second},
	})

	tests := []struct {
		source  string
		wantErr string
	}{
		{source: "missing", wantErr: `path "data.count" not found`},
		{source: "invalid", wantErr: "decode json"},
		{source: "status", wantErr: "unexpected status code 503"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			r := results[tt.source]
			if r.Error == nil {
				t.Fatalf("Error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(r.Error.Error(), tt.wantErr) {
				t.Errorf("Error = %q, want to contain %q", r.Error.Error(), tt.wantErr)
			}
			if r.Value != nil {
				t.Errorf("Value = %v, want nil on error", r.Value)
			}
		})
	}
}

func TestScheduler_CustomExtractor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dark"))
	}))
	defer server.Close()

	results := pollOnce(t, []Source{{
		Name:    "theme",
		URL:     server.URL,
		Field:   "theme",
		Extract: func(body []byte) (any, error) { return strings.ToUpper(string(body)), nil },
		Timeout: time.Second,
	}})

	if got := results["theme"].Value; got != "DARK" {
		t.Errorf("Value = %v, want %q", got, "DARK")
	}
}

// TestScheduler_ExtractorPanicRecovery verifies that a panicking extractor
// does not crash the scheduler and does not affect other sources.
func TestScheduler_ExtractorPanicRecovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	results := pollOnce(t, []Source{
		{
			Name:    "Panicking",
			URL:     server.URL,
			Extract: func([]byte) (any, error) { panic("boom") },
			Timeout: time.Second,
		},
		{
			Name:    "NilPanic",
			URL:     server.URL,
			Extract: func([]byte) (any, error) { panic(nil) },
			Timeout: time.Second,
		},
		{Name: "Healthy", URL: server.URL, Path: "status", Timeout: time.Second},
	})

	for _, name := range []string{"Panicking", "NilPanic"} {
		r := results[name]
		if r.Error == nil {
			t.Fatalf("%s.Error = nil, want error describing panic", name)
		}
		errMsg := r.Error.Error()
		if !strings.Contains(errMsg, "extractor panic") {
			t.Errorf("%s.Error = %q, want to contain 'extractor panic'", name, errMsg)
		}
		if !strings.Contains(errMsg, "correlation_id") {
			t.Errorf("%s.Error = %q, want to contain 'correlation_id'", name, errMsg)
		}
	}

	if got := results["Healthy"].Value; got != "ok" {
		t.Errorf("Healthy.Value = %v, want %q", got, "ok")
	}
}

func TestNewScheduler_ClampsConcurrency(t *testing.T) {
	scheduler := NewScheduler(nil, time.Minute, 0, testLogger())
	if scheduler.maxConcurrency != 1 {
		t.Errorf("maxConcurrency = %d, want 1", scheduler.maxConcurrency)
	}
}

// TestScheduler_GCDCalculation verifies that the base tick interval is
// calculated correctly as the GCD of all source intervals.
func TestScheduler_GCDCalculation(t *testing.T) {
	tests := []struct {
		name           string
		intervals      []time.Duration
		globalInterval time.Duration
		expectedBase   time.Duration
	}{
		{
			name:           "all same interval",
			intervals:      []time.Duration{10 * time.Second, 10 * time.Second},
			globalInterval: 10 * time.Second,
			expectedBase:   10 * time.Second,
		},
		{
			name:           "5s and 10s gives GCD of 5s",
			intervals:      []time.Duration{5 * time.Second, 10 * time.Second},
			globalInterval: 30 * time.Second,
			expectedBase:   5 * time.Second,
		},
		{
			name:           "with zero (default) uses global",
			intervals:      []time.Duration{6 * time.Second, 0}, // 0 = use global
			globalInterval: 9 * time.Second,
			expectedBase:   3 * time.Second, // GCD(6, 9) = 3
		},
		{
			name:           "all use default",
			intervals:      []time.Duration{0, 0, 0},
			globalInterval: 15 * time.Second,
			expectedBase:   15 * time.Second,
		},
		{
			name:           "co-prime intervals",
			intervals:      []time.Duration{7 * time.Second, 11 * time.Second},
			globalInterval: 30 * time.Second,
			expectedBase:   1 * time.Second, // GCD(7, 11) = 1
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := make([]Source, len(tt.intervals))
			for i, interval := range tt.intervals {
				sources[i] = Source{
					Name:     fmt.Sprintf("ep%d", i),
					URL:      "http://example.com",
					Timeout:  time.Second,
					Interval: interval,
				}
			}

			scheduler := NewScheduler(sources, tt.globalInterval, 1, testLogger())
			base := scheduler.calculateBaseInterval()

			if base != tt.expectedBase {
				t.Errorf("calculateBaseInterval() = %v, want %v", base, tt.expectedBase)
			}
		})
	}
}

// TestScheduler_GCDCalculation_EmptySources verifies that an empty source
// list returns the global interval as the base.
func TestScheduler_GCDCalculation_EmptySources(t *testing.T) {
	globalInterval := 20 * time.Second
	scheduler := NewScheduler([]Source{}, globalInterval, 1, testLogger())
	base := scheduler.calculateBaseInterval()

	if base != globalInterval {
		t.Errorf("calculateBaseInterval() = %v, want %v (global)", base, globalInterval)
	}
}

// TestScheduler_DefaultIntervalUsedWhenNotSpecified verifies that sources
// without a custom interval use the global polling interval.
func TestScheduler_DefaultIntervalUsedWhenNotSpecified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// use intervals >= 1 second (the GCD floor) for realistic testing
	sources := []Source{
		{Name: "Custom", URL: server.URL, Timeout: time.Second, Interval: 1 * time.Second},
		{Name: "Default", URL: server.URL, Timeout: time.Second, Interval: 0}, // should use global (3s)
	}

	globalInterval := 3 * time.Second
	scheduler := NewScheduler(sources, globalInterval, 2, testLogger())
	scheduler.Start(context.Background())

	counts := make(map[string]int)
	timeout := time.After(3500 * time.Millisecond)

collecting:
	for {
		select {
		case result, ok := <-scheduler.Results():
			if !ok {
				break collecting
			}
			counts[result.Source]++
		case <-timeout:
			break collecting
		}
	}

	scheduler.Stop()

	// Custom (1s) should poll more than Default (3s global)
	// In 3.5s: Custom ~4 polls (immediate + 3 ticks), Default ~2 polls (immediate + 1 tick)
	if counts["Custom"] <= counts["Default"] {
		t.Errorf("Custom polled %d times, Default polled %d times - Custom should poll more frequently",
			counts["Custom"], counts["Default"])
	}
}

// TestScheduler_MixedIntervals verifies that sources with different intervals
// are polled at their respective frequencies.
func TestScheduler_MixedIntervals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// use intervals >= 1 second (the GCD floor) for realistic testing
	sources := []Source{
		{Name: "Fast", URL: server.URL, Timeout: time.Second, Interval: 1 * time.Second},
		{Name: "Slow", URL: server.URL, Timeout: time.Second, Interval: 3 * time.Second},
	}

	scheduler := NewScheduler(sources, 5*time.Second, 2, testLogger())
	scheduler.Start(context.Background())

	// collect results for 3.5 seconds
	counts := make(map[string]int)
	timeout := time.After(3500 * time.Millisecond)

collecting:
	for {
		select {
		case result, ok := <-scheduler.Results():
			if !ok {
				break collecting
			}
			counts[result.Source]++
		case <-timeout:
			break collecting
		}
	}

	scheduler.Stop()

	// Fast (1s) should poll ~4 times (immediate + 3 ticks in 3.5s)
	// Slow (3s) should poll ~2 times (immediate + 1 tick in 3.5s)
	if counts["Fast"] < 3 {
		t.Errorf("Fast source polled %d times, expected at least 3", counts["Fast"])
	}
	if counts["Slow"] > counts["Fast"] {
		t.Errorf("Slow polled %d times, Fast polled %d times - Slow should poll less frequently",
			counts["Slow"], counts["Fast"])
	}
}

// TestScheduler_ImmediatePollOnStart verifies that all sources are polled
// immediately when the scheduler starts, regardless of their intervals.
func TestScheduler_ImmediatePollOnStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sources := []Source{
		{Name: "LongInterval", URL: server.URL, Timeout: time.Second, Interval: time.Hour}, // very long
	}

	scheduler := NewScheduler(sources, time.Hour, 1, testLogger())
	scheduler.Start(context.Background())

	// should receive immediate poll even though interval is 1 hour
	select {
	case result := <-scheduler.Results():
		if result.Source != "LongInterval" {
			t.Errorf("Source = %q, want %q", result.Source, "LongInterval")
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for immediate poll result")
	}

	scheduler.Stop()
}
