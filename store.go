package storebox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultStoreName = "store"

// Updater computes a partial state from the current one.
//
// The returned fields are merged on top of the current state; a nil or empty
// result is a no-op. Updaters must be pure: they must not mutate their
// argument and should not block. An error leaves the state unchanged.
type Updater func(State) (State, error)

// Store is an observable state container.
//
// A Store owns one current [State] and serializes every write to it. After
// each transition, subscribers registered with [Store.Subscribe] are
// re-evaluated in subscription order and called back when their selected
// value changed.
//
// All methods are safe for concurrent use. Writes are applied one at a time:
// the goroutine that finds the store idle applies its own write and then
// every write queued meanwhile (from callbacks or other goroutines) before
// returning.
type Store struct {
	name    string
	logger  *slog.Logger
	sink    ErrorSink
	actions map[string]Updater
	initial State

	state atomic.Pointer[State]

	mu       sync.Mutex
	subs     registry
	queue    []write
	draining bool

	stats counters
}

// write is one pending call to SetState, Update, Replace, Dispatch or Apply.
type write struct {
	update  Updater
	replace bool
	action  string

	// set when the caller waits for the outcome
	waiter *waiter
}

// waiter hands the outcome of a queued write to the goroutine waiting in
// Apply. A waiter whose context ended is abandoned, and its outcome is
// reported like any other queued write.
type waiter struct {
	mu   sync.Mutex
	done chan error
	gone bool
}

func newWaiter() *waiter {
	return &waiter{done: make(chan error, 1)}
}

// finish delivers err and reports whether the caller was still waiting.
func (w *waiter) finish(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gone {
		return false
	}
	w.done <- err
	return true
}

// abandon gives up waiting. If the write already finished its outcome is
// returned with finished set.
func (w *waiter) abandon() (finished bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gone = true
	select {
	case err := <-w.done:
		return true, err
	default:
		return false, nil
	}
}

// New creates a [Store] holding a copy of initial.
//
// initial may be a [State], a map with string keys, a struct or a pointer to
// a struct. Anything else, including nil, returns an error wrapping
// [ErrInvalidInitialState].
//
// Example:
//
//	store, err := storebox.New(storebox.State{"count": 0},
//	    storebox.WithName("counter"),
//	    storebox.WithLogger(logger),
//	)
func New(initial any, opts ...Option) (*Store, error) {
	st, err := toState(initial)
	if err != nil {
		return nil, err
	}

	cfg := &storeConfig{name: defaultStoreName}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		name:    cfg.name,
		logger:  logger,
		sink:    cfg.sink,
		actions: cfg.actions,
		initial: st.Clone(),
		subs:    newRegistry(),
	}
	s.state.Store(&st)
	return s, nil
}

// Name returns the store name set with [WithName].
func (s *Store) Name() string {
	return s.name
}

// GetState returns the current state.
//
// GetState never blocks. The returned State is shared and must not be
// modified; use [State.Clone] for a private copy.
func (s *Store) GetState() State {
	return *s.state.Load()
}

// InitialState returns a copy of the state the store was created with.
func (s *Store) InitialState() State {
	return s.initial.Clone()
}

// SetState merges patch into the current state.
//
// If every patched field is already equal to its current value the call is a
// no-op. Otherwise the merged state becomes current and subscribers are
// notified before SetState returns. The patch is copied; callers may reuse it.
//
// When called while a transition is in progress (for example from inside a
// subscription callback) the patch is queued, nil is returned, and the patch
// is applied right after the in-flight notification pass. Writers on other
// goroutines that need the outcome use [Store.Apply].
func (s *Store) SetState(patch State) error {
	patch = patch.Clone()
	return s.enqueue(write{update: func(State) (State, error) {
		return patch, nil
	}})
}

// Update computes a patch from the current state with fn and merges it as
// [Store.SetState] does.
//
// An error returned by fn, or a panic inside it, leaves the state unchanged
// and is returned as an [*UpdateError]. Queued updates report their errors to
// the [ErrorSink] instead.
func (s *Store) Update(fn Updater) error {
	if fn == nil {
		return nil
	}
	return s.enqueue(write{update: fn})
}

// Replace swaps the whole state for next: fields missing from next are
// removed. The no-op and notification rules of [Store.SetState] apply.
func (s *Store) Replace(next State) error {
	next = next.Clone()
	return s.enqueue(write{
		update: func(State) (State, error) {
			return next, nil
		},
		replace: true,
	})
}

// Dispatch runs the action registered under name.
//
// Returns an error wrapping [ErrUnknownAction] when no such action exists,
// or the [*UpdateError] of a failing action.
func (s *Store) Dispatch(name string) error {
	fn, ok := s.actions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return s.enqueue(write{update: fn, action: name})
}

// Apply runs fn like [Store.Update] and waits for the outcome even when
// another goroutine is applying writes: when Apply returns nil the patch is
// part of the current state and subscribers have been notified, and an
// updater failure is returned as an [*UpdateError] rather than sent to the
// [ErrorSink].
//
// Use Apply from goroutines that share a store, such as request handlers.
// It must not be called from a subscription callback: the callback runs on
// the goroutine that applies queued writes, so Apply would wait on itself
// until ctx is done. Callbacks use [Store.Update] or [Store.SetState].
//
// If ctx ends first, Apply returns ctx.Err(). The queued write is still
// applied later and a failure then goes to the [ErrorSink].
func (s *Store) Apply(ctx context.Context, fn Updater) error {
	if fn == nil {
		return nil
	}
	return s.await(ctx, write{update: fn})
}

// DispatchContext runs the action registered under name and waits for the
// outcome, with the guarantees and restrictions of [Store.Apply].
func (s *Store) DispatchContext(ctx context.Context, name string) error {
	fn, ok := s.actions[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return s.await(ctx, write{update: fn, action: name})
}

// Actions returns the registered action names in sorted order.
func (s *Store) Actions() []string {
	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe registers a subscription and returns its handle.
//
// The selector is evaluated once immediately to seed the subscription's last
// value; cb is not called for it. Afterwards cb receives the new selected value
// after every transition in which that value changed under [Shallow]. A nil
// selector selects the whole state ([Whole]); a nil cb is never called.
//
// Subscribers are notified in the order they subscribed. A subscription
// created during a notification pass is not notified in that pass.
func (s *Store) Subscribe(sel Selector, cb Listener) *Subscription {
	if sel == nil {
		sel = Whole
	}
	if cb == nil {
		cb = func(any) {}
	}
	sub := &subscriber{
		id:       uuid.New(),
		selector: sel,
		callback: cb,
	}

	s.mu.Lock()
	// the state cannot be swapped while mu is held, so the seed value and the
	// registration belong to the same point in the history
	value, err := s.evaluate(sub, s.GetState())
	if err != nil {
		sub.stale = true
	} else {
		sub.lastValue = value
	}
	s.subs.add(sub)
	s.mu.Unlock()

	if err != nil {
		s.stats.selectorErrors.Add(1)
		s.report(err)
	}

	return &Subscription{id: sub.id, store: s}
}

// Unsubscribe removes the subscription with the given id.
//
// It reports whether a subscription was removed; calling it again for the
// same id is a no-op that returns false. Safe to call from inside a
// callback: the removed subscriber is not notified again, not even later in
// the pass that is currently running.
func (s *Store) Unsubscribe(id uuid.UUID) bool {
	s.mu.Lock()
	sub := s.subs.remove(id)
	s.mu.Unlock()

	if sub == nil {
		return false
	}
	sub.removed.Store(true)
	return true
}

// Len returns the number of active subscriptions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.len()
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Transitions:    s.stats.transitions.Load(),
		NoOps:          s.stats.noops.Load(),
		Notifications:  s.stats.notifications.Load(),
		SelectorErrors: s.stats.selectorErrors.Load(),
		CallbackErrors: s.stats.callbackErrors.Load(),
		UpdateErrors:   s.stats.updateErrors.Load(),
		Subscriptions:  s.Len(),
	}
}

// enqueue applies w, or queues it when another write is being applied.
func (s *Store) enqueue(w write) error {
	s.mu.Lock()
	if s.draining {
		s.queue = append(s.queue, w)
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	// release the drainer role even if something below panics
	defer s.drain()

	return s.transition(w)
}

// await applies w, or queues it and waits for its outcome when another
// goroutine is draining.
func (s *Store) await(ctx context.Context, w write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.draining {
		s.draining = true
		s.mu.Unlock()

		defer s.drain()
		return s.transition(w)
	}
	w.waiter = newWaiter()
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	select {
	case err := <-w.waiter.done:
		return err
	case <-ctx.Done():
		if finished, err := w.waiter.abandon(); finished {
			return err
		}
		return ctx.Err()
	}
}

// drain applies queued writes in order until the queue is empty, then marks
// the store idle.
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		w := s.queue[0]
		s.queue[0] = write{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.transition(w)
		if w.waiter != nil && w.waiter.finish(err) {
			continue
		}
		if err != nil {
			s.report(err)
		}
	}
}

// transition runs one PENDING -> EVALUATING -> DONE cycle.
// Only the drainer calls it, so current cannot change underneath it.
func (s *Store) transition(w write) error {
	current := s.GetState()

	patch, err := s.runUpdate(w, current)
	if err != nil {
		s.stats.updateErrors.Add(1)
		return err
	}

	var next State
	if w.replace {
		next = patch
		if next == nil {
			next = State{}
		}
	} else {
		next = merge(current, patch)
	}

	if Shallow(current, next) {
		s.stats.noops.Add(1)
		return nil
	}

	s.mu.Lock()
	s.state.Store(&next)
	subs := s.subs.snapshot()
	s.mu.Unlock()

	s.stats.transitions.Add(1)
	s.notify(next, subs)
	return nil
}

// report hands an error to the sink, or logs it when there is none.
func (s *Store) report(err error) {
	if s.sink == nil {
		s.logError(err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error sink panicked",
				"store", s.name,
				"panic", fmt.Sprintf("%v", r),
				"error", err.Error(),
			)
		}
	}()
	s.sink(err)
}

func (s *Store) logError(err error) {
	attrs := []any{"store", s.name, "error", err.Error()}

	switch e := err.(type) {
	case *SelectorError:
		attrs = append(attrs, "subscription", e.SubscriptionID.String(),
			"correlation_id", e.CorrelationID, "stack", string(e.Stack))
	case *CallbackError:
		attrs = append(attrs, "subscription", e.SubscriptionID.String(),
			"correlation_id", e.CorrelationID, "stack", string(e.Stack))
	case *UpdateError:
		if e.Action != "" {
			attrs = append(attrs, "action", e.Action)
		}
		if e.CorrelationID != "" {
			attrs = append(attrs, "correlation_id", e.CorrelationID, "stack", string(e.Stack))
		}
	}

	s.logger.Error("store error", attrs...)
}

// Subscription is the handle returned by [Store.Subscribe].
type Subscription struct {
	id    uuid.UUID
	store *Store
}

// ID returns the unique id of the subscription.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Unsubscribe removes the subscription from its store.
// Safe to call multiple times and from inside the subscription's own callback.
func (s *Subscription) Unsubscribe() {
	s.store.Unsubscribe(s.id)
}
