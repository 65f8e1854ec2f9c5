package storebox

import "sync/atomic"

// Stats is a point-in-time snapshot of a store's counters.
type Stats struct {
	// Transitions counts state replacements that ran a notification pass.
	Transitions uint64

	// NoOps counts writes whose result was shallow-equal to the current state.
	NoOps uint64

	// Notifications counts callback invocations.
	Notifications uint64

	// SelectorErrors counts selectors that panicked.
	SelectorErrors uint64

	// CallbackErrors counts callbacks that panicked.
	CallbackErrors uint64

	// UpdateErrors counts updaters that failed, leaving the state unchanged.
	UpdateErrors uint64

	// Subscriptions is the number of active subscriptions.
	Subscriptions int
}

type counters struct {
	transitions    atomic.Uint64
	noops          atomic.Uint64
	notifications  atomic.Uint64
	selectorErrors atomic.Uint64
	callbackErrors atomic.Uint64
	updateErrors   atomic.Uint64
}
