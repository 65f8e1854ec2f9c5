// Package storebox provides a small observable state container with
// selector-scoped subscriptions.
//
// A [Store] owns one [State] value (a mapping from field name to value) and is
// the only way to change it. Consumers subscribe with a [Selector] that
// projects the part of the state they care about; after every transition the
// store re-evaluates each selector and calls the subscriber back only when the
// projected value changed under [Shallow] equality.
//
// # Quick Start
//
//	cart, err := storebox.New(storebox.State{"items": 0, "theme": "light"},
//	    storebox.WithAction("addItem", storebox.Increment("items", 1)),
//	    storebox.WithAction("removeItem", storebox.Chain(
//	        storebox.Increment("items", -1),
//	        storebox.Clamp("items", 0, math.Inf(1)),
//	    )),
//	    storebox.WithAction("toggleTheme", storebox.Toggle("theme", "light", "dark")),
//	)
//	if err != nil {
//	    return err
//	}
//
//	sub := cart.Subscribe(storebox.Field("items"), func(v any) {
//	    fmt.Println("items:", v)
//	})
//	defer sub.Unsubscribe()
//
//	_ = cart.Dispatch("addItem") // prints "items: 1"
//	_ = cart.Dispatch("toggleTheme") // prints nothing, items did not change
//
// # Transitions
//
// [Store.SetState], [Store.Update], [Store.Replace] and [Store.Dispatch] each
// produce at most one transition. A patch that leaves every top-level field
// unchanged is a no-op and notifies nobody. Otherwise the new state becomes
// current and subscribers are evaluated synchronously, in subscription order,
// before the call returns.
//
// Writes issued while a notification pass is running (for example from inside
// a callback) are queued and applied, in order, once the pass completes. The
// history of states is always linear.
//
// Goroutines that share a store and need the outcome of their own write,
// such as request handlers, use [Store.Apply] or [Store.DispatchContext]. These
// wait until the write has been applied behind any pass in flight and
// return its error.
//
// # Equality
//
// [Shallow] compares top-level elements only. A selector that builds a fresh
// map, slice or pointer on every call will look changed on every transition
// even when the contents are equal; return a single field (see [Field]) or a
// [Pick] of fields, whose values keep their identity across transitions.
//
// # Errors
//
// Selectors, callbacks and updaters run behind panic recovery. A failing
// selector or callback is reported as a [*SelectorError] or [*CallbackError]
// to the sink configured with [WithErrorSink] (or logged when there is none)
// and does not stop other subscribers from being notified. A failing updater
// leaves the state untouched and its [*UpdateError] is returned to the caller.
package storebox
