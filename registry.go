package storebox

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriber is the registry entry behind a [Subscription].
//
// selector and callback never change. lastValue and stale are only touched
// by the goroutine running transitions, or by Subscribe before the entry is
// published to the registry.
type subscriber struct {
	id       uuid.UUID
	selector Selector
	callback Listener

	lastValue any
	// stale is set when the selector failed at subscribe time, forcing the
	// next successful evaluation to be delivered.
	stale bool

	removed atomic.Bool
}

// registry keeps subscribers in insertion order.
//
// The order slice is copy-on-write: add and remove build a new slice, so a
// snapshot handed to a notification pass is never modified underneath it.
// Callers hold the store mutex.
type registry struct {
	order []*subscriber
	byID  map[uuid.UUID]*subscriber
}

func newRegistry() registry {
	return registry{byID: make(map[uuid.UUID]*subscriber)}
}

func (r *registry) add(sub *subscriber) {
	next := make([]*subscriber, len(r.order), len(r.order)+1)
	copy(next, r.order)
	r.order = append(next, sub)
	r.byID[sub.id] = sub
}

// remove deletes a subscriber and returns it, or nil if it was not registered.
func (r *registry) remove(id uuid.UUID) *subscriber {
	sub, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)

	next := make([]*subscriber, 0, len(r.order))
	for _, s := range r.order {
		if s != sub {
			next = append(next, s)
		}
	}
	r.order = next
	return sub
}

// snapshot returns the current subscribers in insertion order.
// The returned slice must not be modified.
func (r *registry) snapshot() []*subscriber {
	return r.order
}

func (r *registry) len() int {
	return len(r.order)
}
