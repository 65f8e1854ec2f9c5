package storebox

import (
	"runtime/debug"

	"github.com/google/uuid"
)

// notify runs the EVALUATING step of a transition over a registry snapshot.
//
// Each subscriber is re-evaluated against state; only those whose selected
// value changed under Shallow have their last value replaced and their
// callback invoked. A failing selector or callback is reported and skipped;
// the remaining subscribers are still notified.
func (s *Store) notify(state State, subs []*subscriber) {
	for _, sub := range subs {
		// unsubscribed earlier in this pass
		if sub.removed.Load() {
			continue
		}

		value, err := s.evaluate(sub, state)
		if err != nil {
			s.stats.selectorErrors.Add(1)
			s.report(err)
			continue
		}

		if !sub.stale && Shallow(value, sub.lastValue) {
			continue
		}
		sub.lastValue = value
		sub.stale = false

		s.stats.notifications.Add(1)
		if err := s.deliver(sub, value); err != nil {
			s.stats.callbackErrors.Add(1)
			s.report(err)
		}
	}
}

// evaluate calls the subscriber's selector with panic recovery.
func (s *Store) evaluate(sub *subscriber, state State) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SelectorError{
				SubscriptionID: sub.id,
				CorrelationID:  uuid.NewString(),
				Err:            panicError(r),
				Stack:          debug.Stack(),
			}
		}
	}()
	return sub.selector(state), nil
}

// deliver calls the subscriber's callback with panic recovery.
func (s *Store) deliver(sub *subscriber, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{
				SubscriptionID: sub.id,
				CorrelationID:  uuid.NewString(),
				Err:            panicError(r),
				Stack:          debug.Stack(),
			}
		}
	}()
	sub.callback(value)
	return nil
}

// runUpdate computes the patch of a write with panic recovery.
func (s *Store) runUpdate(w write, current State) (patch State, err error) {
	defer func() {
		if r := recover(); r != nil {
			patch = nil
			err = &UpdateError{
				Action:        w.action,
				CorrelationID: uuid.NewString(),
				Err:           panicError(r),
				Stack:         debug.Stack(),
			}
		}
	}()

	patch, err = w.update(current)
	if err != nil {
		return nil, &UpdateError{Action: w.action, Err: err}
	}
	return patch, nil
}
