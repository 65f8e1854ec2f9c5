package storebox

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidInitialState is returned by [New] when the initial value is
	// not a map with string keys or a struct.
	ErrInvalidInitialState = errors.New("storebox: invalid initial state")

	// ErrUnknownAction is returned by [Store.Dispatch] for a name that was
	// not registered with [WithAction] or [WithActions].
	ErrUnknownAction = errors.New("storebox: unknown action")
)

// ErrorSink receives errors raised by subscribers during a notification pass,
// and by queued updates that had no caller left to return them to.
//
// The sink is called synchronously from the goroutine running the transition.
// It must not block.
type ErrorSink func(error)

// SelectorError reports a selector that panicked while being evaluated.
// The subscriber is skipped for that transition and keeps its last value.
type SelectorError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID uuid.UUID

	// CorrelationID ties this error to the server-side log entry.
	CorrelationID string

	// Err wraps the recovered panic value.
	Err error

	// Stack is the goroutine stack captured at recovery.
	Stack []byte
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("storebox: selector for subscription %s failed: %v (correlation_id: %s)",
		e.SubscriptionID, e.Err, e.CorrelationID)
}

func (e *SelectorError) Unwrap() error { return e.Err }

// CallbackError reports a subscription callback that panicked.
// The subscription's last value has already been updated when this happens.
type CallbackError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID uuid.UUID

	// CorrelationID ties this error to the server-side log entry.
	CorrelationID string

	// Err wraps the recovered panic value.
	Err error

	// Stack is the goroutine stack captured at recovery.
	Stack []byte
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("storebox: callback for subscription %s failed: %v (correlation_id: %s)",
		e.SubscriptionID, e.Err, e.CorrelationID)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// UpdateError reports an updater that returned an error or panicked.
// The state is left unchanged.
type UpdateError struct {
	// Action is the name of the dispatched action, empty for anonymous updates.
	Action string

	// CorrelationID is set when the updater panicked.
	CorrelationID string

	// Err is the error returned by the updater, or the recovered panic value.
	Err error

	// Stack is set when the updater panicked.
	Stack []byte
}

func (e *UpdateError) Error() string {
	msg := "storebox: update failed"
	if e.Action != "" {
		msg = fmt.Sprintf("storebox: action %q failed", e.Action)
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %v (correlation_id: %s)", msg, e.Err, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
