package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType indicates an event type outside the closed enumeration.
var ErrUnknownType = errors.New("unknown event type")

// ListenerError records one listener's failure to handle an event.
type ListenerError struct {
	Index int   // Position of the listener in delivery order
	Err   error // Returned or recovered error
	Panic any   // Raw panic value, if the listener panicked
}

// Error implements error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// DeliveryError aggregates listener failures for one delivery.
type DeliveryError struct {
	Event    Event
	Failures []*ListenerError
}

// Error implements error interface.
func (e *DeliveryError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("deliver %s: %d listener(s) failed: %s",
		e.Event.Type, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns the individual failures so errors.Is and errors.As see
// through to listener errors.
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
