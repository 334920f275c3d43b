// Package errors classifies delivery and storage failures so the queue can
// tell a failure worth replaying from one that will never succeed.
//
// Failures are transient unless marked otherwise. Listeners mark a failure
// permanent when the event itself is at fault (a payload that cannot be
// decoded, an unsupported command); cancellation is always permanent.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether a failed operation is worth repeating.
type Category int

const (
	// CategoryTransient failures may succeed on a later attempt.
	CategoryTransient Category = iota

	// CategoryPermanent failures will fail the same way every time.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its category and the operation that
// produced it.
type Error struct {
	Op       string
	Err      error
	Category Category
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error, op string) *Error {
	return &Error{Op: op, Err: err, Category: CategoryTransient}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *Error {
	return &Error{Op: op, Err: err, Category: CategoryPermanent}
}

// Categorize returns the category of err. The outermost tagged error wins;
// untagged errors are transient except for context cancellation and
// errors.ErrUnsupported. A nil error is permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Category
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errors.ErrUnsupported):
		return CategoryPermanent
	}
	return CategoryTransient
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether err is permanent.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}
