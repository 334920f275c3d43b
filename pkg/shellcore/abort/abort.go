// Package abort composes cancellation sources.
//
// An automation handler may be interrupted by more than one party: the
// execution itself (user cancel or ceiling timeout), the engine shutting
// down, or a scheduler slot the handler is waiting on. Rather than checking
// several flags at every suspend point, callers derive one context that is
// cancelled when any source is cancelled, carrying that source's cause.
package abort

import (
	"context"
	"errors"
)

// ErrAborted is the cause reported when the derived context is released
// through its own CancelFunc.
var ErrAborted = errors.New("aborted")

// Any returns a context derived from parent that is also cancelled as soon as
// any of sources is cancelled. context.Cause on the result reports the cause
// of whichever source fired first.
//
// The returned CancelFunc must be called to release the source watchers.
func Any(parent context.Context, sources ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	stops := make([]func() bool, 0, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		if src.Err() != nil {
			cancel(context.Cause(src))
			break
		}
		source := src
		stops = append(stops, context.AfterFunc(source, func() {
			cancel(context.Cause(source))
		}))
	}

	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel(ErrAborted)
	}
}

// Aborted reports whether ctx has been cancelled.
func Aborted(ctx context.Context) bool {
	return ctx.Err() != nil
}

// Check returns the cancellation cause if ctx is cancelled, nil otherwise.
// Handlers call it after every resume:
//
//	if err := abort.Check(ctx); err != nil {
//	    return err
//	}
func Check(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}
