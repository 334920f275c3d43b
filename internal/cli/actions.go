package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore"
	"github.com/randalmurphal/shellcore/pkg/shellcore/automation"
	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
)

// Built-in action names available to rules run from the command line.
const (
	ActionLog   = "log"
	ActionSleep = "sleep"
)

// DefaultSleep is how long the sleep action waits when its payload does not
// say.
const DefaultSleep = time.Second

func registerBuiltins(core *shellcore.Core, logger *slog.Logger) {
	register := func(name string, fn automation.ActionFunc) {
		if _, ok := core.Actions.Get(name); ok {
			return
		}
		core.Actions.MustRegister(name, fn)
	}
	register(ActionLog, logAction(logger))
	register(ActionSleep, sleepAction(core.Clock))
}

func logAction(logger *slog.Logger) automation.ActionFunc {
	return func(_ context.Context, payload any) error {
		logger.Info("automation", slog.Any("payload", payload))
		return nil
	}
}

func sleepAction(c clock.Clock) automation.ActionFunc {
	return func(ctx context.Context, payload any) error {
		d, err := sleepDuration(payload)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		t := c.AfterFunc(d, func() { close(done) })
		defer t.Stop()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// sleepDuration reads a duration string or a millisecond count.
func sleepDuration(payload any) (time.Duration, error) {
	switch v := payload.(type) {
	case nil:
		return DefaultSleep, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("sleep: %w", err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case map[string]any:
		if inner, ok := v["duration"]; ok {
			return sleepDuration(inner)
		}
		return DefaultSleep, nil
	default:
		return 0, fmt.Errorf("sleep: unsupported payload %T", payload)
	}
}
