package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "permanent", CategoryPermanent.String())
	assert.Equal(t, "unknown", Category(99).String())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryPermanent},
		{"untagged", errors.New("subscriber offline"), CategoryTransient},
		{"permanent", Permanent(errors.New("bad payload"), "decode"), CategoryPermanent},
		{"wrapped permanent", fmt.Errorf("deliver: %w", Permanent(errors.New("bad"), "")), CategoryPermanent},
		{"transient", Transient(errors.New("busy"), "write"), CategoryTransient},
		{"transient wrapping cancel", Transient(context.Canceled, "write"), CategoryTransient},
		{"context canceled", context.Canceled, CategoryPermanent},
		{"deadline exceeded", fmt.Errorf("wait: %w", context.DeadlineExceeded), CategoryPermanent},
		{"unsupported", errors.ErrUnsupported, CategoryPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestError(t *testing.T) {
	inner := errors.New("failed")
	assert.Equal(t, "persist queue: failed", Transient(inner, "persist queue").Error())
	assert.Equal(t, "failed", Permanent(inner, "").Error())
	assert.ErrorIs(t, Transient(inner, "x"), inner)

	assert.True(t, IsRetryable(errors.New("flaky")))
	assert.False(t, IsRetryable(Permanent(errors.New("bad"), "")))
	assert.True(t, IsPermanent(context.Canceled))
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{Attempts: 3}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls++
		return Permanent(errors.New("malformed"), "decode")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(out.Err))
}

func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("still failing")
	out := Do(context.Background(), Policy{Attempts: 2}, func(context.Context) error {
		return cause
	})
	assert.Equal(t, 2, out.Attempts)
	assert.ErrorIs(t, out.Err, cause)
	assert.Contains(t, out.Err.Error(), "gave up after 2 attempts")
	assert.True(t, IsRetryable(out.Err))
}

func TestDo_OnceRunsBeforeHook(t *testing.T) {
	var hooks []int
	p := Once
	p.Before = func(attempt int, lastErr error) {
		assert.Error(t, lastErr)
		hooks = append(hooks, attempt)
	}

	calls := 0
	out := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls == 1 {
			return Permanent(errors.New("quota"), "write")
		}
		return nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, []int{2}, hooks)
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	out := Do(ctx, Policy{Attempts: 3}, func(context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := Do(ctx, Policy{Attempts: 3, Backoff: time.Hour}, func(context.Context) error {
		cancel()
		return errors.New("flaky")
	})
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}
