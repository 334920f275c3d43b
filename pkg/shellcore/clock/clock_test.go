package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "third") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "first") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "second") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, start.Add(2*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_Stop(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports false")

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFake_StopAfterFire(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	timer := c.AfterFunc(time.Second, func() {})

	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestFake_CallbackSchedulesWithinWindow(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))

	var fired []time.Duration
	c.AfterFunc(time.Second, func() {
		fired = append(fired, 1)
		c.AfterFunc(time.Second, func() { fired = append(fired, 2) })
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, []time.Duration{1, 2}, fired)
}

func TestFake_Set(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	called := false
	c.AfterFunc(time.Second, func() { called = true })

	later := time.Unix(100, 0)
	c.Set(later)
	assert.Equal(t, later, c.Now())
	assert.False(t, called, "Set does not fire timers")
}

func TestReal(t *testing.T) {
	var c clock.Clock = clock.Real{}
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)

	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}

func TestTicker_FakeFiresEveryInterval(t *testing.T) {
	start := time.Unix(0, 0)
	c := clock.NewFake(start)
	ticker := clock.NewTicker(c, 5*time.Second)
	defer ticker.Stop()

	c.Advance(4 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticked before the interval")
	default:
	}

	c.Advance(time.Second)
	assert.Equal(t, start.Add(5*time.Second), <-ticker.C)

	c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(10*time.Second), <-ticker.C)
	assert.Equal(t, 1, c.Pending(), "ticker re-arms after each tick")
}

func TestTicker_DropsTicksForSlowReceiver(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ticker := clock.NewTicker(c, time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	assert.Equal(t, time.Unix(1, 0), <-ticker.C)
	select {
	case <-ticker.C:
		t.Fatal("expected a single buffered tick")
	default:
	}
}

func TestTicker_Stop(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	ticker := clock.NewTicker(c, time.Second)
	ticker.Stop()

	assert.Zero(t, c.Pending())
	c.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestTicker_RejectsNonPositive(t *testing.T) {
	assert.Panics(t, func() { clock.NewTicker(clock.Real{}, 0) })
}
