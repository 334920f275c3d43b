package clock

import (
	"sync"
	"time"
)

// Ticker delivers the clock's time on C every interval. Like time.Ticker it
// drops ticks for slow receivers; C holds at most one.
type Ticker struct {
	C <-chan time.Time

	c        chan time.Time
	clock    Clock
	interval time.Duration

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

// NewTicker starts a ticker on c. It panics if d is not positive.
func NewTicker(c Clock, d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	t := &Ticker{C: ch, c: ch, clock: c, interval: d}

	t.mu.Lock()
	t.timer = c.AfterFunc(d, t.tick)
	t.mu.Unlock()
	return t
}

func (t *Ticker) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = t.clock.AfterFunc(t.interval, t.tick)
	t.mu.Unlock()

	select {
	case t.c <- t.clock.Now():
	default:
	}
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}
