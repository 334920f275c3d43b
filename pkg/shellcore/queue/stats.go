package queue

import (
	"maps"
	"time"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth      int            `json:"depth"`
	Capacity   int            `json:"capacity"`
	OldestAge  time.Duration  `json:"oldestAge"`
	Processing bool           `json:"processing"`
	Persistent bool           `json:"persistent"`
	Dropped    map[string]int `json:"dropped,omitempty"`
}

// Stats returns queue statistics without mutating the queue.
func (q *Queue) Stats() Stats {
	now := q.cfg.Clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Depth:      q.pendingLocked(),
		Capacity:   q.cfg.Capacity,
		Processing: q.processing.Load(),
		Persistent: q.persistent.Load(),
		Dropped:    maps.Clone(q.dropped),
	}

	var oldest time.Time
	for _, list := range [][]*QueuedEvent{q.carry, q.inflight, q.events} {
		for _, qe := range list {
			if oldest.IsZero() || qe.Timestamp.Before(oldest) {
				oldest = qe.Timestamp
			}
		}
	}
	if !oldest.IsZero() {
		s.OldestAge = now.Sub(oldest)
	}
	return s
}
