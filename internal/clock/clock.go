package clock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Clock is the wall-clock source used for lease deadlines, timers and
// message timestamps. It is allowed to go backwards slightly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manual only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  deadlock.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set may move the clock backwards, which is how tests simulate clock
// regressions.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
