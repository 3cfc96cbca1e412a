package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance or Set is called.
// Timers whose deadline has been reached fire synchronously from the
// goroutine that moved the clock, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

// Ensure Manual implements Clock
var _ Clock = (*Manual)(nil)

type manualTimer struct {
	clock *Manual
	id    uint64
	at    time.Time
	f     func()
}

// NewManual creates a Manual clock set to the given time.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t, timers: make(map[uint64]*manualTimer)}
}

// Now returns the manual clock's current time.
func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to fire once the clock reaches Now()+d. A timer with
// d <= 0 fires on the next Advance or Set, never from inside AfterFunc.
func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{clock: c, id: c.seq, at: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d and fires every due timer.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	c.Set(target)
}

// Set moves the clock to t and fires every due timer. Timers scheduled by a
// firing callback are fired in the same call if they are already due.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()

	for {
		due := c.popDue()
		if due == nil {
			return
		}

		due.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Manual) popDue() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := make([]*manualTimer, 0)
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			due = append(due, t)
		}
	}

	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})

	first := due[0]
	delete(c.timers, first.id)
	return first
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}

	delete(t.clock.timers, t.id)
	return true
}
