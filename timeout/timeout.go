// Package timeout implements the keepalive deadline tracker used by the
// transport loop.
//
// A [Tracker] is either idle or armed with a deadline measured from an
// [Epoch]. Each transport tick calls [Tracker.Update]; once the deadline has
// passed the tracker invokes its emit callback exactly once, which either
// re-arms it with a new interval or returns it to idle.
package timeout

import "time"

// Clock reports the time elapsed since some fixed starting point.
type Clock interface {
	Elapsed() time.Duration
}

// Epoch is a Clock anchored at a wall-clock instant.
type Epoch struct {
	start time.Time
}

// NewEpoch returns an Epoch anchored at the current time.
func NewEpoch() Epoch {
	return Epoch{start: time.Now()}
}

// Elapsed returns the time since the epoch started.
func (e Epoch) Elapsed() time.Duration {
	return time.Since(e.start)
}

// Emit is called when an armed deadline has passed. It returns the interval
// until the next deadline and true to stay armed, or false to go idle.
type Emit func() (time.Duration, bool)

// Tracker holds a single optional deadline.
type Tracker struct {
	deadline time.Duration
	armed    bool
}

// Armed reports whether a deadline is pending.
func (t *Tracker) Armed() bool {
	return t.armed
}

// Deadline returns the pending deadline relative to the epoch.
func (t *Tracker) Deadline() (time.Duration, bool) {
	return t.deadline, t.armed
}

// Reset returns the tracker to idle.
func (t *Tracker) Reset() {
	t.armed = false
	t.deadline = 0
}

// Update advances the tracker to the instant now (relative to the epoch).
//
// If the tracker is armed and now has reached the deadline, emit is called
// and the tracker re-arms at now plus the returned interval or goes idle.
// Otherwise, if the tracker is idle and start is true, it arms at now plus
// interval. Any other combination leaves the tracker unchanged.
func (t *Tracker) Update(now time.Duration, interval time.Duration, start bool, emit Emit) {
	switch {
	case t.armed:
		if now < t.deadline {
			return
		}
		if next, ok := emit(); ok {
			t.deadline = now + next
			return
		}
		t.Reset()
	case start:
		t.deadline = now + interval
		t.armed = true
	}
}

// Tick is Update with now taken from clock.
func (t *Tracker) Tick(clock Clock, interval time.Duration, start bool, emit Emit) {
	t.Update(clock.Elapsed(), interval, start, emit)
}
