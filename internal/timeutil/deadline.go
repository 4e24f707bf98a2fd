package timeutil

import "time"

// Deadline is an absolute point on a Clock's timeline. Radio spin-polls are
// expressed as "poll until the deadline, else time out"; an expired deadline
// is final and never extended within the same wait.
type Deadline struct {
	clock Clock
	at    time.Time
}

// NewDeadline returns a deadline d after the clock's current time.
func NewDeadline(c Clock, d time.Duration) Deadline {
	return Deadline{clock: c, at: c.Now().Add(d)}
}

// At returns the absolute expiry time.
func (d Deadline) At() time.Time {
	return d.at
}

// Expired reports whether the clock has reached the deadline.
func (d Deadline) Expired() bool {
	return !d.clock.Now().Before(d.at)
}

// Remaining returns the time left before expiry, or zero once expired.
func (d Deadline) Remaining() time.Duration {
	r := d.at.Sub(d.clock.Now())
	if r < 0 {
		return 0
	}
	return r
}

// PollUntil spins on cond until it returns true or timeout elapses on c.
// It reports whether cond was satisfied. cond is evaluated at least once.
func PollUntil(c Clock, timeout time.Duration, cond func() bool) bool {
	dl := NewDeadline(c, timeout)
	for {
		if cond() {
			return true
		}
		if dl.Expired() {
			return false
		}
	}
}
