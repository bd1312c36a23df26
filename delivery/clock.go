package delivery

import "time"

// Clock abstracts timer creation so tests can substitute a fake,
// immediately-firing or manually-driven implementation instead of
// waiting on the real 1-second ResendFirst interval.
type Clock interface {
	// NewTimer returns a channel that receives the current time once
	// after d has elapsed, along with a stop function.
	NewTimer(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

func (realClock) NewTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// ManualClock is a Clock implementation driven entirely by test code:
// timers never fire on their own, tests call Fire to trigger the
// oldest pending timer.
type ManualClock struct {
	fire chan time.Time
}

// NewManualClock returns a ready-to-use ManualClock.
func NewManualClock() *ManualClock {
	return &ManualClock{fire: make(chan time.Time)}
}

// NewTimer implements Clock. The returned channel receives a value
// only when the test calls Fire.
func (m *ManualClock) NewTimer(time.Duration) (<-chan time.Time, func() bool) {
	ch := make(chan time.Time, 1)
	done := make(chan struct{})
	go func() {
		select {
		case t := <-m.fire:
			select {
			case ch <- t:
			default:
			}
		case <-done:
		}
	}()
	stopped := false
	stop := func() bool {
		if !stopped {
			stopped = true
			close(done)
		}
		return !stopped
	}
	return ch, stop
}

// Fire triggers the next timer waiting on this clock.
func (m *ManualClock) Fire() {
	m.fire <- time.Now()
}
