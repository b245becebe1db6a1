package pilot

import "time"

// Timer is a polled one-shot. Expiry latches until the timer is re-armed
// or cancelled.
type Timer struct {
	now      func() time.Time
	deadline time.Time
	running  bool
	expired  bool
}

func newTimer(now func() time.Time) Timer {
	return Timer{now: now}
}

// Arm (re)starts the timer.
func (t *Timer) Arm(d time.Duration) {
	t.deadline = t.now().Add(d)
	t.running = true
	t.expired = false
}

func (t *Timer) poll() {
	if t.running && !t.now().Before(t.deadline) {
		t.running = false
		t.expired = true
	}
}

// Expired reports whether the timer has fired since it was armed.
func (t *Timer) Expired() bool {
	t.poll()
	return t.expired
}

// Running reports whether the timer is armed and has not fired.
func (t *Timer) Running() bool {
	t.poll()
	return t.running
}

// Cancel stops the timer and clears any expiry.
func (t *Timer) Cancel() {
	t.running = false
	t.expired = false
}
