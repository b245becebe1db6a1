package trans

import "time"

// stopwatch measures whole seconds of charging or parking.
type stopwatch struct {
	start   time.Time
	end     time.Time
	running bool
}

func (s *stopwatch) restart(now time.Time) {
	s.start = now
	s.running = true
}

func (s *stopwatch) stop(now time.Time) {
	if s.running {
		s.end = now
		s.running = false
	}
}

func (s *stopwatch) seconds(now time.Time) int {
	if s.start.IsZero() {
		return 0
	}
	if s.running {
		return int(now.Sub(s.start) / time.Second)
	}
	return int(s.end.Sub(s.start) / time.Second)
}
