package regulate

import "time"

// Speed samples transaction timestamps in a bounded ring and derives an
// observed rate from them. Not safe for concurrent use on its own; the
// Regulator guards its copy with its own lock.
type Speed struct {
	samples []time.Time
	head    int
	size    int
}

const defaultSpeedCapacity = 128

func NewSpeed(capacity int) *Speed {
	if capacity <= 0 {
		capacity = defaultSpeedCapacity
	}
	return &Speed{samples: make([]time.Time, capacity)}
}

// Observe records one transaction at t, evicting the oldest sample once
// the ring is full.
func (s *Speed) Observe(t time.Time) {
	s.samples[s.head] = t
	s.head = (s.head + 1) % len(s.samples)
	if s.size < len(s.samples) {
		s.size++
	}
}

func (s *Speed) oldest() time.Time {
	if s.size < len(s.samples) {
		return s.samples[0]
	}
	return s.samples[s.head]
}

func (s *Speed) newest() time.Time {
	return s.samples[(s.head+len(s.samples)-1)%len(s.samples)]
}

// TPS reports the observed transactions per second over the sampled span.
func (s *Speed) TPS() float64 {
	if s.size < 2 {
		return 0
	}
	span := s.newest().Sub(s.oldest())
	if span <= 0 {
		return 0
	}
	return float64(s.size-1) / span.Seconds()
}

// MeanGap reports the mean delay between two consecutive transactions.
func (s *Speed) MeanGap() time.Duration {
	if s.size < 2 {
		return 0
	}
	return s.newest().Sub(s.oldest()) / time.Duration(s.size-1)
}

// PaceDelay reports how long to wait before the next transaction so the
// observed rate converges on target transactions per second. It returns
// zero when no pacing is needed.
func (s *Speed) PaceDelay(target float64) time.Duration {
	if target <= 0 || s.size == 0 {
		return 0
	}
	interval := time.Duration(float64(time.Second) / target)
	elapsed := time.Since(s.newest())
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}
