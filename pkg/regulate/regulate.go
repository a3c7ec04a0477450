// Package regulate throttles the requests a sender puts on a peer: a
// sliding-window rate ceiling combined with a ceiling on outstanding
// (sent but unanswered) requests.
package regulate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config bounds one sender/peer relationship. Zero values disable the
// corresponding ceiling.
type Config struct {
	// MaxSends is the number of sends tolerated within Window.
	MaxSends int
	// Window is the sliding window MaxSends applies to.
	Window time.Duration
	// MaxOutstanding caps sent-but-unanswered requests.
	MaxOutstanding int
	// SlowThreshold marks a response as slow; the excess round-trip
	// time is added once to the next send delay to back off from a
	// struggling peer.
	SlowThreshold time.Duration
}

type Regulator struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	sends        []time.Time
	outstanding  int
	backoffUntil time.Time
	speed        *Speed

	// recvCh wakes one blocked sender when a response frees capacity.
	recvCh chan struct{}

	now func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Regulator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSends > 0 && cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Regulator{
		cfg:    cfg,
		logger: logger,
		speed:  NewSpeed(0),
		recvCh: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// NotifySend blocks until both ceilings permit a send, then records it.
// It returns early with the context error if ctx expires first.
func (r *Regulator) NotifySend(ctx context.Context) error {
	for {
		wait, ok := r.tryAcquire()
		if ok {
			return nil
		}

		if wait <= 0 {
			// outstanding ceiling: only a receive can free us
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.recvCh:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-r.recvCh:
			timer.Stop()
		}
	}
}

// Tick is the non-blocking check: it records and permits a send when both
// ceilings allow one right now.
func (r *Regulator) Tick() bool {
	_, ok := r.tryAcquire()
	return ok
}

// Delay reports how long until the rate ceiling next permits a send, zero
// when a send is already permitted. It does not account for the
// outstanding ceiling, which has no time horizon.
func (r *Regulator) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delayLocked(r.now())
}

// NotifyReceive records a response for a previously notified send. The
// count never goes negative: an unmatched receive is reported and
// dropped.
func (r *Regulator) NotifyReceive(rtt time.Duration) {
	r.mu.Lock()
	if r.outstanding == 0 {
		r.mu.Unlock()
		r.logger.Warn("regulator received more responses than sends", "rtt", rtt)
		return
	}
	r.outstanding--
	if r.cfg.SlowThreshold > 0 && rtt > r.cfg.SlowThreshold {
		until := r.now().Add(rtt - r.cfg.SlowThreshold)
		if until.After(r.backoffUntil) {
			r.backoffUntil = until
		}
	}
	r.mu.Unlock()

	select {
	case r.recvCh <- struct{}{}:
	default:
	}
}

// Outstanding reports the sent-but-unanswered count.
func (r *Regulator) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// TPS reports the observed send rate.
func (r *Regulator) TPS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed.TPS()
}

// tryAcquire records a send when permitted. Otherwise it reports the
// delay until the rate ceiling clears, or zero when blocked on the
// outstanding ceiling.
func (r *Regulator) tryAcquire() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if wait := r.delayLocked(now); wait > 0 {
		return wait, false
	}
	if r.cfg.MaxOutstanding > 0 && r.outstanding >= r.cfg.MaxOutstanding {
		return 0, false
	}

	r.sends = append(r.sends, now)
	r.outstanding++
	r.speed.Observe(now)
	return 0, true
}

func (r *Regulator) delayLocked(now time.Time) time.Duration {
	if now.Before(r.backoffUntil) {
		return r.backoffUntil.Sub(now)
	}
	if r.cfg.MaxSends <= 0 {
		return 0
	}

	// slide the window
	horizon := now.Add(-r.cfg.Window)
	drop := 0
	for drop < len(r.sends) && !r.sends[drop].After(horizon) {
		drop++
	}
	if drop > 0 {
		r.sends = append(r.sends[:0], r.sends[drop:]...)
	}

	if len(r.sends) < r.cfg.MaxSends {
		return 0
	}
	return r.sends[len(r.sends)-r.cfg.MaxSends].Add(r.cfg.Window).Sub(now)
}
