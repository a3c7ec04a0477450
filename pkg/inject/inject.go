// Package inject generates transactions toward one service at a
// regulated pace, tracking every emitted request until its response or
// its deadline.
package inject

import (
	"context"
	"errors"
	"time"

	"github.com/brio-sh/brio"
	"github.com/brio-sh/brio/pkg/pending"
	"github.com/brio-sh/brio/pkg/regulate"
	"github.com/brio-sh/brio/pkg/tvf"
)

var ErrNoBuilder = errors.New("inject: a payload builder is required")

// Outcome reports how one injected transaction ended.
type Outcome[M tvf.Message[M]] struct {
	ID uint64
	// Data is the response payload, nil-equivalent on failure.
	Data M
	// Err is set on failure or expiry.
	Err *brio.ServiceError
	// RoundTrip is the observed latency for answered transactions.
	RoundTrip time.Duration
}

// Config tunes one injector.
type Config struct {
	// Target is the service injected into.
	Target string

	// Count stops the injector after that many transactions; zero
	// keeps it running until Shutdown.
	Count uint64

	// Budget is the per-transaction response deadline. Zero falls back
	// to the processor's ResponseBudget setting.
	Budget time.Duration

	// Regulation bounds the emission pace.
	Regulation regulate.Config
}

// Proc is the injector processor.
type Proc[M tvf.Message[M]] struct {
	cfg   Config
	build func() M

	// OnOutcome, when set, receives every transaction outcome. Called
	// from the dispatch loop: keep it short.
	OnOutcome func(Outcome[M])
}

func New[M tvf.Message[M]](cfg Config, build func() M, onOutcome func(Outcome[M])) *Proc[M] {
	return &Proc[M]{cfg: cfg, build: build, OnOutcome: onOutcome}
}

func (p *Proc[M]) Run(ctx context.Context, h *brio.Handle[M]) error {
	if p.build == nil {
		return ErrNoBuilder
	}
	if p.cfg.Budget == 0 {
		p.cfg.Budget = h.Budget()
	}

	logger := h.Logger()
	reg := regulate.New(p.cfg.Regulation, logger)
	tracker := pending.NewTracker[*brio.Request[M]]()

	var emitted, answered uint64

	// pace is re-armed after every wake-up; nil while the target is
	// missing or the run is complete, like the tracker channel.
	var pace *time.Timer
	defer func() {
		if pace != nil {
			pace.Stop()
		}
	}()
	paceCh := func() <-chan time.Time {
		if pace == nil {
			return nil
		}
		return pace.C
	}

	available := len(h.Table().Lookup(p.cfg.Target)) > 0
	rearm := func() {
		done := p.cfg.Count > 0 && emitted >= p.cfg.Count
		if !available || done {
			if pace != nil {
				pace.Stop()
				pace = nil
			}
			return
		}
		delay := reg.Delay()
		if pace == nil {
			pace = time.NewTimer(delay)
			return
		}
		if !pace.Stop() {
			select {
			case <-pace.C:
			default:
			}
		}
		pace.Reset(delay)
	}
	rearm()

	finish := func(out Outcome[M]) {
		answered++
		if p.OnOutcome != nil {
			p.OnOutcome(out)
		}
	}

	for {
		if p.cfg.Count > 0 && answered >= p.cfg.Count && tracker.Len() == 0 {
			return nil
		}

		select {
		case env := <-h.Queue():
			switch msg := env.(type) {
			case *brio.Shutdown[M]:
				return nil

			case *brio.Response[M]:
				rq, live := tracker.Pull(msg.ID)
				if !live {
					// expired before the answer came in
					continue
				}
				rtt := rq.Age()
				reg.NotifyReceive(rtt)
				h.AddSample(brio.MetricTxnRoundTripMs, float32(rtt)/float32(time.Millisecond))
				finish(Outcome[M]{ID: msg.ID, Data: msg.Data, RoundTrip: rtt})
				rearm()

			case *brio.Error[M]:
				rq, live := tracker.Pull(msg.ID)
				if !live {
					continue
				}
				reg.NotifyReceive(rq.Age())
				finish(Outcome[M]{ID: msg.ID, Err: msg.Err})
				rearm()

			case *brio.ServiceUpdate[M]:
				available = len(msg.Table.Lookup(p.cfg.Target)) > 0
				rearm()
			}

		case <-tracker.Expired():
			for _, rq := range tracker.PopExpired() {
				reg.NotifyReceive(p.cfg.Budget)
				serr := brio.TimedOut(p.cfg.Target, p.cfg.Budget)
				brio.EndSpan(rq.Span, serr)
				h.IncrCounter(brio.MetricTxnTimeoutCount, 1)
				finish(Outcome[M]{ID: rq.ID, Err: serr})
			}
			rearm()

		case <-paceCh():
			if !reg.Tick() {
				h.IncrCounter(brio.MetricRegulatorRefusedCount, 1)
				if delay := reg.Delay(); delay > 0 {
					h.AddSample(brio.MetricRegulatorWaitMs, float32(delay)/float32(time.Millisecond))
					rearm()
				} else {
					// ceiling on outstanding requests: sleep until
					// a response or an expiry frees a slot
					pace.Stop()
					pace = nil
				}
				continue
			}
			rq := h.NewRequest(ctx, p.cfg.Target, p.build())
			if err := h.Send(rq); err != nil {
				reg.NotifyReceive(0)
				var serr *brio.ServiceError
				if !errors.As(err, &serr) {
					serr = brio.Unavailable(p.cfg.Target, err.Error())
				}
				emitted++
				finish(Outcome[M]{ID: rq.ID, Err: serr})
				rearm()
				continue
			}
			emitted++
			if err := tracker.Push(rq.ID, rq, p.cfg.Budget); err != nil {
				logger.Error("could not track an emitted transaction",
					brio.LabelTxnID.L(rq.ID), brio.LabelError.L(err))
			}
			rearm()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
