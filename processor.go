package brio

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brio-sh/brio/pkg/tvf"
)

// State of a processor, as tracked by its runner.
type State uint8

const (
	StateCreated State = iota
	StateRegistering
	StateRunning
	StateDraining
	StateRestarting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateRestarting:
		return "restarting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Processor is the unit of work a bus schedules. Run owns the dispatch
// loop on h.Queue() and returns when it received Shutdown, or with an
// error. A recoverable error (see IsRecoverable) restarts the processor
// with backoff; any other error terminates it.
//
// ctx is only cancelled when the bus force-drops its resources; the
// graceful stop signal is the Shutdown envelope.
type Processor[M tvf.Message[M]] interface {
	Run(ctx context.Context, h *Handle[M]) error
}

// ProcFunc adapts a function into a Processor.
type ProcFunc[M tvf.Message[M]] func(ctx context.Context, h *Handle[M]) error

func (f ProcFunc[M]) Run(ctx context.Context, h *Handle[M]) error { return f(ctx, h) }

// ProcStatus is a point-in-time view of one processor.
type ProcStatus struct {
	ID       uint32
	Name     string
	State    State
	Restarts uint32
}

type runner[M tvf.Message[M]] struct {
	bus   *Bus[M]
	proc  Processor[M]
	h     *Handle[M]
	set   ProcSettings
	state atomic.Uint32

	restarts atomic.Uint32
}

// Spawn creates a processor, registers it and starts its runner. The
// scheduling mode is fixed here and never changes afterwards:
//
//	RunMode 0: the shared Go scheduler.
//	RunMode 1: one dedicated OS thread.
//	RunMode n: a dedicated pool of n locked worker threads, reachable
//	           through Handle.Go, typically for subtasks.
func (b *Bus[M]) Spawn(name string, proc Processor[M], set ProcSettings) error {
	if !ValidateServiceName(name) {
		return ErrNameInvalid
	}
	if err := set.Validate(); err != nil {
		return err
	}
	if b.closing() {
		return ErrBusClosed
	}

	set.applyDefaults(&b.config)

	logger := b.logger
	if set.Observability.configured() {
		handler, err := set.Observability.Handler(b.config.logHandler)
		if err != nil {
			return err
		}
		logger = slog.New(handler).With(LabelBus.L(b.config.name), "run_id", b.runID)
	}

	procID := b.nextProc.Add(1)
	h := &Handle[M]{
		bus:    b,
		key:    queueKey{proc: procID},
		name:   name,
		queue:  make(chan Envelope[M], set.QueueDepth),
		budget: set.ResponseBudget,
		logger: logger.With(
			LabelProcName.L(name),
			LabelProcID.L(procID),
		),
	}

	r := &runner[M]{bus: b, proc: proc, h: h, set: set}
	r.state.Store(uint32(StateCreated))

	if set.RunMode > 1 {
		h.pool = newWorkers(set.RunMode)
	}

	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		if h.pool != nil {
			h.pool.close()
		}
		return ErrBusClosed
	}
	b.runners[procID] = r
	b.procWG.Add(1)
	b.lk.Unlock()

	b.config.msink.IncrCounterWithLabels(
		MetricProcSpawnCount, 1.0, b.config.metricLabels)

	switch set.RunMode {
	case 0:
		go r.loop()
	default:
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			r.loop()
		}()
	}
	return nil
}

// Processors reports the status of every processor spawned on the bus,
// terminated ones included.
func (b *Bus[M]) Processors() []ProcStatus {
	b.lk.Lock()
	defer b.lk.Unlock()
	out := make([]ProcStatus, 0, len(b.runners))
	for id, r := range b.runners {
		out = append(out, ProcStatus{
			ID:       id,
			Name:     r.h.name,
			State:    State(r.state.Load()),
			Restarts: r.restarts.Load(),
		})
	}
	return out
}

func (r *runner[M]) setState(s State) {
	r.state.Store(uint32(s))
	r.h.logger.Debug("processor state changed", LabelState.L(s.String()))
}

func (r *runner[M]) loop() {
	defer r.bus.procWG.Done()
	if r.h.pool != nil {
		defer r.h.pool.close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.bus.dropCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := r.set.RestartMin

	for {
		r.setState(StateRegistering)
		if err := r.h.register(ctx); err != nil {
			r.h.logger.Error("processor could not register", LabelError.L(err))
			r.setState(StateTerminated)
			return
		}

		r.setState(StateRunning)
		startedAt := time.Now()
		err := r.runGuarded(ctx)
		healthy := time.Since(startedAt) >= r.set.HealthyAfter

		r.setState(StateDraining)
		dctx, dcancel := context.WithTimeout(context.Background(), r.bus.config.drainGrace)
		if derr := r.h.deregister(dctx, err); derr != nil {
			r.h.logger.Warn("processor could not deregister", LabelError.L(derr))
		}
		dcancel()

		if err == nil {
			r.setState(StateTerminated)
			return
		}

		if !IsRecoverable(err) || r.bus.closing() {
			r.bus.config.msink.IncrCounterWithLabels(
				MetricProcCrashCount, 1.0, r.bus.config.metricLabels)
			r.h.logger.Error("processor terminated", LabelError.L(err))
			r.setState(StateTerminated)
			return
		}

		// recoverable failure: back off, then go through registration
		// again with a fresh queue
		if healthy {
			backoff = r.set.RestartMin
		}
		r.setState(StateRestarting)
		r.restarts.Add(1)
		r.bus.config.msink.IncrCounterWithLabels(
			MetricProcRestartCount, 1.0, r.bus.config.metricLabels)
		r.h.logger.Warn("processor restarting",
			LabelError.L(err), LabelDuration.L(backoff))

		select {
		case <-time.After(backoff):
		case <-r.bus.shutdownCh:
			r.setState(StateTerminated)
			return
		}

		backoff *= 2
		if backoff > r.set.RestartMax {
			backoff = r.set.RestartMax
		}

		r.h.queue = make(chan Envelope[M], r.set.QueueDepth)
	}
}

// runGuarded turns a panicking processor into a non-recoverable error
// instead of taking the process down.
func (r *runner[M]) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrProcFatal, rec)
		}
	}()
	return r.proc.Run(ctx, r.h)
}

// workers is the locked-thread pool backing RunMode > 1.
type workers struct {
	work chan func()
	wg   sync.WaitGroup
}

func newWorkers(n int) *workers {
	w := &workers{work: make(chan func(), n)}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer w.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for fn := range w.work {
				fn()
			}
		}()
	}
	return w
}

func (w *workers) submit(fn func()) {
	w.work <- fn
}

func (w *workers) close() {
	close(w.work)
	w.wg.Wait()
}
