package brio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/oklog/ulid/v2"

	"github.com/brio-sh/brio/pkg/tvf"
)

// Bus owns the service directory, transaction id allocation, processor
// registration and the fan-out of directory snapshots. It is an explicit
// dependency: build one with New and hand it to your processors; several
// buses can live in one process.
type Bus[M tvf.Message[M]] struct {
	config config
	logger *slog.Logger

	// runID distinguishes this bus instance in logs and traces.
	runID string

	ctl      chan ctl[M]
	nextTxn  atomic.Uint64
	nextProc atomic.Uint32

	// table holds the latest published directory snapshot.
	table atomic.Pointer[Table[M]]

	// owned by the run loop
	queues    map[queueKey]chan Envelope[M]
	procNames map[uint32]string

	// synchronisation
	lk      sync.Mutex
	runners map[uint32]*runner[M]

	// 2-phase close:
	// phase 1: shutdown notification, processors drain.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
	procWG     sync.WaitGroup
}

type queueKey struct {
	proc  uint32
	queue uint32
}

type ctlKind uint8

const (
	ctlAddQueue ctlKind = iota
	ctlRemoveQueue
	ctlRemoveProc
	ctlDeclare
	ctlRetract
	ctlBroadcastShutdown
)

type ctl[M tvf.Message[M]] struct {
	kind     ctlKind
	key      queueKey
	procName string
	services []string
	queue    chan Envelope[M]
	cause    error
	done     chan error
}

func New[M tvf.Message[M]](opts ...Option) (*Bus[M], error) {
	b := &Bus[M]{
		runID:      ulid.Make().String(),
		ctl:        make(chan ctl[M], 64),
		queues:     make(map[queueKey]chan Envelope[M]),
		procNames:  make(map[uint32]string),
		runners:    make(map[uint32]*runner[M]),
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	b.config.queueDepth = 512
	b.config.deliveryTimeout = deliveryTimeout
	b.config.drainGrace = 10 * time.Second
	b.config.name = "default"

	for _, opt := range opts {
		err := opt(&b.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if b.config.logHandler != nil {
		b.logger = slog.New(b.config.logHandler)
	} else {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(LabelBus.L(b.config.name), "run_id", b.runID)

	if b.config.msink == nil {
		b.config.msink = metrics.Default()
	}
	b.config.metricLabels = append(b.config.metricLabels, LabelBus.M(b.config.name))

	b.table.Store(newTable[M]())

	b.wg.Add(1)
	go b.run()

	return b, nil
}

func (b *Bus[M]) Name() string  { return b.config.name }
func (b *Bus[M]) RunID() string { return b.runID }

// NextTxnID allocates a transaction id, unique within this bus instance.
func (b *Bus[M]) NextTxnID() uint64 {
	return b.nextTxn.Add(1)
}

// Table returns the latest directory snapshot.
func (b *Bus[M]) Table() *Table[M] {
	return b.table.Load()
}

func (b *Bus[M]) run() {
	defer b.wg.Done()
	for {
		select {
		case c := <-b.ctl:
			c.done <- b.handleCtl(c)
		case <-b.dropCh:
			return
		}
	}
}

func (b *Bus[M]) handleCtl(c ctl[M]) error {
	switch c.kind {
	case ctlAddQueue:
		if _, has := b.queues[c.key]; has {
			return ErrQueueConflict
		}
		b.queues[c.key] = c.queue
		if c.key.queue == 0 {
			b.procNames[c.key.proc] = c.procName
		}
		b.config.msink.SetGaugeWithLabels(
			MetricBusQueueGauge, float32(len(b.queues)), b.config.metricLabels)

		// the newcomer starts from the current snapshot
		b.post(c.key, &ServiceUpdate[M]{Table: b.table.Load()})
		return nil

	case ctlRemoveQueue:
		if _, has := b.queues[c.key]; !has {
			return nil
		}
		delete(b.queues, c.key)
		b.config.msink.SetGaugeWithLabels(
			MetricBusQueueGauge, float32(len(b.queues)), b.config.metricLabels)

		next := b.table.Load().clone()
		if touched := next.removeQueue(c.key.proc, c.key.queue); len(touched) > 0 {
			b.publish(next)
		}
		return nil

	case ctlRemoveProc:
		for key := range b.queues {
			if key.proc == c.key.proc {
				delete(b.queues, key)
			}
		}
		delete(b.procNames, c.key.proc)
		b.config.msink.SetGaugeWithLabels(
			MetricBusQueueGauge, float32(len(b.queues)), b.config.metricLabels)

		if c.cause != nil {
			b.logger.Warn("processor deregistered with an error",
				LabelProcID.L(c.key.proc), LabelError.L(c.cause))
		}

		next := b.table.Load().clone()
		if touched := next.removeProc(c.key.proc); len(touched) > 0 {
			b.publish(next)
		}
		return nil

	case ctlDeclare:
		q, has := b.queues[c.key]
		if !has {
			return ErrQueueUnknown
		}
		for _, name := range c.services {
			if !ValidateServiceName(name) {
				return fmt.Errorf("%w: %q", ErrNameInvalid, name)
			}
		}
		next := b.table.Load().clone()
		next.add(c.services, Entry[M]{
			ProcID:   c.key.proc,
			QueueID:  c.key.queue,
			ProcName: b.procNames[c.key.proc],
			queue:    q,
		})
		b.publish(next)
		return nil

	case ctlRetract:
		if _, has := b.queues[c.key]; !has {
			return ErrQueueUnknown
		}
		next := b.table.Load().clone()
		next.remove(c.services, c.key.proc, c.key.queue)
		b.publish(next)
		return nil

	case ctlBroadcastShutdown:
		for key := range b.queues {
			b.post(key, &Shutdown[M]{})
		}
		return nil
	}
	return nil
}

// publish stores the next snapshot and fans it out to every registered
// queue. The caller's registration call only returns once this loop is
// done, so an acked change has been offered to the whole bus.
func (b *Bus[M]) publish(next *Table[M]) {
	b.table.Store(next)
	b.config.msink.SetGaugeWithLabels(
		MetricBusServiceGauge, float32(next.Len()), b.config.metricLabels)
	b.config.msink.IncrCounterWithLabels(
		MetricBusBroadcastCount, 1.0, b.config.metricLabels)

	for key := range b.queues {
		b.post(key, &ServiceUpdate[M]{Table: next})
	}
}

func (b *Bus[M]) post(key queueKey, env Envelope[M]) {
	q, has := b.queues[key]
	if !has {
		return
	}
	if err := deliver(q, env, b.config.deliveryTimeout); err != nil {
		b.config.msink.IncrCounterWithLabels(
			MetricBusDeliveryDropCount, 1.0, b.config.metricLabels)
		b.logger.Warn("dropped a bus message",
			LabelProcID.L(key.proc), LabelQueueID.L(key.queue), LabelError.L(err))
	}
}

// control submits one registration operation and waits for its ack.
func (b *Bus[M]) control(ctx context.Context, c ctl[M]) error {
	c.done = make(chan error, 1)
	select {
	case b.ctl <- c:
	case <-b.dropCh:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-b.dropCh:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the bus in two phases: broadcast the Shutdown envelope
// and let processors drain, then drop every resource. It is idempotent.
func (b *Bus[M]) Shutdown() error {
	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return nil
	}
	b.shutdown = true
	close(b.shutdownCh)
	b.lk.Unlock()

	start := time.Now()
	b.logger.Info("shutting down...")

	// Phase 1: every queue gets the cancellation envelope.
	err := b.control(context.Background(), ctl[M]{kind: ctlBroadcastShutdown})
	if err != nil {
		b.logger.Warn("shutdown broadcast failed", LabelError.L(err))
	}

	drained := make(chan struct{})
	go func() {
		b.procWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(b.config.drainGrace):
		b.logger.Warn("shutdown: drain grace expired, dropping resources")
	}

	// Phase 2: drop all resources.
	close(b.dropCh)
	b.wg.Wait()

	b.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

func (b *Bus[M]) closing() bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.shutdown
}

// Handle is a processor's grip on its bus: its queue, its identity, and
// the registration surface. Subtask handles share the processor identity
// but own a distinct queue.
type Handle[M tvf.Message[M]] struct {
	bus    *Bus[M]
	key    queueKey
	name   string
	queue  chan Envelope[M]
	pool   *workers
	budget time.Duration
	logger *slog.Logger
}

func (h *Handle[M]) ProcID() uint32   { return h.key.proc }
func (h *Handle[M]) QueueID() uint32  { return h.key.queue }
func (h *Handle[M]) ProcName() string { return h.name }

// Queue is the receive side every dispatch loop selects on.
func (h *Handle[M]) Queue() <-chan Envelope[M] { return h.queue }

func (h *Handle[M]) Logger() *slog.Logger { return h.logger }

// Budget is the processor's default response deadline, from its spawn
// settings. Request-emitting processors fall back to it when they are
// not configured with their own.
func (h *Handle[M]) Budget() time.Duration { return h.budget }

// IncrCounter emits a counter through the bus sink with the bus labels.
func (h *Handle[M]) IncrCounter(key []string, val float32) {
	h.bus.config.msink.IncrCounterWithLabels(key, val, h.bus.config.metricLabels)
}

// AddSample emits a sample through the bus sink with the bus labels.
func (h *Handle[M]) AddSample(key []string, val float32) {
	h.bus.config.msink.AddSampleWithLabels(key, val, h.bus.config.metricLabels)
}

// Table returns the latest directory snapshot known to the bus. Dispatch
// loops usually prefer the snapshot delivered by ServiceUpdate.
func (h *Handle[M]) Table() *Table[M] { return h.bus.Table() }

// NextID allocates a transaction id from the bus.
func (h *Handle[M]) NextID() uint64 { return h.bus.NextTxnID() }

// Declare announces this queue as a provider of the given services. It
// returns once the new snapshot has been offered to every queue.
func (h *Handle[M]) Declare(ctx context.Context, services ...string) error {
	return h.bus.control(ctx, ctl[M]{
		kind:     ctlDeclare,
		key:      h.key,
		services: services,
	})
}

// Retract withdraws this queue from the given services.
func (h *Handle[M]) Retract(ctx context.Context, services ...string) error {
	return h.bus.control(ctx, ctl[M]{
		kind:     ctlRetract,
		key:      h.key,
		services: services,
	})
}

// Subtask registers an additional queue under the same processor
// identity. Responses to requests emitted on the subtask handle come
// back on the subtask queue, never on a sibling's.
func (h *Handle[M]) Subtask(ctx context.Context, queueID uint32) (*Handle[M], error) {
	if queueID == 0 {
		return nil, fmt.Errorf("%w: queue id 0 is the main queue", ErrQueueConflict)
	}
	sub := &Handle[M]{
		bus:    h.bus,
		key:    queueKey{proc: h.key.proc, queue: queueID},
		name:   h.name,
		queue:  make(chan Envelope[M], h.bus.config.queueDepth),
		pool:   h.pool,
		budget: h.budget,
		logger: h.logger.With(LabelQueueID.L(queueID)),
	}
	err := h.bus.control(ctx, ctl[M]{
		kind:     ctlAddQueue,
		key:      sub.key,
		procName: h.name,
		queue:    sub.queue,
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close removes a subtask queue, retracting its services first.
func (h *Handle[M]) Close(ctx context.Context) error {
	if h.key.queue == 0 {
		return fmt.Errorf("%w: the main queue is removed by deregistration", ErrQueueConflict)
	}
	return h.bus.control(ctx, ctl[M]{kind: ctlRemoveQueue, key: h.key})
}

// NewRequest builds a Request answered on this handle's queue. It
// allocates the transaction id and opens the request span.
func (h *Handle[M]) NewRequest(ctx context.Context, service string, data M) *Request[M] {
	id := h.NextID()
	return &Request[M]{
		ID:      id,
		Service: service,
		Data:    data,
		Span:    startTxnSpan(ctx, service, id),
		SentAt:  time.Now(),
		ret:     h.queue,
	}
}

// Send routes the request to one provider of its service, round-robin
// across providers. Absence of a provider surfaces as a *ServiceError so
// the caller can answer its own upstream with it.
func (h *Handle[M]) Send(rq *Request[M]) error {
	entry, ok := h.bus.Table().Pick(rq.Service, rq.ID)
	if !ok {
		serr := Unavailable(rq.Service, "no registered provider")
		EndSpan(rq.Span, serr)
		return serr
	}
	if err := entry.Send(rq); err != nil {
		serr := Unavailable(rq.Service, err.Error())
		EndSpan(rq.Span, serr)
		return serr
	}
	return nil
}

// Go schedules fn on the processor's worker pool when it has one, on the
// shared scheduler otherwise.
func (h *Handle[M]) Go(fn func()) {
	if h.pool != nil {
		h.pool.submit(fn)
		return
	}
	go fn()
}

// register announces the handle's queue to the bus.
func (h *Handle[M]) register(ctx context.Context) error {
	return h.bus.control(ctx, ctl[M]{
		kind:     ctlAddQueue,
		key:      h.key,
		procName: h.name,
		queue:    h.queue,
	})
}

// deregister removes the processor and all its queues. A nil cause is a
// clean exit.
func (h *Handle[M]) deregister(ctx context.Context, cause error) error {
	return h.bus.control(ctx, ctl[M]{
		kind:  ctlRemoveProc,
		key:   queueKey{proc: h.key.proc},
		cause: cause,
	})
}
