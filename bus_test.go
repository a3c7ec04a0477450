package brio

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/brio-sh/brio/pkg/pending"
	"github.com/brio-sh/brio/pkg/tvf"
)

func testHandler(t *testing.T) slog.Handler {
	t.Helper()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

func testBus(t *testing.T) *Bus[*tvf.Map] {
	t.Helper()
	bus, err := New[*tvf.Map](
		WithName("test"),
		WithLog(testHandler(t)),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
		WithDrainGrace(2*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Shutdown() })
	return bus
}

// waitForService consumes the handle queue until a snapshot provides
// name.
func waitForService(h *Handle[*tvf.Map], name string) bool {
	if len(h.Table().Lookup(name)) > 0 {
		return true
	}
	for env := range h.Queue() {
		switch msg := env.(type) {
		case *ServiceUpdate[*tvf.Map]:
			if len(msg.Table.Lookup(name)) > 0 {
				return true
			}
		case *Shutdown[*tvf.Map]:
			return false
		}
	}
	return false
}

// echoProc answers every request with a clone of its payload.
type echoProc struct {
	service string
	delay   time.Duration
}

func (e *echoProc) Run(ctx context.Context, h *Handle[*tvf.Map]) error {
	if err := h.Declare(ctx, e.service); err != nil {
		return err
	}
	for {
		select {
		case env := <-h.Queue():
			switch msg := env.(type) {
			case *Shutdown[*tvf.Map]:
				return nil
			case *Request[*tvf.Map]:
				if e.delay > 0 {
					time.Sleep(e.delay)
				}
				msg.ReturnTo(msg.Data.Clone())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestBusEchoRoundTrip(t *testing.T) {
	bus := testBus(t)
	require.NoError(t, bus.Spawn("echoer", &echoProc{service: "ECHO"}, ProcSettings{}))

	got := make(chan string, 1)
	client := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		if !waitForService(h, "ECHO") {
			return nil
		}

		data := tvf.NewMap()
		data.PutString(1, "ping")
		rq := h.NewRequest(ctx, "ECHO", data)
		if err := h.Send(rq); err != nil {
			return err
		}

		for {
			select {
			case env := <-h.Queue():
				switch msg := env.(type) {
				case *Response[*tvf.Map]:
					if msg.ID != rq.ID {
						return ProtocolBroken("ECHO", "response for an unknown transaction")
					}
					val, err := msg.Data.GetString(1)
					if err != nil {
						return err
					}
					got <- val
					return nil
				case *Error[*tvf.Map]:
					return msg.Err
				case *Shutdown[*tvf.Map]:
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, bus.Spawn("client", client, ProcSettings{}))

	select {
	case val := <-got:
		require.Equal(t, "ping", val)
	case <-time.After(5 * time.Second):
		t.Fatal("no response received")
	}
}

func TestBusServiceUnavailable(t *testing.T) {
	bus := testBus(t)

	errCh := make(chan error, 1)
	client := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		rq := h.NewRequest(ctx, "NOBODY", tvf.NewMap())
		errCh <- h.Send(rq)
		return nil
	})
	require.NoError(t, bus.Spawn("client", client, ProcSettings{}))

	select {
	case err := <-errCh:
		var serr *ServiceError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, KindUnavailable, serr.Kind)
		require.Equal(t, "NOBODY", serr.Service)
	case <-time.After(5 * time.Second):
		t.Fatal("client never reported")
	}
}

func TestBusTransactionTimeout(t *testing.T) {
	bus := testBus(t)

	// a provider that accepts requests and never answers
	mute := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		if err := h.Declare(ctx, "BLACKHOLE"); err != nil {
			return err
		}
		for {
			select {
			case env := <-h.Queue():
				if _, down := env.(*Shutdown[*tvf.Map]); down {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, bus.Spawn("mute", mute, ProcSettings{}))

	got := make(chan *ServiceError, 1)
	client := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		if !waitForService(h, "BLACKHOLE") {
			return nil
		}

		tracker := pending.NewTracker[*Request[*tvf.Map]]()
		rq := h.NewRequest(ctx, "BLACKHOLE", tvf.NewMap())
		if err := h.Send(rq); err != nil {
			return err
		}
		budget := 50 * time.Millisecond
		if err := tracker.Push(rq.ID, rq, budget); err != nil {
			return err
		}

		for {
			select {
			case env := <-h.Queue():
				switch msg := env.(type) {
				case *Response[*tvf.Map]:
					if _, live := tracker.Pull(msg.ID); live {
						return ProtocolBroken("BLACKHOLE", "unexpected answer")
					}
				case *Shutdown[*tvf.Map]:
					return nil
				}
			case <-tracker.Expired():
				for _, expired := range tracker.PopExpired() {
					got <- TimedOut(expired.Service, budget)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, bus.Spawn("client", client, ProcSettings{}))

	select {
	case serr := <-got:
		require.Equal(t, KindTimeout, serr.Kind)
		require.Equal(t, "BLACKHOLE", serr.Service)
		require.True(t, serr.Recoverable())
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never expired")
	}
}

func TestBusDirectoryConvergence(t *testing.T) {
	bus := testBus(t)

	stop := make(chan struct{})
	provider := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		if err := h.Declare(ctx, "SHORT.LIVED"); err != nil {
			return err
		}
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, bus.Spawn("flaky", provider, ProcSettings{}))

	require.Eventually(t, func() bool {
		return len(bus.Table().Lookup("SHORT.LIVED")) == 1
	}, 3*time.Second, 10*time.Millisecond, "registration must reach the table")

	close(stop)

	require.Eventually(t, func() bool {
		return len(bus.Table().Lookup("SHORT.LIVED")) == 0
	}, 3*time.Second, 10*time.Millisecond, "deregistration must leave no ghost entry")
}

func TestBusSubtaskQueues(t *testing.T) {
	bus := testBus(t)

	mainSaw := make(chan Envelope[*tvf.Map], 8)
	subReady := make(chan struct{})

	provider := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		sub, err := h.Subtask(ctx, 1)
		if err != nil {
			return err
		}
		if err := sub.Declare(ctx, "SUB.ONLY"); err != nil {
			return err
		}

		h.Go(func() {
			for env := range sub.Queue() {
				switch msg := env.(type) {
				case *Request[*tvf.Map]:
					msg.ReturnTo(msg.Data.Clone())
				case *Shutdown[*tvf.Map]:
					return
				}
			}
		})
		close(subReady)

		for {
			select {
			case env := <-h.Queue():
				if _, down := env.(*Shutdown[*tvf.Map]); down {
					return nil
				}
				mainSaw <- env
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, bus.Spawn("split", provider, ProcSettings{RunMode: 2}))

	select {
	case <-subReady:
	case <-time.After(3 * time.Second):
		t.Fatal("subtask never came up")
	}

	got := make(chan uint64, 1)
	client := ProcFunc[*tvf.Map](func(ctx context.Context, h *Handle[*tvf.Map]) error {
		if !waitForService(h, "SUB.ONLY") {
			return nil
		}
		rq := h.NewRequest(ctx, "SUB.ONLY", tvf.NewMap())
		if err := h.Send(rq); err != nil {
			return err
		}
		for {
			select {
			case env := <-h.Queue():
				switch msg := env.(type) {
				case *Response[*tvf.Map]:
					got <- msg.ID
					return nil
				case *Shutdown[*tvf.Map]:
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	require.NoError(t, bus.Spawn("client", client, ProcSettings{}))

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("subtask never answered")
	}

	// requests for SUB.ONLY must never land on the main queue
	for {
		select {
		case env := <-mainSaw:
			_, isRequest := env.(*Request[*tvf.Map])
			require.False(t, isRequest, "request leaked to the main queue")
			continue
		default:
		}
		break
	}
}

func TestBusDeliveryDropInsteadOfWedge(t *testing.T) {
	full := make(chan Envelope[*tvf.Map], 1)
	full <- &Shutdown[*tvf.Map]{}

	rq := &Request[*tvf.Map]{
		ID:      1,
		Service: "GONE",
		Data:    tvf.NewMap(),
		SentAt:  time.Now(),
		ret:     full,
	}

	start := time.Now()
	err := rq.ReturnTo(tvf.NewMap())
	require.ErrorIs(t, err, ErrDeliveryTimeout)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestBusShutdownIsIdempotent(t *testing.T) {
	bus := testBus(t)
	require.NoError(t, bus.Spawn("echoer", &echoProc{service: "ECHO"}, ProcSettings{}))

	require.NoError(t, bus.Shutdown())
	require.NoError(t, bus.Shutdown())

	require.ErrorIs(t, bus.Spawn("late", &echoProc{service: "LATE"}, ProcSettings{}), ErrBusClosed)
}
