package brio

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/brio-sh/brio/pkg/tvf"
)

// Envelope is the message unit travelling on processor queues. Exactly
// seven variants exist; dispatch loops type-switch over them and treat
// Shutdown with the highest priority.
type Envelope[M tvf.Message[M]] interface {
	envelope()
}

// Request asks the provider of Service to process Data and answer on the
// embedded return queue.
type Request[M tvf.Message[M]] struct {
	ID      uint64
	Service string
	Data    M
	Span    trace.Span
	SentAt  time.Time

	ret chan<- Envelope[M]
}

// Response answers a Request, carrying the same transaction id and span.
type Response[M tvf.Message[M]] struct {
	ID      uint64
	Service string
	Data    M
	Span    trace.Span
}

// Error answers a Request that could not be served.
type Error[M tvf.Message[M]] struct {
	ID      uint64
	Service string
	Err     *ServiceError
	Span    trace.Span
}

// Command carries an out-of-band instruction to a processor.
type Command[M tvf.Message[M]] struct {
	Name string
	Data M
}

// Config delivers a configuration update to a processor.
type Config[M tvf.Message[M]] struct {
	Data M
}

// ServiceUpdate broadcasts the new full service table whenever the
// directory changes.
type ServiceUpdate[M tvf.Message[M]] struct {
	Table *Table[M]
}

// Shutdown tells a processor to drain and terminate. It is the only
// cancellation signal.
type Shutdown[M tvf.Message[M]] struct{}

func (*Request[M]) envelope()       {}
func (*Response[M]) envelope()      {}
func (*Error[M]) envelope()         {}
func (*Command[M]) envelope()       {}
func (*Config[M]) envelope()        {}
func (*ServiceUpdate[M]) envelope() {}
func (*Shutdown[M]) envelope()      {}

// deliveryTimeout bounds every queue send. A full or abandoned queue
// makes the send fail instead of wedging the sender; late responses to a
// drained processor are dropped this way.
const deliveryTimeout = 100 * time.Millisecond

func deliver[M tvf.Message[M]](q chan<- Envelope[M], env Envelope[M], timeout time.Duration) error {
	select {
	case q <- env:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case q <- env:
		return nil
	case <-t.C:
		return ErrDeliveryTimeout
	}
}

// Age reports how long ago the request was emitted.
func (rq *Request[M]) Age() time.Duration {
	return time.Since(rq.SentAt)
}

// ReturnTo answers the requester directly, without any directory lookup.
// The transaction span ends here: delivering the answer is the end of
// the transaction's life on the bus.
func (rq *Request[M]) ReturnTo(data M) error {
	err := deliver(rq.ret, &Response[M]{
		ID:      rq.ID,
		Service: rq.Service,
		Data:    data,
		Span:    rq.Span,
	}, deliveryTimeout)
	EndSpan(rq.Span, err)
	return err
}

// ReturnError reports a service failure to the requester and ends the
// transaction span with it.
func (rq *Request[M]) ReturnError(serr *ServiceError) error {
	err := deliver(rq.ret, &Error[M]{
		ID:      rq.ID,
		Service: rq.Service,
		Err:     serr,
		Span:    rq.Span,
	}, deliveryTimeout)
	if err != nil {
		EndSpan(rq.Span, err)
	} else {
		EndSpan(rq.Span, serr)
	}
	return err
}
