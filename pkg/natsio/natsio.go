// Package natsio bridges NATS subjects onto a bus service: every
// message received on the subject becomes a transaction toward the
// service, and the answer is published back on the message reply
// subject when one is set.
package natsio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/brio-sh/brio"
	"github.com/brio-sh/brio/pkg/pending"
	"github.com/brio-sh/brio/pkg/tvf"
)

var (
	ErrConfig  = errors.New("natsio: invalid configuration")
	ErrConnect = errors.New("natsio: could not reach the broker")
)

// Codec translates between wire payloads and bus messages.
type Codec[M tvf.Message[M]] interface {
	Encode(M) ([]byte, error)
	Decode([]byte) (M, error)
}

// JSONCodec carries Map messages as JSON objects keyed by decimal tag.
type JSONCodec struct{}

func (JSONCodec) Encode(m *tvf.Map) ([]byte, error) {
	return m.MarshalJSON()
}

func (JSONCodec) Decode(data []byte) (*tvf.Map, error) {
	m := tvf.NewMap()
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Config tunes one bridge.
type Config struct {
	// URL is the broker address, nats://host:port.
	URL string

	// Subject is subscribed to for inbound transactions.
	Subject string

	// Queue, when set, joins a NATS queue group so several bridge
	// instances share the subject.
	Queue string

	// Service is the bus service answering the transactions.
	Service string

	// Budget is the per-transaction response deadline. Zero falls back
	// to the processor's ResponseBudget setting.
	Budget time.Duration

	// Capacity bounds the inbound subscription channel.
	Capacity int
}

func (c *Config) withDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: a broker URL is required", ErrConfig)
	}
	if c.Subject == "" {
		return fmt.Errorf("%w: a subject is required", ErrConfig)
	}
	if !brio.ValidateServiceName(c.Service) {
		return fmt.Errorf("%w: %w", ErrConfig, brio.ErrNameInvalid)
	}
	return nil
}

// Proc is the bridge processor.
type Proc[M tvf.Message[M]] struct {
	cfg   Config
	codec Codec[M]
}

func New[M tvf.Message[M]](cfg Config, codec Codec[M]) *Proc[M] {
	cfg.withDefaults()
	return &Proc[M]{cfg: cfg, codec: codec}
}

// inflight pairs the message awaiting its reply with the transaction
// span to end when the budget expires.
type inflight struct {
	msg  *nats.Msg
	span trace.Span
}

func (p *Proc[M]) Run(ctx context.Context, h *brio.Handle[M]) error {
	if err := p.cfg.validate(); err != nil {
		return err
	}
	if p.codec == nil {
		return fmt.Errorf("%w: a codec is required", ErrConfig)
	}
	if p.cfg.Budget == 0 {
		p.cfg.Budget = h.Budget()
	}

	logger := h.Logger()

	nc, err := nats.Connect(p.cfg.URL,
		nats.Name("brio-"+h.ProcName()),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer nc.Close()

	inbox := make(chan *nats.Msg, p.cfg.Capacity)
	var sub *nats.Subscription
	if p.cfg.Queue != "" {
		sub, err = nc.ChanQueueSubscribe(p.cfg.Subject, p.cfg.Queue, inbox)
	} else {
		sub, err = nc.ChanSubscribe(p.cfg.Subject, inbox)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer sub.Unsubscribe()

	logger.Info("bridge online",
		brio.LabelService.L(p.cfg.Service),
		"subject", p.cfg.Subject)

	tracker := pending.NewTracker[inflight]()

	for {
		select {
		case env := <-h.Queue():
			switch msg := env.(type) {
			case *brio.Shutdown[M]:
				return nil

			case *brio.Response[M]:
				fl, live := tracker.Pull(msg.ID)
				if !live {
					continue
				}
				data, err := p.codec.Encode(msg.Data)
				if err != nil {
					logger.Error("could not encode a response",
						brio.LabelTxnID.L(msg.ID), brio.LabelError.L(err))
					replyWith(logger, fl.msg, faultBody(brio.ProtocolBroken(p.cfg.Service, err.Error())))
					continue
				}
				replyWith(logger, fl.msg, data)

			case *brio.Error[M]:
				fl, live := tracker.Pull(msg.ID)
				if !live {
					continue
				}
				replyWith(logger, fl.msg, faultBody(msg.Err))
			}

		case <-tracker.Expired():
			for _, fl := range tracker.PopExpired() {
				serr := brio.TimedOut(p.cfg.Service, p.cfg.Budget)
				brio.EndSpan(fl.span, serr)
				h.IncrCounter(brio.MetricTxnTimeoutCount, 1)
				logger.Warn("a bridged transaction expired",
					brio.LabelService.L(p.cfg.Service))
				replyWith(logger, fl.msg, faultBody(serr))
			}

		case m := <-inbox:
			data, err := p.codec.Decode(m.Data)
			if err != nil {
				logger.Warn("dropped an undecodable message",
					"subject", m.Subject, brio.LabelError.L(err))
				replyWith(logger, m, faultBody(brio.ProtocolBroken(p.cfg.Service, err.Error())))
				continue
			}
			rq := h.NewRequest(ctx, p.cfg.Service, data)
			if err := h.Send(rq); err != nil {
				var serr *brio.ServiceError
				if !errors.As(err, &serr) {
					serr = brio.Unavailable(p.cfg.Service, err.Error())
				}
				replyWith(logger, m, faultBody(serr))
				continue
			}
			if err := tracker.Push(rq.ID, inflight{msg: m, span: rq.Span}, p.cfg.Budget); err != nil {
				logger.Error("could not track a bridged transaction",
					brio.LabelTxnID.L(rq.ID), brio.LabelError.L(err))
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replyWith answers on the reply subject when the requester asked for
// one; fire-and-forget messages get no answer.
func replyWith(logger *slog.Logger, m *nats.Msg, data []byte) {
	if m.Reply == "" {
		return
	}
	if err := m.Respond(data); err != nil {
		logger.Warn("could not publish a reply",
			"subject", m.Reply, brio.LabelError.L(err))
	}
}

// fault is the wire shape of a failed bridged transaction.
type fault struct {
	Kind    string `json:"kind"`
	Service string `json:"service"`
	Detail  string `json:"detail,omitempty"`
}

func faultBody(serr *brio.ServiceError) []byte {
	body, err := sonic.ConfigStd.Marshal(fault{
		Kind:    serr.Kind.String(),
		Service: serr.Service,
		Detail:  serr.Detail,
	})
	if err != nil {
		return []byte(`{"kind":"protocol"}`)
	}
	return body
}
