// Package stub offers services whose processing is delegated to an
// Adaptor: the protocol translation layer between the bus payload
// contract and whatever the application actually does.
package stub

import (
	"context"
	"errors"

	"github.com/brio-sh/brio"
	"github.com/brio-sh/brio/pkg/tvf"
)

// Adaptor turns one request payload into a response payload. Returning a
// *brio.ServiceError forwards it verbatim to the requester; any other
// error is reported as a protocol failure.
type Adaptor[M tvf.Message[M]] interface {
	Process(service string, data M) (M, error)
}

// AdaptorFunc adapts a function into an Adaptor.
type AdaptorFunc[M tvf.Message[M]] func(service string, data M) (M, error)

func (f AdaptorFunc[M]) Process(service string, data M) (M, error) {
	return f(service, data)
}

// Reconfigurable is implemented by adaptors that accept Config
// envelopes.
type Reconfigurable[M tvf.Message[M]] interface {
	UpdateConfig(data M) error
}

// Proc declares the given services and answers every request through the
// adaptor.
type Proc[M tvf.Message[M]] struct {
	services []string
	adaptor  Adaptor[M]
}

func New[M tvf.Message[M]](adaptor Adaptor[M], services ...string) *Proc[M] {
	return &Proc[M]{services: services, adaptor: adaptor}
}

func (p *Proc[M]) Run(ctx context.Context, h *brio.Handle[M]) error {
	if err := h.Declare(ctx, p.services...); err != nil {
		return err
	}

	logger := h.Logger()
	for {
		select {
		case env := <-h.Queue():
			switch msg := env.(type) {
			case *brio.Shutdown[M]:
				return nil

			case *brio.Request[M]:
				data, err := p.adaptor.Process(msg.Service, msg.Data)
				if err != nil {
					var serr *brio.ServiceError
					if !errors.As(err, &serr) {
						serr = brio.ProtocolBroken(msg.Service, err.Error())
					}
					if rerr := msg.ReturnError(serr); rerr != nil {
						logger.Warn("could not report a failed request",
							brio.LabelService.L(msg.Service),
							brio.LabelError.L(rerr))
					}
					continue
				}
				if rerr := msg.ReturnTo(data); rerr != nil {
					logger.Warn("requester did not take the answer",
						brio.LabelService.L(msg.Service),
						brio.LabelTxnID.L(msg.ID),
						brio.LabelError.L(rerr))
				}

			case *brio.Config[M]:
				if rc, ok := p.adaptor.(Reconfigurable[M]); ok {
					if err := rc.UpdateConfig(msg.Data); err != nil {
						logger.Error("adaptor refused the new configuration",
							brio.LabelError.L(err))
					}
				}

			case *brio.Command[M]:
				logger.Info("ignoring command", "command", msg.Name)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
