package brio

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brio-sh/brio/pkg/tvf"
)

// InitObservability applies the filter configuration process-wide: the
// default slog logger is rebuilt on the configured sink and level.
// Processor-scoped settings are applied at Spawn instead; this entry
// point is for hosts that want one configuration for everything.
func InitObservability(o ObsSettings) (*slog.Logger, error) {
	handler, err := o.Handler(nil)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// tracerName scopes the spans the bus opens. Wiring an exporter is the
// host application's business; without one these spans are no-ops.
const tracerName = "github.com/brio-sh/brio"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startTxnSpan opens the span carried by a Request for its whole life on
// the bus.
func startTxnSpan(ctx context.Context, service string, id uint64) trace.Span {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := tracer().Start(ctx, "Transaction",
		trace.WithAttributes(
			attribute.String(string(LabelService), service),
			attribute.Int64(string(LabelTxnID), int64(id)),
		),
	)
	return span
}

// SpanFrom returns the transaction span an envelope carries, nil for
// the variants that carry none.
func SpanFrom[M tvf.Message[M]](env Envelope[M]) trace.Span {
	switch msg := env.(type) {
	case *Request[M]:
		return msg.Span
	case *Response[M]:
		return msg.Span
	case *Error[M]:
		return msg.Span
	}
	return nil
}

// EnterSpan opens a child span for one processing step of an envelope,
// parented on the request's span when there is one.
func EnterSpan(ctx context.Context, parent trace.Span, name string) (context.Context, trace.Span) {
	if parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	return tracer().Start(ctx, name)
}

// EndSpan closes a span, recording err when the step failed.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
