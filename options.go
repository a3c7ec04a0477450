package brio

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	name            string
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	queueDepth      int
	deliveryTimeout time.Duration
	drainGrace      time.Duration
}

// Option to pass to `New`
type Option func(*config) error

// WithName names the bus in logs and metric labels. Useful when several
// buses share a process.
func WithName(name string) Option {
	return func(c *config) error {
		if !ValidateServiceName(name) {
			return ErrNameInvalid
		}
		c.name = name
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the bus and its processors.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the bus.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithQueueDepth sets the default capacity of processor queues. A
// processor may override it in its own settings.
func WithQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth == 0 {
			depth = 512
		}
		c.queueDepth = depth
		return nil
	}
}

// WithDeliveryTimeout controls how long a queue send may block before
// the message is dropped.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = deliveryTimeout
		}
		c.deliveryTimeout = timeout
		return nil
	}
}

// WithDrainGrace controls how much time Shutdown waits for processors to
// drain before resources are dropped.
func WithDrainGrace(grace time.Duration) Option {
	return func(c *config) error {
		if grace == 0 {
			grace = 10 * time.Second
		}
		c.drainGrace = grace
		return nil
	}
}
