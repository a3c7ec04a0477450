package brio

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricBusBroadcastCount counts directory snapshots fanned out to
	// registered queues.
	MetricBusBroadcastCount     = []string{"brio", "bus", "broadcast", "count"}
	MetricBusDeliveryDropCount  = []string{"brio", "bus", "delivery", "drop", "count"}
	MetricBusServiceGauge       = []string{"brio", "bus", "service", "active"}
	MetricBusQueueGauge         = []string{"brio", "bus", "queue", "active"}
	MetricProcSpawnCount        = []string{"brio", "proc", "spawn", "count"}
	MetricProcRestartCount      = []string{"brio", "proc", "restart", "count"}
	MetricProcCrashCount        = []string{"brio", "proc", "crash", "count"}
	MetricTxnTimeoutCount       = []string{"brio", "txn", "timeout", "count"}
	MetricTxnRoundTripMs        = []string{"brio", "txn", "roundtrip", "ms"}
	MetricRegulatorWaitMs       = []string{"brio", "regulator", "wait", "ms"}
	MetricRegulatorRefusedCount = []string{"brio", "regulator", "refused", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelBus      TelemetryLabel = "bus"
	LabelProcName TelemetryLabel = "proc_name"
	LabelProcID   TelemetryLabel = "proc_id"
	LabelQueueID  TelemetryLabel = "queue_id"
	LabelService  TelemetryLabel = "service"
	LabelTxnID    TelemetryLabel = "txn_id"
	LabelState    TelemetryLabel = "state"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
