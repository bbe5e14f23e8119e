package transport

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFramesInCount          = []string{"lavish", "frames", "in", "count"}
	MetricFramesInBytes          = []string{"lavish", "frames", "in", "bytes"}
	MetricFramesOutCount         = []string{"lavish", "frames", "out", "count"}
	MetricFramesOutBytes         = []string{"lavish", "frames", "out", "bytes"}
	MetricDecodeErrorCount       = []string{"lavish", "decode", "error", "count"}
	MetricOrphanedResponseCount  = []string{"lavish", "response", "orphaned", "count"}
	MetricCallsStartedCount      = []string{"lavish", "calls", "started", "count"}
	MetricCallsFailedCount       = []string{"lavish", "calls", "failed", "count"}
	MetricCallsPending           = []string{"lavish", "calls", "pending"}
	MetricHandlerErrorCount      = []string{"lavish", "handler", "error", "count"}
	MetricHandlerDuration        = []string{"lavish", "handler", "duration", "ms"}
	MetricNotificationsDropCount = []string{"lavish", "notifications", "dropped", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelKind     TelemetryLabel = "kind"
	LabelMethod   TelemetryLabel = "method"
	LabelID       TelemetryLabel = "id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
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
