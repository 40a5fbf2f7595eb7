package metrics

import "liqwatch/logger"

// DropMetric identifies the metric name emitted when buffered messages are dropped.
type DropMetric string

const (
	// DropMetricLiquidationRaw records raw liquidation messages dropped because
	// the bridge buffer between an exchange SDK callback and its stream was full.
	DropMetricLiquidationRaw DropMetric = "liquidation_messages_dropped"
)

// EmitDropMetric emits a counter of one for a dropped message. Empty metadata
// values are omitted from the fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
