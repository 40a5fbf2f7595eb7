package metrics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"liqwatch/logger"
)

// Metric is a single observation emitted by a pipeline stage.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Exchange returns the venue label, or "" for process-wide metrics.
func (m Metric) Exchange() string {
	s, _ := m.Fields["exchange"].(string)
	return s
}

// Float converts Value for the numeric sinks. Durations are reported in
// seconds and decimals at float precision.
func (m Metric) Float() (float64, bool) {
	switch v := m.Value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return v.Seconds(), true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}

// MetricHandler receives every emitted metric. Handlers run on the emitting
// goroutine and must not block.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type registeredHandler struct {
	id MetricHandlerID
	fn MetricHandler
}

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      []registeredHandler
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler adds a handler and returns its id, or 0 for nil.
// Handlers are called in registration order.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()
	nextMetricHandlerID++
	metricHandlers = append(metricHandlers, registeredHandler{id: nextMetricHandlerID, fn: handler})
	return nextMetricHandlerID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()
	for i, h := range metricHandlers {
		if h.id == id {
			// copy so snapshots taken by in-flight emits stay intact
			next := make([]registeredHandler, 0, len(metricHandlers)-1)
			next = append(next, metricHandlers[:i]...)
			metricHandlers = append(next, metricHandlers[i+1:]...)
			return
		}
	}
}

func handlerSnapshot() []registeredHandler {
	metricHandlersMu.RLock()
	defer metricHandlersMu.RUnlock()
	return metricHandlers
}

// EmitMetric records one observation. It is logged at debug level, applied
// to the Prometheus collectors, handed to registered handlers and queued for
// CloudWatch when that publisher is running. Non-numeric values skip the
// Prometheus and CloudWatch sinks.
func EmitMetric(log *logger.Log, component string, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		entry := log.WithComponent(component).WithFields(m.Fields)
		entry.WithFields(logger.Fields{"metric": name, "metric_type": metricType, "value": value}).Debug("metric")
	}

	numeric, ok := m.Float()
	if ok {
		observePrometheus(m, numeric)
	}
	for _, h := range handlerSnapshot() {
		h.fn(m)
	}
	if ok {
		publishMetricDatum(m, numeric)
	}
}
