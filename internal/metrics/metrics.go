// Package metrics exposes pipeline counters:
//
//	#liqwatch_events_total{component,metric,exchange}
//	#liqwatch_gauge{component,metric,exchange}
//	#go_* and process_* system metrics
//
// on the configured address using the Prometheus HTTP handler, and optionally
// mirrors them to CloudWatch.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liqwatch/logger"
)

var (
	registry = prometheus.NewRegistry()
	counters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liqwatch_events_total",
			Help: "Liquidation pipeline counters by component",
		},
		[]string{"component", "metric", "exchange"},
	)
	gauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "liqwatch_gauge",
			Help: "Liquidation pipeline gauges by component",
		},
		[]string{"component", "metric", "exchange"},
	)
	registerOnce sync.Once
)

func register() {
	registerOnce.Do(func() {
		registry.MustRegister(counters, gauges)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func init() {
	register()
}

func observePrometheus(m Metric, value float64) {
	exchange := m.Exchange()
	switch m.Type {
	case "gauge":
		gauges.WithLabelValues(m.Component, m.Name, exchange).Set(value)
	default:
		if value < 0 {
			return
		}
		counters.WithLabelValues(m.Component, m.Name, exchange).Add(value)
	}
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	log := logger.GetLogger().WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.WithFields(logger.Fields{"address": addr}).Info("serving prometheus metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}
