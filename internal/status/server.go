// Package status serves a read-only JSON view of the running service:
// listener states, processing counters, recent metrics and warnings, and
// host resource samples.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"liqwatch/config"
	"liqwatch/internal/listener"
	metrics "liqwatch/internal/metrics"
	"liqwatch/internal/processor"
	"liqwatch/internal/supervisor"
	"liqwatch/logger"
)

// ListenerSource reports per-listener state.
type ListenerSource interface {
	Status() []supervisor.ListenerStatus
}

// StatsSource reports processing counters.
type StatsSource interface {
	GetStats() processor.Stats
}

type Server struct {
	cfg       config.StatusConfig
	log       *logger.Log
	listeners ListenerSource
	stats     StatsSource
	started   time.Time

	metricRing    *metricRing
	logRing       *logRing
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	httpServer    *http.Server
}

// NewServer returns nil when the status API is disabled.
func NewServer(cfg config.StatusConfig, log *logger.Log, listeners ListenerSource, stats StatsSource) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = 200
	}

	ring := newMetricRing(cfg.History)
	logs := newLogRing(cfg.History)
	log.AddHook(logs)

	return &Server{
		cfg:           cfg,
		log:           log,
		listeners:     listeners,
		stats:         stats,
		started:       time.Now(),
		metricRing:    ring,
		logRing:       logs,
		metricHandler: metrics.RegisterMetricHandler(ring.handle),
		sampler:       newResourceSampler(cfg.History, cfg.SampleInterval, log),
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("serving status api")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logRing.close()
	s.sampler.stop()
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/api/status", s.handleStatus)

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricRing.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logRing.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router
}

// handleHealth answers 200 while at least one listener is streaming.
func (s *Server) handleHealth(c *gin.Context) {
	streaming, total := 0, 0
	if s.listeners != nil {
		for _, st := range s.listeners.Status() {
			total++
			if st.State == listener.StateStreaming {
				streaming++
			}
		}
	}

	state := "ok"
	code := http.StatusOK
	switch {
	case total == 0 || streaming == 0:
		state = "down"
		code = http.StatusServiceUnavailable
	case streaming < total:
		state = "degraded"
	}
	c.JSON(code, gin.H{"status": state, "streaming": streaming, "listeners": total})
}

func (s *Server) handleStatus(c *gin.Context) {
	listeners := []gin.H{}
	if s.listeners != nil {
		for _, st := range s.listeners.Status() {
			item := gin.H{
				"exchange": st.Exchange,
				"state":    st.State.String(),
				"restarts": st.Restarts,
			}
			if st.LastError != "" {
				item["last_error"] = st.LastError
			}
			if !st.ConnectedAt.IsZero() {
				item["connected_at"] = st.ConnectedAt.Format(time.RFC3339)
			}
			listeners = append(listeners, item)
		}
	}

	body := gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"listeners":      listeners,
	}
	if s.stats != nil {
		st := s.stats.GetStats()
		body["processor"] = gin.H{
			"received":          st.Received,
			"parse_failures":    st.ParseFailures,
			"events":            st.Events,
			"skipped":           st.Skipped,
			"matched":           st.Matched,
			"delivered":         st.Delivered,
			"delivery_failures": st.DeliveryFailures,
		}
	}
	c.JSON(http.StatusOK, body)
}

// normalizeAddress accepts ":port", "host", "host:port" or a URL and returns
// a host:port suitable for ListenAndServe.
func normalizeAddress(addr string) string {
	const defaultPort = "9103"

	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+3:], "/")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
			return net.JoinHostPort(addr, defaultPort)
		}
		return addr
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}
