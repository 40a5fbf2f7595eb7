package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"liqwatch/config"
	"liqwatch/internal/dispatcher"
	"liqwatch/internal/listener"
	"liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/internal/normalizer"
	"liqwatch/internal/notifier"
	"liqwatch/internal/processor"
	"liqwatch/internal/snapshot"
	"liqwatch/internal/status"
	"liqwatch/internal/supervisor"
	"liqwatch/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Liqwatch.Name,
		"version":     cfg.Liqwatch.Version,
		"environment": cfg.Environment,
	}).Info("starting liqwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.ReportInterval > 0 || strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	if cfg.Metrics.Prometheus.Enabled {
		metrics.Serve(ctx, cfg.Metrics.Prometheus.Address)
	}
	stopCloudWatch := func() {}
	if cfg.Metrics.CloudWatch.Enabled {
		stopCloudWatch = metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.FlushInterval)
	}

	listeners, err := listener.FromConfig(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build listeners")
		os.Exit(1)
	}
	for _, l := range listeners {
		if !normalizer.Supported(l.Exchange()) {
			log.WithExchange(l.Exchange()).Error("no payload mapping for enabled source")
			os.Exit(1)
		}
	}

	norm := normalizer.New(normalizer.Options{
		ContractValues:      contractValues(cfg),
		BybitSideIsPosition: cfg.Source.Bybit.SideIsPosition,
	})

	store, err := snapshot.OpenPostgres(cfg.Store.Postgres)
	if err != nil {
		log.WithError(err).Error("failed to open subscription store")
		os.Exit(1)
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		// the cache keeps retrying on every refresh
		log.WithComponent("main").WithError(err).Warn("subscription store not reachable at startup")
	}
	pingCancel()

	cache := snapshot.NewCache(store, snapshot.CacheOptions{
		RefreshInterval: cfg.Snapshot.RefreshInterval,
		MaxStale:        cfg.Snapshot.MaxStale,
		FetchTimeout:    cfg.Snapshot.FetchTimeout,
		RetryInterval:   cfg.Snapshot.RetryInterval,
	})

	transport, err := notifier.NewTelegramTransport(cfg.Notifier.Telegram)
	if err != nil {
		log.WithError(err).Error("failed to create telegram transport")
		os.Exit(1)
	}

	disp := dispatcher.New(transport, dispatcher.Options{
		MaxConcurrency: cfg.Dispatcher.MaxConcurrency,
		RatePerSecond:  cfg.Dispatcher.RatePerSecond,
		Burst:          cfg.Dispatcher.Burst,
	})

	proc := processor.NewLiquidationProcessor(norm, cache, disp)

	sup := supervisor.New(listeners, proc.Handle, supervisor.OptionsFromConfig(cfg.Supervisor))
	if err := sup.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start supervisor")
		os.Exit(1)
	}

	statusDone := make(chan struct{})
	statusServer := status.NewServer(cfg.Status, log, sup, proc)
	go func() {
		defer close(statusDone)
		if err := statusServer.Run(ctx); err != nil {
			log.WithError(err).Warn("status api failed")
		}
	}()

	log.WithFields(logger.Fields{"listeners": len(listeners)}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		sup.Stop()
		<-statusDone
		// last, so metrics emitted while stopping are published
		stopCloudWatch()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	stats := proc.GetStats()
	log.WithFields(logger.Fields{
		"received":          stats.Received,
		"events":            stats.Events,
		"matched":           stats.Matched,
		"delivered":         stats.Delivered,
		"delivery_failures": stats.DeliveryFailures,
	}).Info("liqwatch stopped")
}

// contractValues collects per-symbol contract sizes for venues that report
// quantities in contracts.
func contractValues(cfg *config.Config) map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal)
	add := func(exchange string, values map[string]float64) {
		if len(values) == 0 {
			return
		}
		m := make(map[string]decimal.Decimal, len(values))
		for sym, v := range values {
			m[strings.ToUpper(sym)] = decimal.NewFromFloat(v)
		}
		out[exchange] = m
	}
	add(models.ExchangeOKX, cfg.Source.Okx.ContractValues)
	add(models.ExchangeKucoin, cfg.Source.Kucoin.ContractValues)
	return out
}
