package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"liqwatch/internal/dispatcher"
	"liqwatch/internal/matcher"
	metrics "liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/internal/normalizer"
	"liqwatch/logger"
)

// SnapshotSource yields the subscriptions an event is matched against.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (models.Snapshot, error)
}

// Notifier sends one event to its matched recipients.
type Notifier interface {
	Notify(ctx context.Context, event models.LiquidationEvent, recipients []string) dispatcher.Report
}

// Stats counts what happened to raw messages handled so far.
type Stats struct {
	Received         int64
	ParseFailures    int64
	Events           int64
	Skipped          int64
	Matched          int64
	Delivered        int64
	DeliveryFailures int64
}

// LiquidationProcessor runs normalize, match and dispatch for every raw
// message. It is called from the listener task that produced the message and
// is safe for concurrent use.
type LiquidationProcessor struct {
	normalizer *normalizer.Normalizer
	snapshots  SnapshotSource
	notifier   Notifier
	log        *logger.Log

	stats      Stats
	statsMutex sync.Mutex
}

func NewLiquidationProcessor(n *normalizer.Normalizer, snapshots SnapshotSource, notifier Notifier) *LiquidationProcessor {
	return &LiquidationProcessor{
		normalizer: n,
		snapshots:  snapshots,
		notifier:   notifier,
		log:        logger.GetLogger(),
	}
}

// Handle never fails: malformed payloads, missing snapshots and delivery
// failures are logged and counted.
func (p *LiquidationProcessor) Handle(ctx context.Context, raw models.RawLiquidation) {
	log := p.log.WithComponent("liq_processor").WithExchange(raw.Exchange)
	p.update(func(s *Stats) { s.Received++ })
	metrics.EmitMetric(p.log, "processor", "messages_received", 1, "counter", logger.Fields{"exchange": raw.Exchange})

	events, err := p.normalizer.NormalizeAll(raw)
	if err != nil {
		p.update(func(s *Stats) { s.ParseFailures++ })
		metrics.EmitMetric(p.log, "processor", "parse_failures", 1, "counter", logger.Fields{"exchange": raw.Exchange})
		var pf *normalizer.ParseFailure
		if errors.As(err, &pf) {
			log.WithError(err).WithField("reason", pf.Reason).Warn("dropping malformed liquidation payload")
		} else {
			log.WithError(err).Warn("dropping liquidation payload")
		}
		return
	}

	for _, ev := range events {
		p.handleEvent(ctx, log, ev)
	}
}

func (p *LiquidationProcessor) handleEvent(ctx context.Context, log *logger.Entry, ev models.LiquidationEvent) {
	p.update(func(s *Stats) { s.Events++ })
	log = log.WithFields(logger.Fields{
		"event_id": ev.ID,
		"symbol":   ev.Symbol,
		"side":     string(ev.Side),
		"notional": ev.NotionalValue().StringFixed(2),
	})

	snap, err := p.snapshots.Snapshot(ctx)
	if err != nil {
		p.update(func(s *Stats) { s.Skipped++ })
		metrics.EmitMetric(p.log, "processor", "events_skipped", 1, "counter", logger.Fields{"exchange": ev.Exchange})
		log.WithError(err).Warn("no subscription snapshot, skipping liquidation")
		return
	}

	recipients := matcher.Match(ev, snap.Subscriptions)
	if len(recipients) == 0 {
		log.Debug("liquidation matched no subscribers")
		return
	}

	p.update(func(s *Stats) { s.Matched++ })
	metrics.EmitMetric(p.log, "processor", "events_matched", 1, "counter", logger.Fields{"exchange": ev.Exchange})
	logger.IncrementCounter("notifications_attempted", int64(len(recipients)))

	report := p.notifier.Notify(ctx, ev, recipients)
	p.update(func(s *Stats) {
		s.Delivered += int64(len(report.Delivered))
		s.DeliveryFailures += int64(len(report.Failed))
	})
	log.WithFields(logger.Fields{
		"recipients":   len(recipients),
		"delivered":    len(report.Delivered),
		"failed":       len(report.Failed),
		"snapshot_age": snap.Age(time.Now()).String(),
	}).Info("liquidation dispatched")
}

func (p *LiquidationProcessor) update(fn func(*Stats)) {
	p.statsMutex.Lock()
	fn(&p.stats)
	p.statsMutex.Unlock()
}

func (p *LiquidationProcessor) GetStats() Stats {
	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()
	return p.stats
}
