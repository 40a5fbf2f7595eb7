// Package dispatcher delivers rendered notifications to matched recipients.
// Delivery is at-most-once: failures are logged and never retried.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

// Message is what a transport sends to one recipient.
type Message struct {
	Text               string
	DisableLinkPreview bool
}

// Transport sends a message to a single recipient.
type Transport interface {
	Deliver(ctx context.Context, recipientID string, msg Message) error
}

// DeliveryFailure is a per-recipient failure. It never affects the other
// recipients of the same event.
type DeliveryFailure struct {
	RecipientID string
	Err         error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.RecipientID, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// Report summarises one dispatch. Both lists are sorted by recipient.
type Report struct {
	Delivered []string
	Failed    []*DeliveryFailure
}

type Options struct {
	// MaxConcurrency bounds in-flight deliveries per dispatch.
	MaxConcurrency int
	// RatePerSecond throttles deliveries across all dispatches. Zero disables it.
	RatePerSecond float64
	Burst         int
}

type Dispatcher struct {
	transport Transport
	opts      Options
	limiter   *rate.Limiter
	log       *logger.Log
}

func New(transport Transport, opts Options) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	d := &Dispatcher{transport: transport, opts: opts, log: logger.GetLogger()}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// Notify renders the event and dispatches it to recipients.
func (d *Dispatcher) Notify(ctx context.Context, event models.LiquidationEvent, recipients []string) Report {
	return d.Dispatch(ctx, recipients, Message{Text: Render(event)})
}

// Dispatch delivers msg to every recipient concurrently, never more than
// MaxConcurrency at a time. Link previews are always disabled.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []string, msg Message) Report {
	msg.DisableLinkPreview = true
	log := d.log.WithComponent("dispatcher")
	start := time.Now()

	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	g.SetLimit(d.opts.MaxConcurrency)

	for _, id := range recipients {
		recipient := id
		g.Go(func() error {
			err := d.deliver(ctx, recipient, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failure := &DeliveryFailure{RecipientID: recipient, Err: err}
				report.Failed = append(report.Failed, failure)
				log.WithError(err).WithField("recipient", recipient).Warn("notification delivery failed")
				return nil
			}
			report.Delivered = append(report.Delivered, recipient)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Delivered)
	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].RecipientID < report.Failed[j].RecipientID
	})

	if n := len(report.Delivered); n > 0 {
		metrics.EmitMetric(d.log, "dispatcher", "deliveries_succeeded", n, "counter", nil)
	}
	if n := len(report.Failed); n > 0 {
		metrics.EmitMetric(d.log, "dispatcher", "deliveries_failed", n, "counter", nil)
	}
	log.WithFields(logger.Fields{
		"recipients": len(recipients),
		"delivered":  len(report.Delivered),
		"failed":     len(report.Failed),
		"duration":   time.Since(start).String(),
	}).Debug("dispatch complete")
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, recipient string, msg Message) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	return d.transport.Deliver(ctx, recipient, msg)
}
