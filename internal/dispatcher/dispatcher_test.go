package dispatcher

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"liqwatch/internal/models"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages map[string]Message
	fail     map[string]error
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{messages: map[string]Message{}, fail: map[string]error{}}
}

func (r *recordingTransport) Deliver(ctx context.Context, recipient string, msg Message) error {
	cur := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.peak.Load()
		if cur <= peak || r.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[recipient]; ok {
		return err
	}
	r.messages[recipient] = msg
	return nil
}

func TestDispatchFailureDoesNotAffectOthers(t *testing.T) {
	tr := newRecordingTransport()
	blocked := errors.New("bot was blocked by the user")
	tr.fail["2"] = blocked

	d := New(tr, Options{MaxConcurrency: 4})
	report := d.Dispatch(context.Background(), []string{"1", "2", "3", "4"}, Message{Text: "hi"})

	if !reflect.DeepEqual(report.Delivered, []string{"1", "3", "4"}) {
		t.Fatalf("unexpected delivered set: %v", report.Delivered)
	}
	if len(report.Failed) != 1 || report.Failed[0].RecipientID != "2" || !errors.Is(report.Failed[0], blocked) {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	if len(tr.messages) != 3 {
		t.Fatalf("expected 3 delivered messages, got %d", len(tr.messages))
	}
}

func TestDispatchDisablesLinkPreview(t *testing.T) {
	tr := newRecordingTransport()
	d := New(tr, Options{MaxConcurrency: 1})
	d.Dispatch(context.Background(), []string{"1"}, Message{Text: "hi"})

	msg := tr.messages["1"]
	if !msg.DisableLinkPreview {
		t.Fatalf("expected link preview to be disabled")
	}
	if msg.Text != "hi" {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	tr := newRecordingTransport()
	tr.delay = 20 * time.Millisecond

	recipients := make([]string, 20)
	for i := range recipients {
		recipients[i] = string(rune('a' + i))
	}

	d := New(tr, Options{MaxConcurrency: 3})
	report := d.Dispatch(context.Background(), recipients, Message{Text: "x"})

	if len(report.Delivered) != len(recipients) {
		t.Fatalf("expected all deliveries, got %d", len(report.Delivered))
	}
	if peak := tr.peak.Load(); peak > 3 {
		t.Fatalf("concurrency bound exceeded: peak %d", peak)
	}
	if peak := tr.peak.Load(); peak < 2 {
		t.Fatalf("expected deliveries to run concurrently, peak %d", peak)
	}
}

func TestDispatchRateLimiterCancelled(t *testing.T) {
	tr := newRecordingTransport()
	d := New(tr, Options{MaxConcurrency: 2, RatePerSecond: 0.001, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := d.Dispatch(ctx, []string{"1", "2"}, Message{Text: "x"})

	if len(report.Delivered) != 1 || len(report.Failed) != 1 {
		t.Fatalf("expected one delivery within the burst and one throttled failure, got %+v", report)
	}
}

func TestDispatchNoRecipients(t *testing.T) {
	d := New(newRecordingTransport(), Options{})
	report := d.Dispatch(context.Background(), nil, Message{Text: "x"})
	if len(report.Delivered) != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestNotifyRendersEvent(t *testing.T) {
	tr := newRecordingTransport()
	d := New(tr, Options{MaxConcurrency: 2})
	ev := models.LiquidationEvent{
		Exchange: "binance",
		Symbol:   "BTCUSDT",
		Side:     models.SideLong,
		Price:    decimal.NewFromInt(50000),
		Quantity: decimal.RequireFromString("0.1"),
	}
	d.Notify(context.Background(), ev, []string{"42"})

	if tr.messages["42"].Text != Render(ev) {
		t.Fatalf("unexpected text %q", tr.messages["42"].Text)
	}
}
