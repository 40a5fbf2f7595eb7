package processor

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"liqwatch/internal/dispatcher"
	"liqwatch/internal/models"
	"liqwatch/internal/normalizer"
	"liqwatch/internal/snapshot"
)

type staticSnapshots struct {
	snap models.Snapshot
	err  error
}

func (s staticSnapshots) Snapshot(context.Context) (models.Snapshot, error) {
	return s.snap, s.err
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

type notifyCall struct {
	event      models.LiquidationEvent
	recipients []string
}

func (c *captureNotifier) Notify(_ context.Context, ev models.LiquidationEvent, recipients []string) dispatcher.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, notifyCall{event: ev, recipients: recipients})
	return dispatcher.Report{Delivered: recipients}
}

const sellBTC = `{"e":"forceOrder","E":1,"o":{"s":"BTCUSDT","S":"SELL","q":"0.1","p":"50000","ap":"50000","T":1}}`

func rawBinance(payload string) models.RawLiquidation {
	return models.RawLiquidation{Exchange: "binance", Payload: []byte(payload)}
}

func subs(threshold int64, exchange string, instruments ...string) staticSnapshots {
	return staticSnapshots{snap: models.Snapshot{Subscriptions: []models.Subscription{{
		RecipientID:       "100",
		Enabled:           true,
		Exchange:          exchange,
		ThresholdNotional: decimal.NewFromInt(threshold),
		Instruments:       instruments,
	}}}}
}

func TestHandleEndToEndScenarios(t *testing.T) {
	tests := []struct {
		name string
		snap staticSnapshots
		want []string
	}{
		{"one recipient", subs(1000, "binance", "BTCUSDT"), []string{"100"}},
		{"threshold too high", subs(10000, "binance", "BTCUSDT"), nil},
		{"other exchange", subs(1000, "okx", "BTCUSDT"), nil},
		{"other instrument", subs(1000, "binance", "ETHUSDT"), nil},
	}
	for _, tt := range tests {
		n := &captureNotifier{}
		p := NewLiquidationProcessor(normalizer.New(normalizer.Options{}), tt.snap, n)
		p.Handle(context.Background(), rawBinance(sellBTC))

		var got []string
		if len(n.calls) == 1 {
			got = n.calls[0].recipients
			if !n.calls[0].event.NotionalValue().Equal(decimal.NewFromInt(5000)) {
				t.Errorf("%s: unexpected notional %s", tt.name, n.calls[0].event.NotionalValue())
			}
		} else if len(n.calls) > 1 {
			t.Fatalf("%s: expected at most one notify call, got %d", tt.name, len(n.calls))
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestHandleParseFailureIsCounted(t *testing.T) {
	n := &captureNotifier{}
	p := NewLiquidationProcessor(normalizer.New(normalizer.Options{}), subs(0, "binance", "BTCUSDT"), n)

	p.Handle(context.Background(), rawBinance(`{"o":`))
	p.Handle(context.Background(), rawBinance(sellBTC))

	stats := p.GetStats()
	if stats.Received != 2 || stats.ParseFailures != 1 || stats.Matched != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(n.calls) != 1 {
		t.Fatalf("malformed payload must not stop later events, got %d calls", len(n.calls))
	}
}

func TestHandleSkipsWithoutSnapshot(t *testing.T) {
	n := &captureNotifier{}
	p := NewLiquidationProcessor(normalizer.New(normalizer.Options{}), staticSnapshots{err: snapshot.ErrNoSnapshot}, n)

	p.Handle(context.Background(), rawBinance(sellBTC))

	if len(n.calls) != 0 {
		t.Fatalf("expected no notifications without a snapshot")
	}
	if stats := p.GetStats(); stats.Skipped != 1 {
		t.Fatalf("expected skipped event, got %+v", stats)
	}
}

func TestHandleMultiEventPayload(t *testing.T) {
	n := &captureNotifier{}
	snap := staticSnapshots{snap: models.Snapshot{Subscriptions: []models.Subscription{{
		RecipientID:       "7",
		Enabled:           true,
		Exchange:          "okx",
		ThresholdNotional: decimal.NewFromInt(10),
		Instruments:       []string{"BTCUSDT"},
	}}}}
	p := NewLiquidationProcessor(normalizer.New(normalizer.Options{}), snap, n)

	payload := `{"data":[{"instId":"BTC-USDT-SWAP","details":[{"posSide":"long","bkPx":"100","sz":"1","ts":"1"},{"posSide":"short","bkPx":"1","sz":"1","ts":"2"}]}]}`
	p.Handle(context.Background(), models.RawLiquidation{Exchange: "okx", Payload: []byte(payload)})

	if stats := p.GetStats(); stats.Events != 2 || stats.Matched != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(n.calls) != 1 || n.calls[0].event.Side != models.SideLong {
		t.Fatalf("expected only the large long liquidation to be sent, got %+v", n.calls)
	}
}
