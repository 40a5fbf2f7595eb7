// Package normalizer turns exchange-native liquidation payloads into
// LiquidationEvents. Every exchange has a fixed mapping; nothing is inferred
// from the payload at runtime.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"liqwatch/internal/models"
	"liqwatch/internal/symbols"
)

// ParseFailure reports a payload that could not be mapped to an event. It
// never ends the stream that produced the payload.
type ParseFailure struct {
	Exchange string
	Reason   string
	Err      error
}

func (e *ParseFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s: %s: %v", e.Exchange, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s: %s", e.Exchange, e.Reason)
}

func (e *ParseFailure) Unwrap() error { return e.Err }

func failure(exchange, reason string, err error) *ParseFailure {
	return &ParseFailure{Exchange: exchange, Reason: reason, Err: err}
}

// Options carries the per-exchange settings a mapping needs.
type Options struct {
	// ContractValues maps exchange -> symbol -> base units per contract for
	// venues that report size in contracts. Missing entries mean 1.
	ContractValues map[string]map[string]decimal.Decimal
	// BybitSideIsPosition reads bybit's S field as the liquidated position
	// side instead of reporting unknown.
	BybitSideIsPosition bool

	NewID func() string
}

type mapping func(n *Normalizer, raw models.RawLiquidation) ([]models.LiquidationEvent, error)

var mappings = map[string]mapping{
	models.ExchangeBinance: normalizeBinance,
	models.ExchangeBybit:   normalizeBybit,
	models.ExchangeOKX:     normalizeOKX,
	models.ExchangeKucoin:  normalizeKucoin,
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Normalizer{opts: opts}
}

// Supported reports whether a mapping exists for exchange.
func Supported(exchange string) bool {
	_, ok := mappings[strings.ToLower(exchange)]
	return ok
}

// Normalize maps a payload that carries exactly one liquidation.
func (n *Normalizer) Normalize(raw models.RawLiquidation) (models.LiquidationEvent, error) {
	events, err := n.NormalizeAll(raw)
	if err != nil {
		return models.LiquidationEvent{}, err
	}
	if len(events) != 1 {
		return models.LiquidationEvent{}, failure(raw.Exchange, fmt.Sprintf("expected one liquidation, got %d", len(events)), nil)
	}
	return events[0], nil
}

// NormalizeAll maps a payload that may batch several liquidations. A payload
// yielding no events is a ParseFailure.
func (n *Normalizer) NormalizeAll(raw models.RawLiquidation) ([]models.LiquidationEvent, error) {
	exchange := strings.ToLower(raw.Exchange)
	m, ok := mappings[exchange]
	if !ok {
		return nil, failure(raw.Exchange, "unsupported exchange", nil)
	}
	if len(raw.Payload) == 0 {
		return nil, failure(exchange, "empty payload", nil)
	}
	events, err := m(n, raw)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, failure(exchange, "no liquidation in payload", nil)
	}
	for i := range events {
		ev := &events[i]
		if err := validate(*ev); err != nil {
			return nil, err
		}
		ev.ID = n.opts.NewID()
		ev.Exchange = exchange
		ev.Symbol = strings.ToUpper(ev.Symbol)
		ev.ReferenceLink = symbols.TradeLink(exchange, ev.Symbol)
		ev.ReceivedAt = raw.ReceivedAt
		if ev.EventTime.IsZero() {
			ev.EventTime = raw.ReceivedAt
		}
	}
	return events, nil
}

func validate(ev models.LiquidationEvent) error {
	if ev.Symbol == "" {
		return failure(ev.Exchange, "missing symbol", nil)
	}
	if !ev.Price.IsPositive() {
		return failure(ev.Exchange, "price must be positive", nil)
	}
	if ev.Quantity.IsNegative() {
		return failure(ev.Exchange, "quantity must not be negative", nil)
	}
	return nil
}

func (n *Normalizer) contractValue(exchange, symbol string) decimal.Decimal {
	if bySymbol, ok := n.opts.ContractValues[exchange]; ok {
		if v, ok := bySymbol[strings.ToUpper(symbol)]; ok && v.IsPositive() {
			return v
		}
	}
	return decimal.NewFromInt(1)
}

func parseDecimal(exchange, field, v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, failure(exchange, "missing "+field, nil)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, failure(exchange, "invalid "+field, err)
	}
	return d, nil
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*f = flexString(num.String())
	return nil
}

func (f flexString) int64() int64 {
	v, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// timestampToTime accepts seconds, milliseconds or nanoseconds.
func timestampToTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts < 1_000_000_000_000:
		return time.Unix(ts, 0).UTC()
	case ts < 1_000_000_000_000_000:
		return time.UnixMilli(ts).UTC()
	default:
		return time.Unix(0, ts).UTC()
	}
}
