package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported exchange identifiers.
const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
	ExchangeOKX     = "okx"
	ExchangeKucoin  = "kucoin"
)

// RawLiquidation is a single exchange-native payload captured from a
// liquidation stream. Payload is owned by the message and never reused by the
// listener that produced it.
type RawLiquidation struct {
	Exchange   string
	Payload    []byte
	ReceivedAt time.Time
}

// Side classifies which side of the market was force-closed.
type Side string

const (
	SideLong    Side = "long_liquidation"
	SideShort   Side = "short_liquidation"
	SideUnknown Side = "unknown"
)

// SideFromOrder maps the side of a liquidation order to the liquidated
// position: a forced BUY closes a short, a forced SELL closes a long.
func SideFromOrder(orderSide string) Side {
	switch strings.ToUpper(strings.TrimSpace(orderSide)) {
	case "BUY":
		return SideShort
	case "SELL":
		return SideLong
	default:
		return SideUnknown
	}
}

// SideFromPosition maps an explicit position side (long/short) to the
// liquidation side. Anything else, including one-way "net" positions, is
// unknown.
func SideFromPosition(posSide string) Side {
	switch strings.ToLower(strings.TrimSpace(posSide)) {
	case "long", "buy":
		return SideLong
	case "short", "sell":
		return SideShort
	default:
		return SideUnknown
	}
}

// LiquidationEvent is the canonical, exchange independent view of one
// liquidation. It lives only for the duration of one matching pass.
type LiquidationEvent struct {
	ID            string
	Exchange      string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ReferenceLink string
	EventTime     time.Time
	ReceivedAt    time.Time
}

// NotionalValue is always derived from price and quantity.
func (e LiquidationEvent) NotionalValue() decimal.Decimal {
	return e.Price.Mul(e.Quantity)
}
