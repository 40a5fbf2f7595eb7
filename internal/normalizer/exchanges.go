package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"

	"liqwatch/internal/models"
)

// binanceEvent needs both "e" and "E": encoding/json falls back to a
// case-insensitive key match, so a missing "e" field would send the string
// event type into EventTime.
type binanceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol    string     `json:"s"`
		Side      string     `json:"S"`
		Quantity  flexString `json:"q"`
		Price     flexString `json:"p"`
		AvgPrice  flexString `json:"ap"`
		TradeTime int64      `json:"T"`
	} `json:"o"`
}

// normalizeBinance reads forceOrder events. The order side is explicit:
// a forced BUY closes a short and a forced SELL closes a long.
func normalizeBinance(_ *Normalizer, raw models.RawLiquidation) ([]models.LiquidationEvent, error) {
	const ex = models.ExchangeBinance

	var evt binanceEvent
	if err := json.Unmarshal(raw.Payload, &evt); err != nil {
		return nil, failure(ex, "invalid json", err)
	}

	priceField := string(evt.Order.AvgPrice)
	if d, err := parseDecimal(ex, "ap", priceField); err != nil || d.IsZero() {
		priceField = string(evt.Order.Price)
	}
	price, err := parseDecimal(ex, "price", priceField)
	if err != nil {
		return nil, err
	}
	qty, err := parseDecimal(ex, "quantity", string(evt.Order.Quantity))
	if err != nil {
		return nil, err
	}

	ts := evt.Order.TradeTime
	if ts == 0 {
		ts = evt.EventTime
	}
	return []models.LiquidationEvent{{
		Exchange:  ex,
		Symbol:    evt.Order.Symbol,
		Side:      models.SideFromOrder(evt.Order.Side),
		Price:     price,
		Quantity:  qty,
		EventTime: timestampToTime(ts),
	}}, nil
}

type bybitEntry struct {
	Time   int64      `json:"T"`
	Symbol string     `json:"s"`
	Side   string     `json:"S"`
	Size   flexString `json:"v"`
	Price  flexString `json:"p"`
}

type bybitMessage struct {
	Topic string          `json:"topic"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// normalizeBybit reads allLiquidation topics. Data is an array on the
// current stream and an object on the legacy one.
func normalizeBybit(n *Normalizer, raw models.RawLiquidation) ([]models.LiquidationEvent, error) {
	const ex = models.ExchangeBybit

	var msg bybitMessage
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		return nil, failure(ex, "invalid json", err)
	}
	if !strings.Contains(strings.ToLower(msg.Topic), "liquidation") {
		return nil, failure(ex, "not a liquidation topic", nil)
	}

	var entries []bybitEntry
	data := bytes.TrimSpace(msg.Data)
	switch {
	case len(data) == 0:
		return nil, failure(ex, "missing data", nil)
	case data[0] == '[':
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, failure(ex, "invalid data", err)
		}
	default:
		var one bybitEntry
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, failure(ex, "invalid data", err)
		}
		entries = append(entries, one)
	}

	events := make([]models.LiquidationEvent, 0, len(entries))
	for _, e := range entries {
		price, err := parseDecimal(ex, "price", string(e.Price))
		if err != nil {
			return nil, err
		}
		qty, err := parseDecimal(ex, "size", string(e.Size))
		if err != nil {
			return nil, err
		}
		side := models.SideUnknown
		if n.opts.BybitSideIsPosition {
			side = models.SideFromPosition(e.Side)
		}
		ts := e.Time
		if ts == 0 {
			ts = msg.Ts
		}
		events = append(events, models.LiquidationEvent{
			Exchange:  ex,
			Symbol:    e.Symbol,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			EventTime: timestampToTime(ts),
		})
	}
	return events, nil
}

type okxMessage struct {
	Data []struct {
		InstID  string `json:"instId"`
		Details []struct {
			PosSide string     `json:"posSide"`
			BkPx    flexString `json:"bkPx"`
			Sz      flexString `json:"sz"`
			Ts      flexString `json:"ts"`
		} `json:"details"`
	} `json:"data"`
}

// normalizeOKX reads liquidation-orders pushes. Each detail is its own
// liquidation; size is in contracts.
func normalizeOKX(n *Normalizer, raw models.RawLiquidation) ([]models.LiquidationEvent, error) {
	const ex = models.ExchangeOKX

	var msg okxMessage
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		return nil, failure(ex, "invalid json", err)
	}

	var events []models.LiquidationEvent
	for _, d := range msg.Data {
		ctVal := n.contractValue(ex, d.InstID)
		for _, det := range d.Details {
			price, err := parseDecimal(ex, "bkPx", string(det.BkPx))
			if err != nil {
				return nil, err
			}
			contracts, err := parseDecimal(ex, "sz", string(det.Sz))
			if err != nil {
				return nil, err
			}
			events = append(events, models.LiquidationEvent{
				Exchange:  ex,
				Symbol:    d.InstID,
				Side:      models.SideFromPosition(okxPositionSide(det.PosSide)),
				Price:     price,
				Quantity:  contracts.Mul(ctVal),
				EventTime: timestampToTime(det.Ts.int64()),
			})
		}
	}
	return events, nil
}

// okxPositionSide only trusts hedge-mode position sides.
func okxPositionSide(posSide string) string {
	switch strings.ToLower(posSide) {
	case "long", "short":
		return posSide
	default:
		return ""
	}
}

type kucoinMessage struct {
	Subject string `json:"subject"`
	Data    struct {
		Symbol string     `json:"symbol"`
		Size   flexString `json:"size"`
		Price  flexString `json:"price"`
		Ts     int64      `json:"ts"`
	} `json:"data"`
}

// normalizeKucoin reads liquidation executions. The taker side of an
// execution says nothing about which position was closed, so side is
// always unknown.
func normalizeKucoin(n *Normalizer, raw models.RawLiquidation) ([]models.LiquidationEvent, error) {
	const ex = models.ExchangeKucoin

	var msg kucoinMessage
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		return nil, failure(ex, "invalid json", err)
	}
	price, err := parseDecimal(ex, "price", string(msg.Data.Price))
	if err != nil {
		return nil, err
	}
	contracts, err := parseDecimal(ex, "size", string(msg.Data.Size))
	if err != nil {
		return nil, err
	}
	return []models.LiquidationEvent{{
		Exchange:  ex,
		Symbol:    msg.Data.Symbol,
		Side:      models.SideUnknown,
		Price:     price,
		Quantity:  contracts.Mul(n.contractValue(ex, msg.Data.Symbol)),
		EventTime: timestampToTime(msg.Data.Ts),
	}}, nil
}
