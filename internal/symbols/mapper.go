package symbols

import "strings"

// multiplierAliases maps venue listings quoted per 1000 units back to the
// base asset symbol.
var multiplierAliases = map[string]map[string]string{
	"binance": {
		"1000BONKUSDT": "BONKUSDT",
		"1000PEPEUSDT": "PEPEUSDT",
		"1000SHIBUSDT": "SHIBUSDT",
	},
	"bybit": {
		"1000BONKUSDT": "BONKUSDT",
		"1000PEPEUSDT": "PEPEUSDT",
		"SHIB1000USDT": "SHIBUSDT",
	},
}

// tradePages holds the futures trading page prefix per venue and whether the
// venue expects a lowercase instrument id.
var tradePages = map[string]struct {
	prefix string
	lower  bool
}{
	"binance": {prefix: "https://www.binance.com/en/futures/"},
	"bybit":   {prefix: "https://www.bybit.com/trade/usdt/"},
	"okx":     {prefix: "https://www.okx.com/trade-swap/", lower: true},
	"kucoin":  {prefix: "https://www.kucoin.com/futures/trade/"},
}

// Canonical converts exchange-specific symbol formats to the plain BTCUSDT
// style subscribers use. Symbols are uppercased, separators removed and XBT
// mapped to BTC.
func Canonical(exchange, sym string) string {
	exchange = strings.ToLower(exchange)
	sym = strings.ToUpper(strings.TrimSpace(sym))

	if alias, ok := multiplierAliases[exchange][sym]; ok {
		return alias
	}
	switch exchange {
	case "kucoin":
		// XBTUSDTM
		sym = strings.TrimSuffix(strings.ReplaceAll(sym, "-", ""), "M")
		if rest, ok := strings.CutPrefix(sym, "XBT"); ok {
			sym = "BTC" + rest
		}
	case "okx":
		// BTC-USDT-SWAP
		sym = strings.ReplaceAll(strings.TrimSuffix(sym, "-SWAP"), "-", "")
	}
	return sym
}

// TradeLink returns the public futures trading page for a native instrument
// id, or "" when the venue has no known page.
func TradeLink(exchange, sym string) string {
	page, ok := tradePages[strings.ToLower(exchange)]
	if !ok || sym == "" {
		return ""
	}
	if page.lower {
		return page.prefix + strings.ToLower(sym)
	}
	return page.prefix + strings.ToUpper(sym)
}
