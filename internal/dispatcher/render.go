package dispatcher

import (
	"strings"

	"github.com/shopspring/decimal"

	"liqwatch/internal/models"
)

var exchangeNames = map[string]string{
	models.ExchangeBinance: "Binance",
	models.ExchangeBybit:   "Bybit",
	models.ExchangeOKX:     "OKX",
	models.ExchangeKucoin:  "KuCoin",
}

// SideText is the human readable side classification.
func SideText(side models.Side) string {
	switch side {
	case models.SideShort:
		return "Short liquidation (price went up)"
	case models.SideLong:
		return "Long liquidation (price went down)"
	default:
		return "Unknown liquidation side"
	}
}

// Render builds the notification text. The output depends only on the event.
func Render(event models.LiquidationEvent) string {
	name, ok := exchangeNames[strings.ToLower(event.Exchange)]
	if !ok {
		name = event.Exchange
	}

	var b strings.Builder
	b.WriteString("💥 Liquidation on " + name + "!\n")
	b.WriteString("📌 " + event.Symbol + " | " + SideText(event.Side) + "\n")
	b.WriteString("💰 Volume: " + FormatNotional(event.NotionalValue()) + " USDT\n")
	b.WriteString("💵 Price: " + event.Price.String() + "\n")
	if event.ReferenceLink != "" {
		b.WriteString("🔗 Link: " + event.ReferenceLink + "\n")
	}
	return b.String()
}

// FormatNotional rounds to whole units and groups thousands: 1234567.8 is
// "1,234,568".
func FormatNotional(v decimal.Decimal) string {
	s := v.Round(0).StringFixed(0)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}

	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return sign + b.String()
}
