package dispatcher

import (
	"testing"

	"github.com/shopspring/decimal"

	"liqwatch/internal/models"
)

func TestRender(t *testing.T) {
	ev := models.LiquidationEvent{
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		Side:          models.SideFromOrder("SELL"),
		Price:         decimal.NewFromInt(50000),
		Quantity:      decimal.RequireFromString("0.1"),
		ReferenceLink: "https://www.binance.com/en/futures/BTCUSDT",
	}
	want := "💥 Liquidation on Binance!\n" +
		"📌 BTCUSDT | Long liquidation (price went down)\n" +
		"💰 Volume: 5,000 USDT\n" +
		"💵 Price: 50000\n" +
		"🔗 Link: https://www.binance.com/en/futures/BTCUSDT\n"
	if got := Render(ev); got != want {
		t.Fatalf("unexpected render:\n%s\nwant:\n%s", got, want)
	}
	if Render(ev) != Render(ev) {
		t.Fatalf("render is not deterministic")
	}

	ev.ReferenceLink = ""
	ev.Exchange = "kucoin"
	ev.Side = models.SideUnknown
	want = "💥 Liquidation on KuCoin!\n" +
		"📌 BTCUSDT | Unknown liquidation side\n" +
		"💰 Volume: 5,000 USDT\n" +
		"💵 Price: 50000\n"
	if got := Render(ev); got != want {
		t.Fatalf("unexpected render without link:\n%s", got)
	}
}

func TestSideText(t *testing.T) {
	cases := map[string]string{
		"BUY":  "Short liquidation (price went up)",
		"SELL": "Long liquidation (price went down)",
		"":     "Unknown liquidation side",
		"FOO":  "Unknown liquidation side",
	}
	for side, want := range cases {
		if got := SideText(models.SideFromOrder(side)); got != want {
			t.Errorf("SideText(%q) = %q want %q", side, got, want)
		}
	}
}

func TestFormatNotional(t *testing.T) {
	cases := map[string]string{
		"0":          "0",
		"999.4":      "999",
		"999.5":      "1,000",
		"5000":       "5,000",
		"123456":     "123,456",
		"1234567.89": "1,234,568",
		"-2500":      "-2,500",
	}
	for in, want := range cases {
		if got := FormatNotional(decimal.RequireFromString(in)); got != want {
			t.Errorf("FormatNotional(%s) = %s want %s", in, got, want)
		}
	}
}
