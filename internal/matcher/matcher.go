// Package matcher decides which recipients are interested in a liquidation.
package matcher

import (
	"sort"
	"strings"

	"liqwatch/internal/models"
	"liqwatch/internal/symbols"
)

// Match returns the sorted, de-duplicated recipient ids whose subscription
// matches the event. A subscription matches when it is enabled, its exchange
// equals the event's, the event symbol is one of its instruments and the
// notional reaches its threshold. Exchange and instrument comparisons ignore
// case.
func Match(event models.LiquidationEvent, subs []models.Subscription) []string {
	if len(subs) == 0 {
		return nil
	}

	notional := event.NotionalValue()
	native := strings.ToUpper(event.Symbol)
	canonical := symbols.Canonical(event.Exchange, event.Symbol)

	seen := make(map[string]struct{})
	for _, sub := range subs {
		if !sub.Enabled || sub.RecipientID == "" {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(sub.Exchange), event.Exchange) {
			continue
		}
		if notional.LessThan(sub.ThresholdNotional) {
			continue
		}
		if !hasInstrument(sub.Instruments, native, canonical) {
			continue
		}
		seen[sub.RecipientID] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func hasInstrument(instruments []string, native, canonical string) bool {
	for _, inst := range instruments {
		inst = strings.ToUpper(strings.TrimSpace(inst))
		if inst == "" {
			continue
		}
		if inst == native || inst == canonical {
			return true
		}
	}
	return false
}
