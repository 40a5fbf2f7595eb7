package listener

import (
	"fmt"
	"sort"

	"liqwatch/config"
	"liqwatch/internal/models"
)

// FromConfig builds one listener per enabled source, ordered by exchange.
func FromConfig(cfg *config.Config) ([]Listener, error) {
	sources := cfg.EnabledSources()
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	listeners := make([]Listener, 0, len(names))
	for _, name := range names {
		lc := sources[name]
		switch name {
		case models.ExchangeBinance:
			listeners = append(listeners, NewBinanceListener(lc, cfg.Channels.RawBuffer))
		case models.ExchangeBybit:
			listeners = append(listeners, NewBybitListener(lc))
		case models.ExchangeOKX:
			listeners = append(listeners, NewOKXListener(lc))
		case models.ExchangeKucoin:
			listeners = append(listeners, NewKucoinListener(lc, cfg.Channels.RawBuffer))
		default:
			return nil, fmt.Errorf("unsupported source %q", name)
		}
	}
	return listeners, nil
}
