package listener

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"liqwatch/config"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

// binanceServe starts one liquidation websocket. Closing stopC ends it and
// doneC is closed once it has ended.
type binanceServe func(symbol string, handler futures.WsLiquidationOrderHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

func defaultBinanceServe(symbol string, handler futures.WsLiquidationOrderHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
	if symbol == "" {
		return futures.WsAllLiquidationOrderServe(handler, errHandler)
	}
	return futures.WsLiquidationOrderServe(symbol, handler, errHandler)
}

// BinanceListener streams force orders from the USD-M futures websocket. With
// no symbols configured it follows the all-market stream.
type BinanceListener struct {
	cfg    config.ListenerConfig
	buffer int
	serve  binanceServe
}

func NewBinanceListener(cfg config.ListenerConfig, buffer int) *BinanceListener {
	return &BinanceListener{cfg: cfg, buffer: buffer, serve: defaultBinanceServe}
}

func (l *BinanceListener) Exchange() string { return models.ExchangeBinance }

func (l *BinanceListener) Connect(ctx context.Context) (Stream, error) {
	s := newBridgeStream(models.ExchangeBinance, l.buffer)

	handler := func(event *futures.WsLiquidationOrderEvent) {
		if event == nil {
			return
		}
		payload, err := json.Marshal(event)
		if err != nil {
			s.log.WithError(err).Warn("failed to marshal liquidation event")
			return
		}
		s.push(ctx, models.RawLiquidation{
			Exchange:   models.ExchangeBinance,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
	}
	errHandler := func(err error) {
		if err != nil {
			s.log.WithError(err).Warn("websocket error")
			s.failWith(StageRead, err)
		}
	}

	symbols := l.cfg.Symbols
	if len(symbols) == 0 {
		symbols = []string{""}
	}

	stops := make([]chan struct{}, 0, len(symbols))
	dones := make([]chan struct{}, 0, len(symbols))
	stopAll := func() {
		for _, stopC := range stops {
			close(stopC)
		}
		for _, doneC := range dones {
			<-doneC
		}
	}

	for _, sym := range symbols {
		doneC, stopC, err := l.serve(strings.ToUpper(sym), handler, errHandler)
		if err != nil {
			stopAll()
			s.set(StateFailed)
			return nil, &ConnectionFailure{Exchange: models.ExchangeBinance, Stage: StageConnect, Err: err}
		}
		stops = append(stops, stopC)
		dones = append(dones, doneC)
	}

	s.start(ctx, stopAll)
	for _, doneC := range dones {
		go func(doneC chan struct{}) {
			select {
			case <-doneC:
				s.failWith(StageRead, errors.New("websocket closed by server"))
			case <-s.done:
			}
		}(doneC)
	}

	s.log.WithFields(logger.Fields{"symbols": l.cfg.Symbols}).Info("binance liquidation stream started")
	return s, nil
}
