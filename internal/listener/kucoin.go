package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"liqwatch/config"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

type kucoinFactory func(cfg config.ListenerConfig, onEvent func(types.WebSocketEvent, string)) (futurespublic.FuturesPublicWS, error)

func defaultKucoinFactory(cfg config.ListenerConfig, onEvent func(types.WebSocketEvent, string)) (futurespublic.FuturesPublicWS, error) {
	wsOptionBuilder := types.NewWebSocketClientOptionBuilder()
	if cfg.ReadBufferBytes > 0 {
		wsOptionBuilder.WithReadBufferBytes(cfg.ReadBufferBytes)
	}
	if cfg.ReadMessageBuffer > 0 {
		wsOptionBuilder.WithReadMessageBuffer(cfg.ReadMessageBuffer)
	}
	wsOptionBuilder.WithEventCallback(onEvent)

	clientOption := types.NewClientOptionBuilder().
		WithFuturesEndpoint(cfg.URL).
		WithWebSocketClientOption(wsOptionBuilder.Build()).
		Build()

	ws := api.NewClient(clientOption).WsService().NewFuturesPublicWS()
	if ws == nil {
		return nil, errors.New("failed to create kucoin futures websocket client")
	}
	return ws, nil
}

// KucoinListener subscribes to the futures execution topic per symbol and
// keeps only executions KuCoin marks as liquidations.
type KucoinListener struct {
	cfg     config.ListenerConfig
	buffer  int
	factory kucoinFactory
}

func NewKucoinListener(cfg config.ListenerConfig, buffer int) *KucoinListener {
	if cfg.URL == "" {
		cfg.URL = "https://api-futures.kucoin.com"
	}
	return &KucoinListener{cfg: cfg, buffer: buffer, factory: defaultKucoinFactory}
}

func (l *KucoinListener) Exchange() string { return models.ExchangeKucoin }

func (l *KucoinListener) Connect(ctx context.Context) (Stream, error) {
	if len(l.cfg.Symbols) == 0 {
		return nil, &ConnectionFailure{Exchange: models.ExchangeKucoin, Stage: StageSubscribe, Err: errors.New("no symbols configured")}
	}

	s := newBridgeStream(models.ExchangeKucoin, l.buffer)
	onEvent := func(event types.WebSocketEvent, msg string) {
		switch event {
		case types.EventClientFail:
			s.log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
			s.failWith(StageRead, fmt.Errorf("%s: %s", event.String(), msg))
		case types.EventErrorReceived:
			s.log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
		}
	}

	ws, err := l.factory(l.cfg, onEvent)
	if err != nil {
		s.set(StateFailed)
		return nil, &ConnectionFailure{Exchange: models.ExchangeKucoin, Stage: StageConnect, Err: err}
	}
	if err := ws.Start(); err != nil {
		s.set(StateFailed)
		return nil, &ConnectionFailure{Exchange: models.ExchangeKucoin, Stage: StageConnect, Err: err}
	}

	s.set(StateSubscribing)
	execs := &kucoinExecutions{stream: s}
	ids := make([]string, 0, len(l.cfg.Symbols))
	for _, sym := range l.cfg.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(sym))
		id, err := ws.Execution(symbol, func(topic, subject string, data *futurespublic.ExecutionEvent) error {
			execs.handle(ctx, topic, subject, data)
			return nil
		})
		if err != nil {
			s.log.WithError(err).WithField("symbol", symbol).Error("failed to subscribe to kucoin execution stream")
			continue
		}
		ids = append(ids, id)
	}
	stop := func() {
		for _, id := range ids {
			if id != "" {
				ws.UnSubscribe(id)
			}
		}
		ws.Stop()
	}
	if len(ids) == 0 {
		stop()
		s.set(StateFailed)
		return nil, &ConnectionFailure{Exchange: models.ExchangeKucoin, Stage: StageSubscribe, Err: errors.New("no execution subscription succeeded")}
	}

	s.start(ctx, stop)
	s.log.WithFields(logger.Fields{"symbols": l.cfg.Symbols}).Info("kucoin liquidation stream started")
	return s, nil
}

// kucoinExecutions forwards executions whose subject marks them as
// liquidations. The public execution topic also carries ordinary "match"
// trades; those are counted and dropped, and the first one is logged so an
// operator can see that the stream is alive but carries no liquidations.
type kucoinExecutions struct {
	stream    *bridgeStream
	skipped   atomic.Int64
	firstSkip sync.Once
}

func (k *kucoinExecutions) handle(ctx context.Context, topic, subject string, data *futurespublic.ExecutionEvent) {
	s := k.stream
	if data == nil {
		return
	}
	if !strings.Contains(strings.ToLower(subject), "liquid") {
		k.skipped.Add(1)
		k.firstSkip.Do(func() {
			s.log.WithFields(logger.Fields{"topic": topic, "subject": subject}).
				Info("kucoin execution stream is up; only liquidation subjects are forwarded")
		})
		return
	}

	clone := *data
	clone.CommonResponse = nil

	payload, err := json.Marshal(struct {
		Topic   string                       `json:"topic"`
		Subject string                       `json:"subject"`
		Data    futurespublic.ExecutionEvent `json:"data"`
	}{
		Topic:   topic,
		Subject: subject,
		Data:    clone,
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal kucoin liquidation event")
		return
	}

	s.push(ctx, models.RawLiquidation{
		Exchange:   models.ExchangeKucoin,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
}
