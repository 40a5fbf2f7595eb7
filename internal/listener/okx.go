package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"liqwatch/config"
	"liqwatch/internal/models"
)

const okxDefaultURL = "wss://ws.okx.com:8443/ws/v5/public"

type okxArg struct {
	Channel  string `json:"channel"`
	InstType string `json:"instType"`
}

type okxEvent struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}

// OKXListener follows the market-wide liquidation-orders channel for
// perpetual swaps. OKX closes idle connections after 30s so the keepalive is
// an application level "ping".
type OKXListener struct {
	cfg config.ListenerConfig
}

func NewOKXListener(cfg config.ListenerConfig) *OKXListener {
	if cfg.URL == "" {
		cfg.URL = okxDefaultURL
	}
	return &OKXListener{cfg: cfg}
}

func (l *OKXListener) Exchange() string { return models.ExchangeOKX }

func (l *OKXListener) Connect(ctx context.Context) (Stream, error) {
	req := struct {
		Op   string   `json:"op"`
		Args []okxArg `json:"args"`
	}{
		Op:   "subscribe",
		Args: []okxArg{{Channel: "liquidation-orders", InstType: "SWAP"}},
	}

	return dialWS(ctx, wsOptions{
		exchange:     models.ExchangeOKX,
		url:          l.cfg.URL,
		subscribe:    req,
		ping:         []byte("ping"),
		pingInterval: l.cfg.PingInterval,
		readTimeout:  l.cfg.ReadTimeout,
		control:      okxControl,
	})
}

func okxControl(msg []byte) (bool, error) {
	if bytes.Equal(bytes.TrimSpace(msg), []byte("pong")) {
		return true, nil
	}
	var evt okxEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return false, nil
	}
	switch evt.Event {
	case "":
		return false, nil
	case "error":
		return true, fmt.Errorf("okx error %s: %s", evt.Code, evt.Msg)
	default:
		return true, nil
	}
}
