package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"liqwatch/config"
	"liqwatch/internal/models"
)

const bybitDefaultURL = "wss://stream.bybit.com/v5/public/linear"

type bybitSubscriptionAck struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// BybitListener subscribes to allLiquidation topics for the configured
// symbols on the public linear stream.
type BybitListener struct {
	cfg config.ListenerConfig
}

func NewBybitListener(cfg config.ListenerConfig) *BybitListener {
	if cfg.URL == "" {
		cfg.URL = bybitDefaultURL
	}
	return &BybitListener{cfg: cfg}
}

func (l *BybitListener) Exchange() string { return models.ExchangeBybit }

func (l *BybitListener) Connect(ctx context.Context) (Stream, error) {
	topics := make([]string, 0, len(l.cfg.Symbols))
	for _, sym := range l.cfg.Symbols {
		topics = append(topics, "allLiquidation."+strings.ToUpper(strings.TrimSpace(sym)))
	}
	if len(topics) == 0 {
		return nil, &ConnectionFailure{Exchange: models.ExchangeBybit, Stage: StageSubscribe, Err: fmt.Errorf("no symbols configured")}
	}

	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  topics,
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}

	return dialWS(ctx, wsOptions{
		exchange:     models.ExchangeBybit,
		url:          l.cfg.URL,
		subscribe:    req,
		ping:         []byte(`{"op":"ping"}`),
		pingInterval: l.cfg.PingInterval,
		readTimeout:  l.cfg.ReadTimeout,
		control:      bybitControl,
	})
}

// bybitControl drops op replies (subscribe acks, pongs) and fails the attempt
// on a rejected subscription.
func bybitControl(msg []byte) (bool, error) {
	var ack bybitSubscriptionAck
	if err := json.Unmarshal(msg, &ack); err != nil {
		return false, nil
	}
	if ack.Op == "" {
		return false, nil
	}
	if ack.Op == "subscribe" && ack.Success != nil && !*ack.Success {
		return true, fmt.Errorf("subscription rejected: %s", ack.RetMsg)
	}
	return true, nil
}
