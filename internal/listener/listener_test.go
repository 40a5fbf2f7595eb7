package listener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liqwatch/config"
)

// wsServer runs fn for every accepted websocket connection and returns the
// ws:// URL of the server.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

const bybitPayload = `{"topic":"allLiquidation.BTCUSDT","type":"snapshot","ts":1,"data":[{"T":1,"s":"BTCUSDT","S":"Sell","v":"0.1","p":"50000"}]}`

func TestBybitListenerSubscribesAndStreams(t *testing.T) {
	subscribed := make(chan []string, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		var req struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Args
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe","conn_id":"x"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(bybitPayload))
	})

	l := NewBybitListener(config.ListenerConfig{URL: url, Symbols: []string{"btcusdt"}})
	stream, err := l.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	if args := <-subscribed; len(args) != 1 || args[0] != "allLiquidation.BTCUSDT" {
		t.Fatalf("unexpected subscribe args: %v", args)
	}

	msg, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if msg.Exchange != "bybit" || string(msg.Payload) != bybitPayload {
		t.Fatalf("unexpected message: %s %s", msg.Exchange, msg.Payload)
	}
	if msg.ReceivedAt.IsZero() {
		t.Fatalf("expected receive time")
	}
	if stream.State() != StateStreaming {
		t.Fatalf("expected streaming state, got %s", stream.State())
	}

	// server handler returned, so the connection is gone
	_, err = stream.Next()
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || cf.Stage != StageRead || cf.Exchange != "bybit" {
		t.Fatalf("expected read failure, got %v", err)
	}
	if stream.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", stream.State())
	}
}

func TestBybitListenerRejectedSubscription(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":false,"ret_msg":"invalid topic","op":"subscribe"}`))
		drain(conn)
	})

	stream, err := NewBybitListener(config.ListenerConfig{URL: url, Symbols: []string{"NOPE"}}).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || cf.Stage != StageSubscribe {
		t.Fatalf("expected subscribe failure, got %v", err)
	}
}

func TestBybitListenerRequiresSymbols(t *testing.T) {
	_, err := NewBybitListener(config.ListenerConfig{URL: "ws://unused"}).Connect(context.Background())
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || cf.Stage != StageSubscribe {
		t.Fatalf("expected subscribe failure, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := NewOKXListener(config.ListenerConfig{URL: url}).Connect(context.Background())
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || cf.Stage != StageConnect || cf.Exchange != "okx" {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestOKXListenerDropsControlFrames(t *testing.T) {
	const payload = `{"arg":{"channel":"liquidation-orders","instType":"SWAP"},"data":[{"instId":"BTC-USDT-SWAP","details":[{"posSide":"long","bkPx":"1","sz":"1","ts":"1"}]}]}`
	url := wsServer(t, func(conn *websocket.Conn) {
		var req struct {
			Op   string   `json:"op"`
			Args []okxArg `json:"args"`
		}
		if err := conn.ReadJSON(&req); err != nil || req.Op != "subscribe" || req.Args[0].Channel != "liquidation-orders" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"liquidation-orders","instType":"SWAP"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		drain(conn)
	})

	stream, err := NewOKXListener(config.ListenerConfig{URL: url}).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	msg, err := stream.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if string(msg.Payload) != payload {
		t.Fatalf("expected data frame, got %s", msg.Payload)
	}
}

func TestOKXListenerErrorEventFailsAttempt(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
		drain(conn)
	})

	stream, err := NewOKXListener(config.ListenerConfig{URL: url}).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	if err == nil || !strings.Contains(err.Error(), "60012") {
		t.Fatalf("expected okx error, got %v", err)
	}
}

func TestWSKeepaliveSendsPing(t *testing.T) {
	pings := make(chan string, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case pings <- string(msg):
			default:
			}
		}
	})

	stream, err := NewOKXListener(config.ListenerConfig{URL: url, PingInterval: 20 * time.Millisecond}).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	select {
	case p := <-pings:
		if p != "ping" {
			t.Fatalf("unexpected keepalive frame %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no keepalive received")
	}
}

func TestWSReadTimeoutFailsAttempt(t *testing.T) {
	url := wsServer(t, drain)

	stream, err := NewOKXListener(config.ListenerConfig{
		URL:          url,
		ReadTimeout:  50 * time.Millisecond,
		PingInterval: time.Hour,
	}).Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	var cf *ConnectionFailure
	if !errors.As(err, &cf) || cf.Stage != StageRead {
		t.Fatalf("expected read timeout failure, got %v", err)
	}
}

func TestWSContextCancelClosesStream(t *testing.T) {
	url := wsServer(t, drain)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewOKXListener(config.ListenerConfig{URL: url}).Connect(ctx)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end after cancel")
	}
	if stream.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", stream.State())
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestBybitControl(t *testing.T) {
	cases := []struct {
		msg     string
		skip    bool
		wantErr bool
	}{
		{`{"op":"ping","success":true,"ret_msg":"pong"}`, true, false},
		{`{"op":"subscribe","success":true}`, true, false},
		{`{"op":"subscribe","success":false,"ret_msg":"bad"}`, true, true},
		{bybitPayload, false, false},
		{`not json`, false, false},
	}
	for _, c := range cases {
		skip, err := bybitControl([]byte(c.msg))
		if skip != c.skip || (err != nil) != c.wantErr {
			t.Errorf("bybitControl(%s) = %v, %v", c.msg, skip, err)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateSubscribing:  "subscribing",
		StateStreaming:    "streaming",
		StateClosed:       "closed",
		StateFailed:       "failed",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s want %s", s, s.String(), want)
		}
	}
	if !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Errorf("unexpected terminal states")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Okx.Enabled = true
	cfg.Source.Binance.Enabled = true

	ls, err := FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if len(ls) != 2 || ls[0].Exchange() != "binance" || ls[1].Exchange() != "okx" {
		t.Fatalf("unexpected listeners: %v", ls)
	}
}

func TestConnectionFailureUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&ConnectionFailure{Exchange: "okx", Stage: StageKeepalive, Err: inner})
	if !errors.Is(err, inner) {
		t.Fatalf("expected unwrap to inner error")
	}
	if !strings.Contains(err.Error(), "keepalive") {
		t.Fatalf("unexpected message: %s", err)
	}
}
