package listener

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liqwatch/internal/models"
	"liqwatch/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
	writeWait          = time.Second
)

// controlFunc inspects a frame before it is handed out. skip drops the frame;
// a non-nil error fails the attempt at the subscribe stage.
type controlFunc func(msg []byte) (skip bool, err error)

type wsOptions struct {
	exchange     string
	url          string
	subscribe    interface{}
	ping         []byte
	pingInterval time.Duration
	readTimeout  time.Duration
	control      controlFunc
	header       http.Header
	dialer       *websocket.Dialer
}

// dialWS performs one connect+subscribe attempt and starts the keepalive
// loop. The returned stream closes itself when ctx is done.
func dialWS(ctx context.Context, opts wsOptions) (*wsStream, error) {
	if opts.pingInterval <= 0 {
		opts.pingInterval = defaultKeepAlive
	}
	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}
	if opts.dialer == nil {
		opts.dialer = websocket.DefaultDialer
	}

	s := &wsStream{
		opts:    opts,
		done:    make(chan struct{}),
		pingErr: make(chan error, 1),
		log: logger.GetLogger().WithComponent(opts.exchange + "_listener").WithFields(logger.Fields{
			"url": opts.url,
		}),
	}
	s.set(StateConnecting)

	conn, _, err := opts.dialer.DialContext(ctx, opts.url, opts.header)
	if err != nil {
		s.set(StateFailed)
		return nil, &ConnectionFailure{Exchange: opts.exchange, Stage: StageConnect, Err: err}
	}
	s.conn = conn

	if opts.subscribe != nil {
		s.set(StateSubscribing)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(opts.subscribe); err != nil {
			s.set(StateFailed)
			conn.Close()
			return nil, &ConnectionFailure{Exchange: opts.exchange, Stage: StageSubscribe, Err: err}
		}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
	})

	s.set(StateStreaming)
	s.wg.Add(2)
	go s.pingLoop()
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.finish(StateClosed)
			s.shutdown()
		case <-s.done:
		}
	}()

	s.log.Info("websocket connected")
	return s, nil
}

type wsStream struct {
	stateHolder
	opts wsOptions
	conn *websocket.Conn
	log  *logger.Entry

	done      chan struct{}
	closeOnce sync.Once
	pingErr   chan error
	wg        sync.WaitGroup
}

func (s *wsStream) Next() (models.RawLiquidation, error) {
	for {
		if s.State().Terminal() {
			return models.RawLiquidation{}, s.terminalErr(nil)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return models.RawLiquidation{}, s.terminalErr(err)
		}
		if s.opts.control != nil {
			skip, cerr := s.opts.control(msg)
			if cerr != nil {
				s.fail()
				return models.RawLiquidation{}, &ConnectionFailure{Exchange: s.opts.exchange, Stage: StageSubscribe, Err: cerr}
			}
			if skip {
				continue
			}
		}
		return models.RawLiquidation{
			Exchange:   s.opts.exchange,
			Payload:    msg,
			ReceivedAt: time.Now().UTC(),
		}, nil
	}
}

// terminalErr maps a read error to ErrStreamClosed after Close, to a
// keepalive failure when the ping loop broke the connection and to a read
// failure otherwise.
func (s *wsStream) terminalErr(readErr error) error {
	select {
	case <-s.done:
		if s.State() == StateClosed {
			return ErrStreamClosed
		}
	default:
	}
	select {
	case perr := <-s.pingErr:
		s.fail()
		return &ConnectionFailure{Exchange: s.opts.exchange, Stage: StageKeepalive, Err: perr}
	default:
	}
	if readErr == nil {
		readErr = errors.New("connection ended")
	}
	s.fail()
	return &ConnectionFailure{Exchange: s.opts.exchange, Stage: StageRead, Err: readErr}
}

func (s *wsStream) fail() {
	s.finish(StateFailed)
	s.shutdown()
}

// Close ends the attempt on request.
func (s *wsStream) Close() error {
	s.finish(StateClosed)
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *wsStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = s.conn.Close()
		s.log.WithFields(logger.Fields{"state": s.State().String()}).Info("websocket closed")
	})
}

func (s *wsStream) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			var err error
			if len(s.opts.ping) > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = s.conn.WriteMessage(websocket.TextMessage, s.opts.ping)
			} else {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				s.log.WithError(err).Warn("failed to send websocket ping")
				select {
				case s.pingErr <- err:
				default:
				}
				_ = s.conn.Close()
				return
			}
		}
	}
}
