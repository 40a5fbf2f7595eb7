package listener

import (
	"context"
	"errors"
	"sync"

	liqchannel "liqwatch/internal/channel/liq"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

// bridgeStream adapts SDK callback APIs to the pull-based Stream. SDK
// callbacks push into a bounded buffer; a full buffer drops the message.
type bridgeStream struct {
	stateHolder
	exchange string
	channels *liqchannel.Channels
	log      *logger.Entry

	done      chan struct{}
	closeOnce sync.Once
	stop      func()

	errMu   sync.Mutex
	failErr error
}

func newBridgeStream(exchange string, buffer int) *bridgeStream {
	s := &bridgeStream{
		exchange: exchange,
		channels: liqchannel.NewChannels(exchange, buffer),
		log:      logger.GetLogger().WithComponent(exchange + "_listener"),
		done:     make(chan struct{}),
	}
	s.set(StateConnecting)
	return s
}

// start marks the stream live and closes it when ctx is done.
func (s *bridgeStream) start(ctx context.Context, stop func()) {
	s.stop = stop
	s.set(StateStreaming)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
}

// push is called from SDK callbacks and never blocks.
func (s *bridgeStream) push(ctx context.Context, msg models.RawLiquidation) {
	if !s.channels.SendRaw(ctx, msg) && ctx.Err() == nil && !s.State().Terminal() {
		s.log.Warn("liquidation bridge buffer full, dropping message")
	}
}

// failWith reports a connection-level error from the SDK. Only the first
// one is kept.
func (s *bridgeStream) failWith(stage Stage, err error) {
	if err == nil {
		err = errors.New("stream ended")
	}
	s.channels.SendErr(&ConnectionFailure{Exchange: s.exchange, Stage: stage, Err: err})
}

func (s *bridgeStream) Next() (models.RawLiquidation, error) {
	select {
	case msg, ok := <-s.channels.Raw:
		if ok {
			return msg, nil
		}
		return models.RawLiquidation{}, s.endErr(nil)
	case err, ok := <-s.channels.Errs:
		if !ok {
			err = nil
		}
		return models.RawLiquidation{}, s.endErr(err)
	case <-s.done:
		return models.RawLiquidation{}, s.endErr(nil)
	}
}

// endErr terminates the stream and returns the error every later Next
// reports: ErrStreamClosed after Close, otherwise the first SDK failure.
func (s *bridgeStream) endErr(cause error) error {
	if s.State() == StateClosed {
		return ErrStreamClosed
	}
	s.errMu.Lock()
	if s.failErr == nil {
		s.failErr = cause
		if s.failErr == nil {
			s.failErr = &ConnectionFailure{Exchange: s.exchange, Stage: StageRead, Err: errors.New("stream ended")}
		}
	}
	err := s.failErr
	s.errMu.Unlock()

	s.finish(StateFailed)
	s.shutdown()
	return err
}

func (s *bridgeStream) Close() error {
	s.finish(StateClosed)
	s.shutdown()
	return nil
}

func (s *bridgeStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
		s.channels.Close()
		stats := s.channels.GetStats()
		s.log.WithFields(logger.Fields{
			"state":       s.State().String(),
			"raw_sent":    stats.RawSent,
			"raw_dropped": stats.RawDropped,
		}).Info("liquidation stream closed")
	})
}
