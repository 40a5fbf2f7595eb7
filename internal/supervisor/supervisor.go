// Package supervisor keeps one listener task per exchange alive. A listener
// whose stream ends is restarted after a backoff; the others keep running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"liqwatch/config"
	"liqwatch/internal/listener"
	metrics "liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

// Handler consumes raw messages on the listener's goroutine.
type Handler func(ctx context.Context, msg models.RawLiquidation)

type Options struct {
	Strategy   string
	Backoff    time.Duration
	MaxBackoff time.Duration
	// ResetAfter resets the exponential backoff once a stream stayed up this
	// long.
	ResetAfter time.Duration
}

// OptionsFromConfig maps the supervisor config section.
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		Strategy:   cfg.Strategy,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
		ResetAfter: cfg.ResetAfter,
	}
}

// ListenerStatus is a point-in-time view of one listener task.
type ListenerStatus struct {
	Exchange    string
	State       listener.State
	Restarts    int
	LastError   string
	ConnectedAt time.Time
}

type Supervisor struct {
	listeners []listener.Listener
	handle    Handler
	opts      Options
	log       *logger.Log

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	streams  map[string]listener.Stream
	statuses map[string]*ListenerStatus
}

func New(listeners []listener.Listener, handle Handler, opts Options) *Supervisor {
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.Strategy == "" {
		opts.Strategy = config.BackoffFixed
	}
	return &Supervisor{
		listeners: listeners,
		handle:    handle,
		opts:      opts,
		log:       logger.GetLogger(),
		sleep:     waitForReconnect,
		now:       time.Now,
		streams:   make(map[string]listener.Stream),
		statuses:  make(map[string]*ListenerStatus),
	}
}

// Start launches one task per listener and returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no listeners configured")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, l := range s.listeners {
		s.statuses[l.Exchange()] = &ListenerStatus{Exchange: l.Exchange(), State: listener.StateDisconnected}
	}
	s.mu.Unlock()

	log := s.log.WithComponent("supervisor")
	log.WithFields(logger.Fields{
		"listeners": len(s.listeners),
		"strategy":  s.opts.Strategy,
		"backoff":   s.opts.Backoff.String(),
	}).Info("starting listener supervisor")

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.run(runCtx, l)
	}
	return nil
}

// Stop cancels every listener task, closes live streams and waits for the
// tasks to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	streams := make([]listener.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	s.log.WithComponent("supervisor").Info("stopping listener supervisor")
	cancel()
	for _, st := range streams {
		_ = st.Close()
	}
	s.wg.Wait()
	s.log.WithComponent("supervisor").Info("listener supervisor stopped")
}

// Status returns listener statuses ordered by exchange.
func (s *Supervisor) Status() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ListenerStatus, 0, len(s.statuses))
	for ex, st := range s.statuses {
		cp := *st
		if stream, ok := s.streams[ex]; ok {
			cp.State = stream.State()
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

func (s *Supervisor) run(ctx context.Context, l listener.Listener) {
	defer s.wg.Done()
	exchange := l.Exchange()
	log := s.log.WithComponent("supervisor").WithExchange(exchange)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(exchange, listener.StateConnecting)
		stream, err := l.Connect(ctx)
		if err == nil {
			started := s.now()
			s.attach(exchange, stream, started)
			metrics.EmitMetric(s.log, "supervisor", "listener_connected", 1, "gauge", logger.Fields{"exchange": exchange})
			log.Info("listener streaming")

			err = s.consume(ctx, stream)
			_ = stream.Close()
			s.detach(exchange, stream.State())
			metrics.EmitMetric(s.log, "supervisor", "listener_connected", 0, "gauge", logger.Fields{"exchange": exchange})

			if s.opts.ResetAfter > 0 && s.now().Sub(started) >= s.opts.ResetAfter {
				attempt = 0
			}
		} else {
			s.setState(exchange, listener.StateFailed)
		}

		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := s.delay(attempt)
		s.recordFailure(exchange, err)
		metrics.EmitMetric(s.log, "supervisor", "listener_restarts", 1, "counter", logger.Fields{"exchange": exchange})

		entry := log.WithFields(logger.Fields{"attempt": attempt, "backoff": delay.String()})
		var cf *listener.ConnectionFailure
		if errors.As(err, &cf) {
			entry = entry.WithField("stage", string(cf.Stage))
		}
		entry.WithError(err).Warn("listener terminated, restarting after backoff")

		if !s.sleep(ctx, delay) {
			return
		}
	}
}

// consume hands every message to the handler until the stream ends.
func (s *Supervisor) consume(ctx context.Context, stream listener.Stream) error {
	for {
		msg, err := stream.Next()
		if err != nil {
			return err
		}
		s.handle(ctx, msg)
	}
}

// delay is the wait before restart attempt n (1-based).
func (s *Supervisor) delay(attempt int) time.Duration {
	if s.opts.Strategy != config.BackoffExponential || attempt <= 1 {
		return s.opts.Backoff
	}
	d := s.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.opts.MaxBackoff > 0 && d >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return d
}

func (s *Supervisor) attach(exchange string, stream listener.Stream, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[exchange] = stream
	if st, ok := s.statuses[exchange]; ok {
		st.ConnectedAt = at
		st.State = stream.State()
	}
}

func (s *Supervisor) detach(exchange string, state listener.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, exchange)
	if st, ok := s.statuses[exchange]; ok {
		st.State = state
	}
}

func (s *Supervisor) setState(exchange string, state listener.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[exchange]; ok {
		st.State = state
	}
}

func (s *Supervisor) recordFailure(exchange string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[exchange]; ok {
		st.Restarts++
		if err != nil {
			st.LastError = err.Error()
		}
	}
}

// waitForReconnect sleeps for delay. It returns false when ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
