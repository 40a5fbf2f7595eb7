// Package listener holds one streaming connection per exchange liquidation
// feed. A Listener never reconnects on its own: every Connect call is a single
// attempt and the returned Stream ends when the connection ends.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"liqwatch/internal/models"
)

// ErrStreamClosed is returned by Next once the stream was closed on request.
var ErrStreamClosed = errors.New("listener: stream closed")

// Listener opens connection attempts to one exchange.
type Listener interface {
	Exchange() string
	Connect(ctx context.Context) (Stream, error)
}

// Stream is a lazy sequence of raw messages for one connection attempt. Next
// blocks until a message arrives or the connection ends. Close is safe to call
// more than once and from another goroutine.
type Stream interface {
	Next() (models.RawLiquidation, error)
	Close() error
	State() State
}

// State tracks one connection attempt. Closed and Failed are terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further messages can be produced.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Stage names the step of an attempt that failed.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageSubscribe Stage = "subscribe"
	StageRead      Stage = "read"
	StageKeepalive Stage = "keepalive"
)

// ConnectionFailure is a transient, connection-level error. The supervisor
// restarts the listener after a backoff.
type ConnectionFailure struct {
	Exchange string
	Stage    Stage
	Err      error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("%s listener %s failed: %v", e.Exchange, e.Stage, e.Err)
}

func (e *ConnectionFailure) Unwrap() error { return e.Err }

// stateHolder is embedded by stream implementations.
type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) State() State { return State(h.v.Load()) }

func (h *stateHolder) set(s State) { h.v.Store(int32(s)) }

// finish moves to a terminal state unless one was already reached.
func (h *stateHolder) finish(s State) {
	for {
		cur := h.v.Load()
		if State(cur).Terminal() {
			return
		}
		if h.v.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
