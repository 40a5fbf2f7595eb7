// Package liq bridges exchange SDK callbacks into a bounded buffer of raw
// liquidation messages that a listener stream can pull from.
package liq

import (
	"context"
	"sync"

	"liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels carries raw messages for a single exchange. Sends never block the
// producer: a full buffer drops the message and records it.
type Channels struct {
	Raw  chan models.RawLiquidation
	Errs chan error

	exchange   string
	closed     bool
	closeMutex sync.RWMutex

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(exchange string, rawBufferSize int) *Channels {
	if rawBufferSize <= 0 {
		rawBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Raw:      make(chan models.RawLiquidation, rawBufferSize),
		Errs:     make(chan error, 1),
		exchange: exchange,
		log:      log,
	}

	log.WithComponent("liq_channels").WithFields(logger.Fields{
		"exchange":        exchange,
		"raw_buffer_size": rawBufferSize,
	}).Debug("liquidation channels initialized")

	return c
}

// Close is safe to call more than once and concurrently with SendRaw.
func (c *Channels) Close() {
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Raw)
	close(c.Errs)
	c.log.WithComponent("liq_channels").WithExchange(c.exchange).Debug("liquidation channels closed")
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

// SendRaw enqueues msg without blocking. It returns false when the buffer is
// full, the context is done or the channels are closed.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawLiquidation) bool {
	c.closeMutex.RLock()
	defer c.closeMutex.RUnlock()
	if c.closed {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		return true
	default:
		c.IncrementRawDropped()
		metrics.EmitDropMetric(c.log, metrics.DropMetricLiquidationRaw, c.exchange, "bridge")
		return false
	}
}

// SendErr records the first terminal error reported by the SDK. Later errors
// are discarded.
func (c *Channels) SendErr(err error) {
	c.closeMutex.RLock()
	defer c.closeMutex.RUnlock()
	if c.closed || err == nil {
		return
	}
	select {
	case c.Errs <- err:
	default:
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
