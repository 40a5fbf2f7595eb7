package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"liqwatch/internal/metrics"
	"liqwatch/internal/models"
	"liqwatch/logger"
)

// CacheOptions bound how stale a matching decision may be.
type CacheOptions struct {
	// RefreshInterval is the minimum age before a snapshot is refetched. Zero
	// fetches for every event.
	RefreshInterval time.Duration
	// MaxStale is how old the last good snapshot may get while the store is
	// unavailable. Zero skips events as soon as a fetch fails.
	MaxStale     time.Duration
	FetchTimeout time.Duration
	// RetryInterval is how long a failed fetch is remembered. Inside that
	// window Snapshot answers from the fallback policy without calling the
	// store. Zero means RefreshInterval, or one second when that is zero too.
	RetryInterval time.Duration

	Now func() time.Time
}

// Cache serves snapshots from a Provider. Concurrent refreshes collapse into
// a single fetch.
type Cache struct {
	provider Provider
	opts     CacheOptions
	group    singleflight.Group
	log      *logger.Log

	mu       sync.RWMutex
	last     models.Snapshot
	hasLast  bool
	failedAt time.Time
	failErr  error
}

func NewCache(p Provider, opts CacheOptions) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = opts.RefreshInterval
		if opts.RetryInterval <= 0 {
			opts.RetryInterval = time.Second
		}
	}
	return &Cache{provider: p, opts: opts, log: logger.GetLogger()}
}

// Snapshot returns a snapshot no older than RefreshInterval when the store is
// reachable, or the last good one while it is younger than MaxStale. Otherwise
// it returns ErrNoSnapshot. After a failed fetch the store is not asked again
// until RetryInterval has passed.
func (c *Cache) Snapshot(ctx context.Context) (models.Snapshot, error) {
	now := c.opts.Now()
	c.mu.RLock()
	last, ok := c.last, c.hasLast
	failedAt, failErr := c.failedAt, c.failErr
	c.mu.RUnlock()

	if ok && c.opts.RefreshInterval > 0 && last.Age(now) < c.opts.RefreshInterval {
		return last, nil
	}
	if failErr != nil && now.Sub(failedAt) < c.opts.RetryInterval {
		return c.fallback(failErr, false)
	}

	v, err, _ := c.group.Do("snapshot", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err == nil {
		return v.(models.Snapshot), nil
	}
	return c.fallback(err, true)
}

// fallback applies the store-unavailable policy. fresh is false when the
// failure is a remembered one and the store was not called.
func (c *Cache) fallback(err error, fresh bool) (models.Snapshot, error) {
	log := c.log.WithComponent("snapshot_cache").WithError(err)
	if fresh {
		metrics.EmitMetric(c.log, "snapshot_cache", "refresh_failed", 1, "counter", nil)
	}

	last, ok := c.lastGood()
	if ok && c.opts.MaxStale > 0 {
		age := last.Age(c.opts.Now())
		if age <= c.opts.MaxStale {
			entry := log.WithFields(logger.Fields{"age": age.String()})
			if fresh {
				entry.Warn("subscription store unavailable, using last known snapshot")
			} else {
				entry.Debug("store retry pending, using last known snapshot")
			}
			return last, nil
		}
	}
	return models.Snapshot{}, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
}

func (c *Cache) refresh(ctx context.Context) (models.Snapshot, error) {
	fetchCtx := ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	subs, err := c.provider.Fetch(fetchCtx)
	if err != nil {
		c.mu.Lock()
		c.failedAt = c.opts.Now()
		c.failErr = err
		c.mu.Unlock()
		return models.Snapshot{}, err
	}

	enabled := make([]models.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	snap := models.Snapshot{Subscriptions: enabled, FetchedAt: c.opts.Now()}

	c.mu.Lock()
	c.last = snap
	c.hasLast = true
	c.failedAt = time.Time{}
	c.failErr = nil
	c.mu.Unlock()

	metrics.EmitMetric(c.log, "snapshot_cache", "subscriptions", len(enabled), "gauge", nil)
	return snap, nil
}

func (c *Cache) lastGood() (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.hasLast
}
