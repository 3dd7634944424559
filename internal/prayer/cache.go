package prayer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"prayerbot/internal/eventbus"
	logx "prayerbot/pkg/logx"
)

// Fetcher returns one month of raw rows, six "HH:MM" cells each in kind
// order, for the month the upstream currently publishes.
type Fetcher interface {
	FetchMonth(ctx context.Context) ([][]string, error)
}

const (
	EventTableRefreshed    = "prayer.table.refreshed"
	EventTableRefreshError = "prayer.table.refresh_failed"
)

type CacheConfig struct {
	// Location is the reference zone used to decide the current month.
	Location    *time.Location
	Corrections Corrections
	// FetchTimeout bounds a single upstream fetch. Zero disables the bound.
	FetchTimeout time.Duration
	// RetryAfter throttles refresh attempts after a failure, both while a
	// stale table is served and while nothing is cached. Zero retries on
	// every call.
	RetryAfter time.Duration
}

// Cache holds the current month's table and refreshes it when the month of
// the caller's clock no longer matches. Concurrent refreshes for the same
// month share one fetch.
type Cache struct {
	cfg     CacheConfig
	fetcher Fetcher
	log     logx.Logger
	bus     eventbus.Publisher

	mu       sync.RWMutex
	table    *Table
	failedAt time.Time
	lastErr  error

	flight  singleflight.Group
	fetches atomic.Uint64
}

func NewCache(cfg CacheConfig, fetcher Fetcher, log logx.Logger, bus eventbus.Publisher) *Cache {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Cache{cfg: cfg, fetcher: fetcher, log: log, bus: bus}
}

// Current returns the table for the month of now, refreshing first when the
// cached table is missing or belongs to another month. When the refresh
// fails a previously cached table is returned unchanged; with nothing cached
// the error wraps ErrNoCacheAvailable.
func (c *Cache) Current(ctx context.Context, now time.Time) (*Table, error) {
	now = now.In(c.cfg.Location)

	c.mu.RLock()
	t, failedAt, lastErr := c.table, c.failedAt, c.lastErr
	c.mu.RUnlock()

	if t.Covers(now) {
		return t, nil
	}
	if c.cfg.RetryAfter > 0 && !failedAt.IsZero() && now.Sub(failedAt) < c.cfg.RetryAfter {
		if t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("%w: retry after %s: %w", ErrNoCacheAvailable, failedAt.Add(c.cfg.RetryAfter).Format(time.TimeOnly), lastErr)
	}

	key := fmt.Sprintf("%04d-%02d", now.Year(), int(now.Month()))
	v, err, shared := c.flight.Do(key, func() (any, error) {
		return c.refresh(ctx, now)
	})
	if shared {
		c.log.Debug("joined in-flight refresh", logx.String("month", key))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Table), nil
}

// Peek returns the cached table without refreshing. It may be nil.
func (c *Cache) Peek() *Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table
}

// Fetches counts upstream fetch attempts.
func (c *Cache) Fetches() uint64 { return c.fetches.Load() }

func (c *Cache) refresh(ctx context.Context, now time.Time) (*Table, error) {
	c.mu.RLock()
	cur := c.table
	c.mu.RUnlock()
	if cur.Covers(now) {
		return cur, nil
	}

	// The fetch is shared by every caller waiting on this month, so it must
	// not die with the first caller's context.
	fctx := context.WithoutCancel(ctx)
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, c.cfg.FetchTimeout)
		defer cancel()
	}

	c.fetches.Add(1)
	start := time.Now()
	raw, err := c.fetcher.FetchMonth(fctx)
	var t *Table
	if err == nil {
		var rejected []error
		t, rejected, err = BuildTable(raw, c.cfg.Corrections, now.Month(), now.Year(), now)
		for _, r := range rejected {
			c.log.Warn("prayer row rejected", logx.Err(r))
		}
	}
	took := time.Since(start)

	if err != nil {
		c.mu.Lock()
		c.failedAt = now
		c.lastErr = err
		prev := c.table
		c.mu.Unlock()

		c.bus.Publish(eventbus.Event{Type: EventTableRefreshError, Data: err.Error()})
		if prev != nil {
			c.log.Warn("prayer table refresh failed, serving stale table",
				logx.Err(err),
				logx.Int("stale_month", int(prev.Month)),
				logx.Int("stale_year", prev.Year),
				logx.Duration("took", took),
			)
			return prev, nil
		}
		c.log.Error("prayer table refresh failed, nothing cached", logx.Err(err), logx.Duration("took", took))
		return nil, fmt.Errorf("%w: %w", ErrNoCacheAvailable, err)
	}

	c.mu.Lock()
	c.table = t
	c.failedAt = time.Time{}
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info("prayer table refreshed",
		logx.Int("month", int(t.Month)),
		logx.Int("year", t.Year),
		logx.Int("days", t.Days()),
		logx.Duration("took", took),
	)
	c.bus.Publish(eventbus.Event{Type: EventTableRefreshed, Data: map[string]int{"month": int(t.Month), "year": t.Year, "days": t.Days()}})
	return t, nil
}
