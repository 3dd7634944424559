package prayer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "prayerbot/pkg/logx"
)

var msk = time.FixedZone("MSK", 3*3600)

type fakeFetcher struct {
	mu    sync.Mutex
	rows  [][]string
	err   error
	calls atomic.Int32

	entered chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchMonth(ctx context.Context) ([][]string, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.err
}

func (f *fakeFetcher) set(rows [][]string, err error) {
	f.mu.Lock()
	f.rows, f.err = rows, err
	f.mu.Unlock()
}

func monthRows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = []string{"05:00", "06:40", "12:20", "15:10", "18:00", "19:40"}
	}
	return rows
}

func newTestCache(f Fetcher) *Cache {
	return NewCache(CacheConfig{Location: msk, Corrections: DefaultCorrections, FetchTimeout: time.Second}, f, logx.Nop(), nil)
}

func TestCacheIdempotentWithinMonth(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(31)}
	c := newTestCache(f)
	ctx := context.Background()

	a, err := c.Current(ctx, time.Date(2026, 10, 3, 9, 0, 0, 0, msk))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	b, err := c.Current(ctx, time.Date(2026, 10, 28, 23, 59, 0, 0, msk))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical table within one month")
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d want 1", n)
	}
	if got, _ := a.Day(1); got[Fajr] != "04:58" || got[Maghrib] != "18:02" {
		t.Fatalf("corrections not applied: %v", got)
	}
	if c.Peek() != a {
		t.Fatalf("Peek should return the committed table")
	}
}

func TestCacheMonthRollover(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(31)}
	c := newTestCache(f)
	ctx := context.Background()

	oct, err := c.Current(ctx, time.Date(2026, 10, 31, 12, 0, 0, 0, msk))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	// 22:30 UTC on Oct 31 is already November in the reference zone.
	nov, err := c.Current(ctx, time.Date(2026, 10, 31, 22, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fetches=%d want 2", n)
	}
	if oct.Month != time.October || nov.Month != time.November || nov.Year != 2026 {
		t.Fatalf("months: %v %v", oct.Month, nov.Month)
	}
}

func TestCacheFallsBackToStaleTable(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(31)}
	c := newTestCache(f)
	ctx := context.Background()

	oct, err := c.Current(ctx, time.Date(2026, 10, 15, 0, 0, 0, 0, msk))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	f.set(nil, errors.New("upstream down"))

	got, err := c.Current(ctx, time.Date(2026, 11, 1, 0, 5, 0, 0, msk))
	if err != nil {
		t.Fatalf("stale fallback should not error: %v", err)
	}
	if got != oct {
		t.Fatalf("expected the previous table unchanged")
	}
	if got.Month != time.October {
		t.Fatalf("stale table month=%v", got.Month)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fetches=%d want 2", n)
	}
}

func TestCacheNoTableAvailable(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	f := &fakeFetcher{err: cause}
	c := newTestCache(f)

	tbl, err := c.Current(context.Background(), time.Date(2026, 10, 15, 0, 0, 0, 0, msk))
	if tbl != nil {
		t.Fatalf("expected no table")
	}
	if !errors.Is(err, ErrNoCacheAvailable) || !errors.Is(err, cause) {
		t.Fatalf("err=%v", err)
	}
	if c.Peek() != nil {
		t.Fatalf("nothing should be committed")
	}
}

func TestCacheRejectsEmptyFetch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: [][]string{{"broken"}, {"05:00", "x", "12:00", "15:00", "18:00", "19:00"}}}
	c := newTestCache(f)

	_, err := c.Current(context.Background(), time.Date(2026, 10, 15, 0, 0, 0, 0, msk))
	if !errors.Is(err, ErrNoCacheAvailable) || !errors.Is(err, ErrNoDataFetched) {
		t.Fatalf("err=%v", err)
	}
}

func TestCacheConcurrentRefreshSharesFetch(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(30), entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestCache(f)
	now := time.Date(2026, 11, 1, 0, 0, 1, 0, msk)

	const n = 16
	var wg sync.WaitGroup
	tables := make([]*Table, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tables[i], errs[i] = c.Current(context.Background(), now)
		}(i)
	}

	<-f.entered
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("fetches=%d want 1", got)
	}
	for i := range tables {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tables[i] != tables[0] {
			t.Fatalf("caller %d saw a different table", i)
		}
	}
}

func TestCacheFetchTimeout(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(31), release: make(chan struct{})}
	c := NewCache(CacheConfig{Location: msk, FetchTimeout: 20 * time.Millisecond}, f, logx.Nop(), nil)

	_, err := c.Current(context.Background(), time.Date(2026, 10, 15, 0, 0, 0, 0, msk))
	if !errors.Is(err, ErrNoCacheAvailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestCacheRetryAfterThrottlesFailedRefresh(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{rows: monthRows(31)}
	c := NewCache(CacheConfig{Location: msk, RetryAfter: time.Minute}, f, logx.Nop(), nil)
	ctx := context.Background()

	if _, err := c.Current(ctx, time.Date(2026, 10, 15, 0, 0, 0, 0, msk)); err != nil {
		t.Fatalf("Current: %v", err)
	}
	f.set(nil, errors.New("down"))

	t0 := time.Date(2026, 11, 1, 0, 0, 0, 0, msk)
	for _, now := range []time.Time{t0, t0.Add(10 * time.Second), t0.Add(59 * time.Second)} {
		if _, err := c.Current(ctx, now); err != nil {
			t.Fatalf("Current: %v", err)
		}
	}
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("fetches=%d want 2 while throttled", got)
	}

	f.set(monthRows(30), nil)
	nov, err := c.Current(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if nov.Month != time.November || f.calls.Load() != 3 {
		t.Fatalf("expected a fresh November table after the throttle window")
	}
}

func TestCacheRetryAfterWithNothingCached(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{release: make(chan struct{})}
	c := NewCache(CacheConfig{Location: msk, FetchTimeout: 20 * time.Millisecond, RetryAfter: time.Minute}, f, logx.Nop(), nil)
	ctx := context.Background()

	t0 := time.Date(2026, 10, 15, 0, 0, 0, 0, msk)
	if _, err := c.Current(ctx, t0); !errors.Is(err, ErrNoCacheAvailable) {
		t.Fatalf("first call err=%v", err)
	}

	start := time.Now()
	for i := range 10 {
		_, err := c.Current(ctx, t0.Add(time.Duration(i)*time.Second))
		if !errors.Is(err, ErrNoCacheAvailable) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d err=%v", i, err)
		}
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("throttled calls took %v, expected no fetch wait", took)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d want 1 inside the retry window", n)
	}

	close(f.release)
	f.set(monthRows(31), nil)
	if _, err := c.Current(ctx, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("Current after the window: %v", err)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("fetches=%d want 2", n)
	}
}
