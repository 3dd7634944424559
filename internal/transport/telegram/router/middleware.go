package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "prayerbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// chatLimiter keeps one token bucket per chat. Buckets idle for longer than
// idleTTL are pruned on access.
type chatLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	buckets map[int64]*chatBucket
	pruned  time.Time
}

type chatBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newChatLimiter(perMinute, burst int) *chatLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &chatLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   max(burst, 1),
		idleTTL: 10 * time.Minute,
		buckets: map[int64]*chatBucket{},
	}
}

func (l *chatLimiter) allow(chatID int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.pruned) >= l.idleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.seen) >= l.idleTTL {
				delete(l.buckets, id)
			}
		}
		l.pruned = now
	}
	b := l.buckets[chatID]
	if b == nil {
		b = &chatBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[chatID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// MWChatRateLimit rejects commands from a chat that exceeds its bucket.
// Owners are never throttled. A nil limiter disables the check.
func MWChatRateLimit(l *chatLimiter, reply string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if l == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if req.IsOwner() || l.allow(req.Chat.ChatID, time.Now()) {
				return next(ctx, req)
			}
			req.Logger.Debug("request throttled")
			if reply == "" {
				return nil
			}
			return req.Reply(ctx, reply)
		}
	}
}
