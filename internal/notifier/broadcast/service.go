package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	rtsup "prayerbot/internal/runtime/supervisor"
	"prayerbot/internal/transport"
	logx "prayerbot/pkg/logx"
)

func New(cfg Config, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Service{
		cfg:       cfg,
		sender:    sender,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

// SetRate swaps the send rate limit of running and future jobs.
func (s *Service) SetRate(perSec int) {
	if perSec <= 0 {
		return
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart0(fmt.Sprintf("broadcast.worker.%d", i), func(c context.Context) {
			s.worker(c, q)
		})
	}
	s.log.Debug("broadcast service started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels running jobs and waits for the workers until ctx expires.
// Queued jobs are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.queue = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
}

// Submit queues a job and returns its id. onDone, when set, runs on the
// worker after the last target was attempted.
func (s *Service) Submit(name string, targets []transport.ChatTarget, text string, opt *transport.SendOptions, onDone func(JobStatus)) (string, error) {
	now := time.Now()
	id := fmt.Sprintf("bc:%d", now.UnixNano())

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return "", ErrNotRunning
	}

	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: name, Total: len(targets), CreatedAt: now}
	s.statusMu.Unlock()

	select {
	case q <- job{id: id, name: name, targets: targets, text: text, opt: opt, onDone: onDone}:
		s.log.Debug("broadcast job queued", logx.String("job", id), logx.Int("total", len(targets)))
		return id, nil
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		return "", ErrQueueFull
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]transport.ChatTarget(nil), st.Failures...)
	return cp, true
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.Running && now.Sub(st.CreatedAt) > s.statusTTL {
			delete(s.status, id)
		}
	}
	for len(s.status) >= s.statusMax {
		var oldest string
		var oldestAt time.Time
		for id, st := range s.status {
			if st.Running {
				continue
			}
			if oldest == "" || st.CreatedAt.Before(oldestAt) {
				oldest, oldestAt = id, st.CreatedAt
			}
		}
		if oldest == "" {
			return
		}
		delete(s.status, oldest)
	}
}
