package broadcast

import (
	"context"
	"errors"
	"time"

	"prayerbot/internal/transport"
	logx "prayerbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	s.update(j.id, func(st *JobStatus) {
		st.StartedAt = time.Now()
		st.Running = true
	})
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.targets)))

	for _, t := range j.targets {
		if ctx.Err() != nil {
			break
		}
		err := s.sendOne(ctx, j, t)
		s.update(j.id, func(st *JobStatus) {
			st.Done++
			if err == nil {
				return
			}
			st.Failed++
			st.LastError = err.Error()
			if errors.Is(err, transport.ErrUnreachable) {
				st.Unreachable++
			}
			if len(st.Failures) < maxFailures {
				st.Failures = append(st.Failures, t)
			}
		})
	}
	s.update(j.id, func(st *JobStatus) {
		st.DoneAt = time.Now()
		st.Running = false
	})

	st, _ := s.Status(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Int("total", st.Total),
		logx.Int("done", st.Done),
		logx.Int("failed", st.Failed),
		logx.Duration("took", st.Took()),
	}
	if st.Failed > st.Unreachable {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
	if j.onDone != nil {
		j.onDone(st)
	}
}

func (s *Service) sendOne(ctx context.Context, j job, t transport.ChatTarget) error {
	s.mu.Lock()
	lim, retry := s.limiter, s.cfg.RetryMax
	s.mu.Unlock()

	var last error
	for i := 0; i <= retry; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		_, err := s.sender.SendText(ctx, t, j.text, j.opt)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, transport.ErrUnreachable) || i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("broadcast send retry scheduled", logx.String("job", j.id), logx.Int64("chat_id", t.ChatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if !errors.Is(last, transport.ErrUnreachable) {
		s.log.Warn("broadcast send failed", logx.String("job", j.id), logx.Int64("chat_id", t.ChatID), logx.Err(last))
	}
	return last
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}
