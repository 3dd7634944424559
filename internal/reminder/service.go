package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"prayerbot/internal/prayer"
	"prayerbot/internal/storage"
	"prayerbot/internal/task/engine"
	"prayerbot/internal/task/jobs"
	"prayerbot/internal/task/scheduler"
	logx "prayerbot/pkg/logx"
)

const (
	dailyLabel = "daily"
	// midnight is the daily re-registration time in the scheduler's zone.
	midnight = "00:00"
)

type Service struct {
	cfg   Config
	table TableSource
	sched Scheduler
	users UserStore
	disp  Dispatcher
	reg   *jobs.Registry
	log   logx.Logger

	lmu   sync.Mutex
	locks map[int64]*userLock
}

// userLock is dropped from Service.locks when its last holder or waiter
// releases it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config, table TableSource, sched Scheduler, users UserStore, disp Dispatcher, reg *jobs.Registry, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = jobs.NewRegistry(log)
	}
	return &Service{
		cfg:   cfg,
		table: table,
		sched: sched,
		users: users,
		disp:  disp,
		reg:   reg,
		log:   log,
		locks: map[int64]*userLock{},
	}
}

func (s *Service) Registry() *jobs.Registry { return s.reg }

func (s *Service) Location() *time.Location { return s.cfg.Location }

func (s *Service) Stats() Stats {
	return Stats{Users: len(s.reg.Users()), Jobs: s.reg.Total()}
}

// lock serializes Activate, Deactivate and registrations of one user.
func (s *Service) lock(userID int64) func() {
	s.lmu.Lock()
	l := s.locks[userID]
	if l == nil {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.lmu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, userID)
		}
		s.lmu.Unlock()
	}
}

// Activate marks the user active, creating it if needed, drops any jobs it
// still has, arms the midnight recurrence and arms today's remaining
// prayers. The returned error wraps prayer.ErrNoCacheAvailable when the user
// was activated but today's times could not be loaded.
func (s *Service) Activate(ctx context.Context, userID int64, username string) (ActivateResult, error) {
	unlock := s.lock(userID)
	defer unlock()

	var res ActivateResult
	s.cancelAll(userID)

	u, err := s.users.GetUser(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		res.Created = true
		err = s.users.AddUser(ctx, storage.User{ID: userID, Username: username, Active: true})
	case err != nil:
	case u.Active:
		res.AlreadyActive = true
	default:
		err = s.users.SetActive(ctx, userID, true)
	}
	if err != nil {
		return res, fmt.Errorf("activate %d: %w", userID, err)
	}
	res.Active = true

	if err := s.registerDailyLocked(userID); err != nil {
		return res, err
	}
	res.Armed, err = s.registerTodayLocked(ctx, userID, s.cfg.Now())
	s.log.Info("user activated",
		logx.Int64("user_id", userID),
		logx.Bool("already_active", res.AlreadyActive),
		logx.Bool("created", res.Created),
		logx.Int("armed", res.Armed),
	)
	return res, err
}

// Deactivate marks the user inactive and cancels all of its jobs. Jobs are
// cancelled even when the store update fails. Unknown users are not an
// error.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	unlock := s.lock(userID)
	defer unlock()

	err := s.users.SetActive(ctx, userID, false)
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	cancelled := s.cancelAll(userID)
	s.log.Info("user deactivated", logx.Int64("user_id", userID), logx.Int("cancelled", cancelled))
	if err != nil {
		return fmt.Errorf("deactivate %d: %w", userID, err)
	}
	return nil
}

// RestoreAll re-arms every active user, typically once at boot. Failures
// for one user are logged and do not stop the others. The table is loaded
// once up front; when none is available every user still gets the midnight
// recurrence and today's reminders are skipped.
func (s *Service) RestoreAll(ctx context.Context) (int, error) {
	ids, err := s.users.ListActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active users: %w", err)
	}
	now := s.cfg.Now()
	_, warmErr := s.table.Current(ctx, now.In(s.cfg.Location))
	noTable := errors.Is(warmErr, prayer.ErrNoCacheAvailable)
	if noTable {
		s.log.Warn("no prayer table at restore, today's reminders skipped", logx.Int("active", len(ids)), logx.Err(warmErr))
	}

	restored := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return restored, ctx.Err()
		}
		unlock := s.lock(id)
		s.cancelAll(id)
		err := s.registerDailyLocked(id)
		if err == nil && !noTable {
			_, err = s.registerTodayLocked(ctx, id, now)
		}
		unlock()
		if err != nil {
			s.log.Warn("restore user failed", logx.Int64("user_id", id), logx.Err(err))
			continue
		}
		restored++
	}
	s.log.Info("users restored", logx.Int("active", len(ids)), logx.Int("restored", restored))
	return restored, nil
}

// RegisterDailyRecurrence arms the midnight trigger that re-runs
// RegisterToday. Registering it again replaces the previous trigger.
func (s *Service) RegisterDailyRecurrence(ctx context.Context, userID int64) error {
	unlock := s.lock(userID)
	defer unlock()
	return s.registerDailyLocked(userID)
}

// RegisterToday arms a one-shot reminder for each of today's prayers that is
// strictly later than now. Inactive or unknown users get nothing. It returns
// how many reminders were armed.
func (s *Service) RegisterToday(ctx context.Context, userID int64, now time.Time) (int, error) {
	unlock := s.lock(userID)
	defer unlock()
	return s.registerTodayLocked(ctx, userID, now)
}

func (s *Service) registerDailyLocked(userID int64) error {
	name := dailyJobName(userID)
	h := jobs.NewHandle(userID, name, dailyLabel, nextMidnight(s.cfg.Now().In(s.cfg.Location)), true, s.sched)
	s.reg.Register(h)

	job := func(ctx context.Context) error {
		if !h.Fire() {
			return nil
		}
		_, err := s.RegisterToday(ctx, userID, s.cfg.Now())
		if err != nil {
			s.log.Warn("daily re-registration failed", logx.Int64("user_id", userID), logx.Err(err))
		}
		if errors.Is(err, prayer.ErrNoCacheAvailable) {
			// The cache throttles refetches itself.
			return engine.NoRetry(err)
		}
		return err
	}
	if _, err := s.sched.AddDaily(name, midnight, s.cfg.JobTimeout, job); err != nil {
		s.reg.Remove(h)
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (s *Service) registerTodayLocked(ctx context.Context, userID int64, now time.Time) (int, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load user %d: %w", userID, err)
	}
	if !u.Active {
		return 0, nil
	}

	now = now.In(s.cfg.Location)
	t, err := s.table.Current(ctx, now)
	if err != nil {
		return 0, err
	}
	row, ok := t.Day(now.Day())
	if !ok {
		return 0, fmt.Errorf("%w: day %d, table has %d", prayer.ErrDayNotInTable, now.Day(), t.Days())
	}

	armed := 0
	var errs []error
	for _, kind := range prayer.Kinds() {
		at, err := prayer.At(now, row[kind])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		if !at.After(now) {
			continue
		}
		name := prayerJobName(userID, now, kind)
		h := s.reg.Register(jobs.NewHandle(userID, name, kind.String(), at, false, s.sched))
		if _, err := s.sched.AddOnce(name, at, s.cfg.JobTimeout, s.fireJob(h, kind)); err != nil {
			s.reg.Remove(h)
			errs = append(errs, fmt.Errorf("schedule %s: %w", name, err))
			continue
		}
		armed++
		s.log.Debug("reminder armed", logx.Int64("user_id", userID), logx.String("kind", kind.String()), logx.Time("at", at))
	}
	s.log.Info("today's reminders registered", logx.Int64("user_id", userID), logx.Int("armed", armed))
	return armed, errors.Join(errs...)
}

// fireJob is the body of a one-shot reminder. It always returns nil so the
// task engine never repeats a delivery.
func (s *Service) fireJob(h *jobs.Handle, kind prayer.Kind) scheduler.Job {
	return func(ctx context.Context) error {
		if !h.Fire() {
			s.log.Debug("reminder skipped", logx.String("job", h.Name), logx.String("state", h.State().String()))
			return nil
		}
		s.reg.Remove(h)

		u, err := s.users.GetUser(ctx, h.UserID)
		if err != nil {
			s.log.Warn("reminder dropped: user lookup failed", logx.Int64("user_id", h.UserID), logx.Err(err))
			return nil
		}
		if !u.Active {
			s.log.Debug("reminder dropped: user inactive", logx.Int64("user_id", h.UserID))
			return nil
		}
		if err := s.disp.Dispatch(ctx, h.UserID, kind); err != nil {
			s.log.Warn("reminder dispatch failed", logx.Int64("user_id", h.UserID), logx.String("kind", kind.String()), logx.Err(err))
		}
		return nil
	}
}

// cancelAll logs cancellation failures and returns how many handles were
// held before the call.
func (s *Service) cancelAll(userID int64) int {
	n := s.reg.Count(userID)
	for _, err := range s.reg.CancelAll(userID) {
		s.log.Warn("stale job left registered", logx.Int64("user_id", userID), logx.Err(err))
	}
	return n
}

func prayerJobName(userID int64, day time.Time, kind prayer.Kind) string {
	return "prayer:" + strconv.FormatInt(userID, 10) + ":" + day.Format("2006-01-02") + ":" + kind.String()
}

func dailyJobName(userID int64) string {
	return "daily:" + strconv.FormatInt(userID, 10)
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
