package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"prayerbot/internal/eventbus"
	"prayerbot/internal/task/engine"
	logx "prayerbot/pkg/logx"
)

const (
	EventTriggered = "schedule.triggered"

	enqueueWarnThrottle = 5 * time.Second
)

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Publisher) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	wait := cfg.SubmitWait
	if wait <= 0 {
		wait = defaultSubmitWait
	}
	return &Service{
		log:  log,
		bus:  bus,
		exec: exec,
		loc:  loc,
		wait: wait,
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		crons:  map[string]*cronDef{},
		once:   map[string]*onceDef{},
		runCtx: context.Background(),
	}
}

func (s *Service) Location() *time.Location { return s.loc }

// Start begins cron triggering. One-shot timers run from the moment they are
// registered and do not depend on Start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.crons {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.crons)))
}

// Stop halts cron and every pending timer. Cron definitions survive and are
// re-armed by the next Start; one-shots are discarded.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.crons {
		d.entryID = 0
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCtx, s.runCancel = context.Background(), nil
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	n := len(s.once)
	for name, d := range s.once {
		d.timer.Stop()
		delete(s.once, name)
	}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("timers_dropped", n), logx.Duration("took", time.Since(start)))
}

// AddCron registers a recurring job. Overlapping triggers are skipped while
// a previous run is still queued or executing.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron spec %q: %w", spec, err)
	}
	s.removeOnce(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	d := &cronDef{name: name, spec: spec, timeout: timeout, job: job, state: &engine.RunState{}}
	s.crons[name] = d
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			delete(s.crons, name)
			return "", err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return name, nil
}

// AddDaily runs job every day at HH:MM in the scheduler zone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// AddOnce fires job once at the given instant; an instant in the past fires
// immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	s.mu.Lock()
	s.removeCronLocked(name)
	s.mu.Unlock()

	d := &onceDef{name: name, at: at.In(s.loc), timeout: timeout, job: job}

	s.tmu.Lock()
	if prev, ok := s.once[name]; ok {
		prev.timer.Stop()
	}
	s.once[name] = d
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() { s.fireOnce(d) })
	s.tmu.Unlock()
	return name, nil
}

// fireOnce enqueues d unless it has been removed or replaced meanwhile.
func (s *Service) fireOnce(d *onceDef) {
	s.tmu.Lock()
	if s.once[d.name] != d {
		s.tmu.Unlock()
		return
	}
	delete(s.once, d.name)
	s.tmu.Unlock()

	s.enqueue(d.name, d.timeout, d.job, nil)
}

// Remove unregisters every trigger named name and reports whether one existed.
// After it returns no trigger under that name will enqueue work.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeCronLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Timezone: s.loc.String(), Running: s.c != nil}
	for _, d := range s.crons {
		it := EntryInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Cron = append(snap.Cron, it)
	}
	s.mu.Unlock()
	sort.Slice(snap.Cron, func(i, j int) bool { return snap.Cron[i].Name < snap.Cron[j].Name })

	s.tmu.Lock()
	snap.Timers = len(s.once)
	for _, d := range s.once {
		if snap.NextTimer.IsZero() || d.at.Before(snap.NextTimer) {
			snap.NextTimer = d.at
		}
	}
	s.tmu.Unlock()
	return snap
}

func (s *Service) addCronLocked(d *cronDef) error {
	id, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		s.enqueue(d.name, d.timeout, d.job, d.state)
	}))
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) removeCronLocked(name string) bool {
	d, ok := s.crons[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.crons, name)
	return true
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	d.timer.Stop()
	delete(s.once, name)
	return true
}

func (s *Service) enqueue(name string, timeout time.Duration, job Job, state *engine.RunState) {
	s.bus.Publish(eventbus.Event{Type: EventTriggered, Data: name})
	if s.exec == nil {
		return
	}
	t := engine.Task{Name: name, Timeout: timeout, Run: job, State: state}
	if state != nil {
		t.Opt.Overlap = engine.OverlapSkipIfRunning
	}
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	// Triggers run on their own goroutines, so waiting here only holds
	// this trigger back.
	ctx, cancel := context.WithTimeout(parent, s.wait)
	defer cancel()
	if err := s.exec.Submit(ctx, t); err != nil {
		s.reportEnqueueError(name, err)
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now().UnixNano()
	last := s.lastEnqWarn.Load()
	if last != 0 && now-last < int64(enqueueWarnThrottle) {
		return
	}
	if !s.lastEnqWarn.CompareAndSwap(last, now) {
		return
	}
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func parseHHMM(s string) (hour int, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
