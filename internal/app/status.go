package app

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// registerStatus feeds the owner /status command.
func (a *App) registerStatus() {
	a.bot.AddStatus("cache", func() string {
		t := a.cache.Peek()
		if t == nil {
			return fmt.Sprintf("empty, %d fetches", a.cache.Fetches())
		}
		return fmt.Sprintf("%s %d, %d days, fetched %s, %d fetches",
			t.Month, t.Year, t.Days(), humanize.Time(t.FetchedAt), a.cache.Fetches())
	})
	a.bot.AddStatus("scheduler", func() string {
		s := a.sched.Snapshot()
		next := "none"
		if !s.NextTimer.IsZero() {
			next = humanize.Time(s.NextTimer)
		}
		return fmt.Sprintf("%s, %d cron, %d timers, next %s", s.Timezone, len(s.Cron), s.Timers, next)
	})
	a.bot.AddStatus("engine", func() string {
		s := a.engine.Snapshot()
		return fmt.Sprintf("%d workers, queue %d/%d, in flight %d, done %s, failed %s, dropped %d",
			s.Workers, s.QueueLen, s.QueueCap, s.InFlight,
			humanize.Comma(int64(s.Completed)), humanize.Comma(int64(s.Failed)), s.DroppedQueueFull+s.DroppedStale)
	})
	a.bot.AddStatus("notifier", func() string {
		s := a.notif.Stats()
		return fmt.Sprintf("sent %s, failed %d, unreachable %d, deduped %d, dropped %d, queue %d/%d",
			humanize.Comma(int64(s.Sent)), s.Failed, s.Unreachable, s.Deduped, s.Dropped, s.QueueLen, s.QueueCap)
	})
}
