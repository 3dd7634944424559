package reminder

import (
	"context"
	"time"

	"prayerbot/internal/prayer"
)

// NextPrayer finds the next prayer strictly after now among today's and,
// unless today is the last day of the month, tomorrow's times. With a
// requested kind it finds the next occurrence of that kind. When nothing
// qualifies it returns ErrLastDayOfMonth on the month's last day and
// ErrNotFound otherwise.
func (s *Service) NextPrayer(ctx context.Context, now time.Time, requested *prayer.Kind) (Next, error) {
	now = now.In(s.cfg.Location)
	t, err := s.table.Current(ctx, now)
	if err != nil {
		return Next{}, err
	}

	lastDay := isLastDayOfMonth(now)
	days := []int{now.Day()}
	if !lastDay {
		days = append(days, now.Day()+1)
	}
	for i, day := range days {
		row, ok := t.Day(day)
		if !ok {
			continue
		}
		date := now.AddDate(0, 0, i)
		for _, kind := range prayer.Kinds() {
			if requested != nil && *requested != kind {
				continue
			}
			at, err := prayer.At(date, row[kind])
			if err != nil || !at.After(now) {
				continue
			}
			return Next{Kind: kind, At: at, Tomorrow: i == 1}, nil
		}
	}
	if lastDay {
		return Next{}, ErrLastDayOfMonth
	}
	return Next{}, ErrNotFound
}

// Day returns the times of today (offset 0) or tomorrow (offset 1).
// Tomorrow on the last day of the month is ErrLastDayOfMonth.
func (s *Service) Day(ctx context.Context, now time.Time, offset int) (DayTimes, error) {
	now = now.In(s.cfg.Location)
	if offset < 0 || offset > 1 {
		return DayTimes{}, ErrNotFound
	}
	if offset == 1 && isLastDayOfMonth(now) {
		return DayTimes{}, ErrLastDayOfMonth
	}
	t, err := s.table.Current(ctx, now)
	if err != nil {
		return DayTimes{}, err
	}
	date := now.AddDate(0, 0, offset)
	row, ok := t.Day(date.Day())
	if !ok {
		return DayTimes{}, prayer.ErrDayNotInTable
	}
	y, m, d := date.Date()
	return DayTimes{Date: time.Date(y, m, d, 0, 0, 0, 0, now.Location()), Times: row}, nil
}

func isLastDayOfMonth(now time.Time) bool {
	return now.AddDate(0, 0, 1).Month() != now.Month()
}
