package prayer

import (
	"fmt"
	"time"
)

// Corrections are applied to every fetched row before it is stored.
type Corrections struct {
	Fajr    time.Duration
	Maghrib time.Duration
}

// DefaultCorrections match the published umma.ru table against local
// practice: Fajr two minutes earlier, Maghrib two minutes later.
var DefaultCorrections = Corrections{Fajr: -2 * time.Minute, Maghrib: 2 * time.Minute}

// Table is one month of prayer times. Rows[k][d] is the time of kind k on
// day d+1 of the month; all six slices have the same length.
type Table struct {
	Month     time.Month
	Year      int
	FetchedAt time.Time
	Rows      [NumKinds][]string
}

// Days is the number of days the table covers.
func (t *Table) Days() int {
	if t == nil {
		return 0
	}
	return len(t.Rows[Fajr])
}

// Covers reports whether the table was fetched for the month of now.
func (t *Table) Covers(now time.Time) bool {
	return t != nil && t.Month == now.Month() && t.Year == now.Year()
}

// Day returns the six times for a 1-based day of month.
func (t *Table) Day(day int) ([NumKinds]string, bool) {
	var out [NumKinds]string
	if day < 1 || day > t.Days() {
		return out, false
	}
	for k := range out {
		out[k] = t.Rows[k][day-1]
	}
	return out, true
}

// BuildTable validates and corrects raw rows. Each raw row must carry six
// times in kind order. Rows that fail are skipped and reported in rejected;
// ErrNoDataFetched is returned when nothing survives.
func BuildTable(raw [][]string, corr Corrections, month time.Month, year int, fetchedAt time.Time) (t *Table, rejected []error, err error) {
	t = &Table{Month: month, Year: year, FetchedAt: fetchedAt}
	for i, row := range raw {
		times, err := correctRow(row, corr)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("row %d: %w", i+1, err))
			continue
		}
		for k, v := range times {
			t.Rows[k] = append(t.Rows[k], v)
		}
	}
	if t.Days() == 0 {
		return nil, rejected, ErrNoDataFetched
	}
	return t, rejected, nil
}

func correctRow(row []string, corr Corrections) ([NumKinds]string, error) {
	var out [NumKinds]string
	if len(row) != NumKinds {
		return out, fmt.Errorf("%w: %d cells, want %d", ErrInvalidFormat, len(row), NumKinds)
	}
	for k := range out {
		var d time.Duration
		switch Kind(k) {
		case Fajr:
			d = corr.Fajr
		case Maghrib:
			d = corr.Maghrib
		}
		v, err := Shift(row[k], d)
		if err != nil {
			return out, fmt.Errorf("%s: %w", Kind(k), err)
		}
		out[k] = v
	}
	return out, nil
}
