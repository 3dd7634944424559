package prayer

import (
	"errors"
	"testing"
	"time"
)

func TestBuildTableAppliesCorrections(t *testing.T) {
	t.Parallel()

	raw := [][]string{
		{"05:00", "06:40", "12:20", "15:10", "18:00", "19:40"},
		{"05:02", "06:42", "12:20", "15:08", "17:58", "19:38"},
	}
	tbl, rejected, err := BuildTable(raw, DefaultCorrections, time.October, 2026, time.Time{})
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	if len(rejected) != 0 {
		t.Fatalf("rejected=%v", rejected)
	}
	if tbl.Days() != 2 {
		t.Fatalf("days=%d", tbl.Days())
	}
	day, ok := tbl.Day(1)
	if !ok {
		t.Fatalf("day 1 missing")
	}
	want := [NumKinds]string{"04:58", "06:40", "12:20", "15:10", "18:02", "19:40"}
	if day != want {
		t.Fatalf("day1=%v want %v", day, want)
	}
	if _, ok := tbl.Day(3); ok {
		t.Fatalf("day 3 should be missing")
	}
	if _, ok := tbl.Day(0); ok {
		t.Fatalf("day 0 should be missing")
	}
}

func TestBuildTableSkipsBadRows(t *testing.T) {
	t.Parallel()

	raw := [][]string{
		{"05:00", "06:40", "12:20", "15:10", "18:00", "19:40"},
		{"05:00", "06:40"},
		{"05:00", "06:40", "noon", "15:10", "18:00", "19:40"},
		{"05:00", "06:40", "12:20", "15:10", "18:00", "19:40", "99:99"},
		{"05:04", "06:44", "12:19", "15:06", "17:56", "19:36"},
	}
	tbl, rejected, err := BuildTable(raw, Corrections{}, time.October, 2026, time.Time{})
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	if len(rejected) != 3 {
		t.Fatalf("rejected=%d want 3", len(rejected))
	}
	for _, r := range rejected {
		if !errors.Is(r, ErrInvalidFormat) {
			t.Fatalf("rejection %v should wrap ErrInvalidFormat", r)
		}
	}
	for k := range tbl.Rows {
		if len(tbl.Rows[k]) != 2 {
			t.Fatalf("kind %v has %d rows", Kind(k), len(tbl.Rows[k]))
		}
	}
	if got, _ := tbl.Day(2); got[Fajr] != "05:04" {
		t.Fatalf("second valid row should be day 2, got %v", got)
	}
}

func TestBuildTableEmpty(t *testing.T) {
	t.Parallel()

	for _, raw := range [][][]string{nil, {{"bad"}}} {
		tbl, _, err := BuildTable(raw, DefaultCorrections, time.October, 2026, time.Time{})
		if !errors.Is(err, ErrNoDataFetched) || tbl != nil {
			t.Fatalf("raw=%v: table=%v err=%v", raw, tbl, err)
		}
	}
}

func TestTableCovers(t *testing.T) {
	t.Parallel()

	tbl := &Table{Month: time.October, Year: 2026}
	if !tbl.Covers(time.Date(2026, 10, 31, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("should cover October")
	}
	if tbl.Covers(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("must not cover a different year")
	}
	var nilTable *Table
	if nilTable.Covers(time.Now()) || nilTable.Days() != 0 {
		t.Fatalf("nil table covers nothing")
	}
}
