package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"prayerbot/internal/prayer"
)

func kindPtr(k prayer.Kind) *prayer.Kind { return &k }

func TestNextPrayer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		now     time.Time
		kind    *prayer.Kind
		want    Next
		wantErr error
	}{
		{name: "any", now: at(10, 12, 35), want: Next{Kind: prayer.Asr, At: at(10, 15, 45)}},
		{name: "strictly after", now: at(10, 15, 45), want: Next{Kind: prayer.Maghrib, At: at(10, 21, 17)}},
		{name: "after isha", now: at(10, 23, 30), want: Next{Kind: prayer.Fajr, At: at(11, 2, 58), Tomorrow: true}},
		{name: "requested today", now: at(10, 12, 35), kind: kindPtr(prayer.Isha), want: Next{Kind: prayer.Isha, At: at(10, 23, 0)}},
		{name: "requested tomorrow", now: at(10, 12, 35), kind: kindPtr(prayer.Dhuhr), want: Next{Kind: prayer.Dhuhr, At: at(11, 12, 30), Tomorrow: true}},
		{name: "last day", now: at(30, 12, 35), kind: kindPtr(prayer.Dhuhr), wantErr: ErrLastDayOfMonth},
		{name: "last day today", now: at(30, 12, 35), kind: kindPtr(prayer.Asr), want: Next{Kind: prayer.Asr, At: at(30, 15, 45)}},
		{name: "last day after isha", now: at(30, 23, 30), wantErr: ErrLastDayOfMonth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tc.now)
			got, err := h.svc.NextPrayer(context.Background(), tc.now, tc.kind)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextPrayer: %v", err)
			}
			if got.Kind != tc.want.Kind || !got.At.Equal(tc.want.At) || got.Tomorrow != tc.want.Tomorrow {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNextPrayerShortTable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(1, 23, 30))
	h.table.t = &prayer.Table{Month: time.June, Year: 2024}
	for k := range dayTimes {
		h.table.t.Rows[k] = []string{dayTimes[k]}
	}
	_, err := h.svc.NextPrayer(context.Background(), h.now, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestNextPrayerNoCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(10, 12, 0))
	h.table.t, h.table.err = nil, prayer.ErrNoCacheAvailable
	if _, err := h.svc.NextPrayer(context.Background(), h.now, nil); !errors.Is(err, prayer.ErrNoCacheAvailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(10, 12, 0))
	ctx := context.Background()

	today, err := h.svc.Day(ctx, h.now, 0)
	if err != nil {
		t.Fatalf("Day(0): %v", err)
	}
	if today.Date.Day() != 10 || today.Times != dayTimes {
		t.Fatalf("today = %+v", today)
	}
	tomorrow, err := h.svc.Day(ctx, h.now, 1)
	if err != nil || tomorrow.Date.Day() != 11 {
		t.Fatalf("Day(1) = %+v, %v", tomorrow, err)
	}
	if _, err := h.svc.Day(ctx, at(30, 12, 0), 1); !errors.Is(err, ErrLastDayOfMonth) {
		t.Fatalf("Day(1) on last day: %v", err)
	}
}
