// Package reminder arms each subscriber's prayer reminders for the current
// day, re-arms them at local midnight and answers "next prayer" queries.
//
// All triggers a user owns are tracked in a jobs.Registry so stopping a
// user, or activating one twice, never leaves an orphaned reminder behind.
package reminder

import (
	"context"
	"errors"
	"time"

	"prayerbot/internal/prayer"
	"prayerbot/internal/storage"
	"prayerbot/internal/task/scheduler"
)

var (
	ErrNotFound = errors.New("next prayer not found")
	// ErrLastDayOfMonth is returned when an answer would need next month's
	// table.
	ErrLastDayOfMonth = errors.New("cannot cross the month boundary")
)

type TableSource interface {
	Current(ctx context.Context, now time.Time) (*prayer.Table, error)
}

type Scheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	AddDaily(name, atHHMM string, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// UserStore is read on every trigger and never cached here, so a /stop
// takes effect even for a trigger that is already queued.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (storage.User, error)
	AddUser(ctx context.Context, u storage.User) error
	SetActive(ctx context.Context, id int64, active bool) error
	ListActiveIDs(ctx context.Context) ([]int64, error)
}

// Dispatcher delivers one reminder. Its errors are logged, never retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64, kind prayer.Kind) error
}

type Config struct {
	// Location is the reference zone all prayer times are expressed in.
	Location *time.Location
	// JobTimeout bounds one trigger execution.
	JobTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Next is the answer to a next-prayer query.
type Next struct {
	Kind     prayer.Kind
	At       time.Time
	Tomorrow bool
}

// DayTimes is one calendar day's corrected times.
type DayTimes struct {
	Date  time.Time
	Times [prayer.NumKinds]string
}

type ActivateResult struct {
	// AlreadyActive is set when the user was active before the call. The
	// user's jobs are re-armed either way.
	AlreadyActive bool
	// Active is set once the store marks the user active. A later error
	// only means some of today's reminders are missing.
	Active bool
	// Created is set when the user was not in the store.
	Created bool
	// Armed counts the one-shot reminders registered for today.
	Armed int
}

type Stats struct {
	Users int
	Jobs  int
}
