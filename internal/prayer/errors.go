package prayer

import "errors"

var (
	// ErrInvalidFormat reports a time string that is not "H:M" with
	// non-negative hour and minute.
	ErrInvalidFormat = errors.New("invalid time format")
	// ErrNoDataFetched reports a fetch that yielded no usable day.
	ErrNoDataFetched = errors.New("no prayer data fetched")
	// ErrNoCacheAvailable reports a failed refresh with nothing cached to
	// fall back to.
	ErrNoCacheAvailable = errors.New("no prayer table available")
	// ErrDayNotInTable reports a day of month the table has no row for.
	ErrDayNotInTable = errors.New("day not in prayer table")
)
