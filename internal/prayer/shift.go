package prayer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Shift moves an "HH:MM" time by d, wrapping around midnight. Sub-minute
// parts of d are ignored.
func Shift(hhmm string, d time.Duration) (string, error) {
	mins, err := parseClock(hhmm)
	if err != nil {
		return "", err
	}
	mins = (mins + int(d/time.Minute)) % minutesPerDay
	if mins < 0 {
		mins += minutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60), nil
}

// At places an "HH:MM" time on the calendar day of day, in day's location.
func At(day time.Time, hhmm string) (time.Time, error) {
	mins, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, mins/60, mins%60, 0, 0, day.Location()), nil
}

// parseClock returns minutes since midnight.
func parseClock(s string) (int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	h, okH := atoiDigits(hs)
	m, okM := atoiDigits(ms)
	if !okH || !okM || h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return h*60 + m, nil
}

func atoiDigits(s string) (int, bool) {
	if s == "" || len(s) > 2 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}
