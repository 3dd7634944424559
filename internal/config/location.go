package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultOffset is the reference zone used when prayer.timezone is empty.
const DefaultOffset = "+03:00"

// ParseLocation accepts a fixed offset ("+03:00", "-0530", "UTC+3") or an
// IANA zone name.
func ParseLocation(raw string) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultOffset
	}
	off := strings.TrimPrefix(strings.TrimPrefix(s, "UTC"), "GMT")
	if off != "" && (off[0] == '+' || off[0] == '-') {
		secs, err := parseOffset(off)
		if err != nil {
			return nil, fmt.Errorf("prayer.timezone: invalid offset %q: %w", raw, err)
		}
		return time.FixedZone("UTC"+formatOffset(secs), secs), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("prayer.timezone: invalid %q: %w", raw, err)
	}
	return loc, nil
}

func parseOffset(s string) (int, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	s = s[1:]
	var hh, mm string
	switch {
	case strings.Contains(s, ":"):
		hh, mm, _ = strings.Cut(s, ":")
	case len(s) == 4:
		hh, mm = s[:2], s[2:]
	default:
		hh = s
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 14 {
		return 0, errors.New("bad hours")
	}
	m := 0
	if mm != "" {
		if m, err = strconv.Atoi(mm); err != nil || m < 0 || m > 59 {
			return 0, errors.New("bad minutes")
		}
	}
	return sign * (h*3600 + m*60), nil
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("%c%02d:%02d", sign, secs/3600, secs%3600/60)
}
