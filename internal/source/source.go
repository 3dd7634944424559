// Package source selects the upstream that feeds the prayer table cache.
package source

import (
	"fmt"
	"strings"
	"time"

	"prayerbot/internal/prayer"
	"prayerbot/internal/source/file"
	"prayerbot/internal/source/umma"
	logx "prayerbot/pkg/logx"
)

type Config struct {
	// Driver is "umma" (default) or "file".
	Driver             string
	URL                string
	Path               string
	UserAgent          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

func Open(cfg Config, log logx.Logger) (prayer.Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "umma":
		return umma.New(umma.Config{
			URL:                cfg.URL,
			UserAgent:          cfg.UserAgent,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Timeout:            cfg.Timeout,
		}, log), nil
	case "file":
		f, err := file.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown source driver: %s", cfg.Driver)
	}
}
