package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate performs the checks that need nothing beyond the config itself.
// Callers layer component-specific checks on top before committing a
// reloaded file.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvBotToken)
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
	}
	if _, err := ParseLocation(cfg.Prayer.Timezone); err != nil {
		return err
	}

	durations := []durField{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"prayer.job_timeout", cfg.Prayer.JobTimeout},
		{"prayer.retry_after", cfg.Prayer.RetryAfter},
		{"source.timeout", cfg.Source.Timeout},
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return errors.New("task_engine: counts must be >= 0")
		}
		durations = append(durations,
			durField{"task_engine.default_timeout", te.DefaultTimeout},
			durField{"task_engine.max_queue_delay", te.MaxQueueDelay},
		)
	}
	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return errors.New("notifier: counts must be >= 0")
		}
		durations = append(durations,
			durField{"notifier.retry_base", n.RetryBase},
			durField{"notifier.retry_max_delay", n.RetryMaxDelay},
			durField{"notifier.dedup_window", n.DedupWindow},
		)
	}
	if s := cfg.Storage; s != nil {
		durations = append(durations, durField{"storage.busy_timeout", s.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for _, d := range []durField{
		{"prayer.fajr_shift", cfg.Prayer.FajrShift},
		{"prayer.maghrib_shift", cfg.Prayer.MaghribShift},
	} {
		v, err := ParseSignedDuration(d.path, d.raw)
		if err != nil {
			return err
		}
		if v <= -24*time.Hour || v >= 24*time.Hour {
			return fmt.Errorf("%s: must be within one day", d.path)
		}
	}
	return nil
}

type durField struct{ path, raw string }
