package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"prayerbot/internal/config"
	"prayerbot/internal/notifier"
	"prayerbot/internal/notifier/broadcast"
	"prayerbot/internal/prayer"
	"prayerbot/internal/reminder"
	"prayerbot/internal/source"
	"prayerbot/internal/storage"
	"prayerbot/internal/task/engine"
	logx "prayerbot/pkg/logx"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultJobTimeout   = 30 * time.Second
	defaultRetryAfter   = time.Minute
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	out := storage.Config{Driver: driver, Path: path, KeyPrefix: sc.KeyPrefix}

	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvDatabaseURL)
		}
		out.DSN = sc.DSN
	case "redis":
		if strings.TrimSpace(sc.RedisURL) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis_url (or %s) is required when storage.driver=redis", config.EnvRedisURL)
		}
		out.RedisURL = sc.RedisURL
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	sc := cfg.Source
	timeout, err := config.ParseDurationOrDefault("source.timeout", sc.Timeout, defaultFetchTimeout)
	if err != nil {
		return source.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "umma":
	case "file":
		if strings.TrimSpace(sc.Path) == "" {
			return source.Config{}, fmt.Errorf("source.path is required when source.driver=file")
		}
	default:
		return source.Config{}, fmt.Errorf("unknown source.driver: %s", sc.Driver)
	}
	return source.Config{
		Driver:             driver,
		URL:                strings.TrimSpace(sc.URL),
		Path:               strings.TrimSpace(sc.Path),
		UserAgent:          sc.UserAgent,
		Timeout:            timeout,
		InsecureSkipVerify: sc.InsecureSkipVerify,
	}, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	return config.ParseLocation(cfg.Prayer.Timezone)
}

func mapCacheConfig(cfg *config.Config, loc *time.Location) (prayer.CacheConfig, error) {
	fajr, err := config.ParseShift("prayer.fajr_shift", cfg.Prayer.FajrShift, prayer.DefaultCorrections.Fajr)
	if err != nil {
		return prayer.CacheConfig{}, err
	}
	maghrib, err := config.ParseShift("prayer.maghrib_shift", cfg.Prayer.MaghribShift, prayer.DefaultCorrections.Maghrib)
	if err != nil {
		return prayer.CacheConfig{}, err
	}
	retry, err := config.ParseDurationOrDefault("prayer.retry_after", cfg.Prayer.RetryAfter, defaultRetryAfter)
	if err != nil {
		return prayer.CacheConfig{}, err
	}
	timeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, defaultFetchTimeout)
	if err != nil {
		return prayer.CacheConfig{}, err
	}
	return prayer.CacheConfig{
		Location:     loc,
		Corrections:  prayer.Corrections{Fajr: fajr, Maghrib: maghrib},
		FetchTimeout: timeout,
		RetryAfter:   retry,
	}, nil
}

func mapReminderConfig(cfg *config.Config, loc *time.Location) (reminder.Config, error) {
	jt, err := config.ParseDurationOrDefault("prayer.job_timeout", cfg.Prayer.JobTimeout, defaultJobTimeout)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{Location: loc, JobTimeout: jt}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
		PersistDedup:  nc.PersistDedup,
	}, nil
}

// mapBroadcastConfig runs one job at a time at the notifier's rate so a
// broadcast cannot starve reminders of API quota for long.
func mapBroadcastConfig(nc notifier.Config) broadcast.Config {
	rps := nc.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return broadcast.Config{Workers: 1, RatePerSec: max(rps/2, 1), RetryMax: nc.RetryMax, QueueSize: 16}
}

// mapCommandRate returns the per-chat command limit. A negative rate turns
// throttling off.
func mapCommandRate(cfg *config.Config) (perMin, burst int) {
	perMin, burst = cfg.Telegram.CommandRatePerMin, cfg.Telegram.CommandBurst
	switch {
	case perMin < 0:
		return 0, 0
	case perMin == 0:
		perMin = 20
	}
	if burst <= 0 {
		burst = 5
	}
	return perMin, burst
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	chatID, _ := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && chatID != 0,
			ChatID:     chatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// validateMapped rejects configs that pass config.Validate but cannot be
// turned into component configs. It runs before every reload commit.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	if _, err := mapCacheConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}
