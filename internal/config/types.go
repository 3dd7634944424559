package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string means the documented default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Prayer   PrayerConfig   `json:"prayer"`
	Source   SourceConfig   `json:"source"`

	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	// Storage nil means the in-memory driver.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving the Telegram log sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
	// CommandRatePerMin throttles commands per chat; owners are exempt.
	// Default 20 with burst 5; a negative value disables throttling.
	CommandRatePerMin int `json:"command_rate_per_min,omitempty"`
	CommandBurst      int `json:"command_burst,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PrayerConfig controls the month cache and reminder scheduling.
//
// Defaults:
//   - timezone: "+03:00" (also accepts IANA names such as "Europe/Moscow")
//   - fajr_shift: "-2m", maghrib_shift: "2m" ("0s" disables a correction)
//   - job_timeout: "30s"
//   - retry_after: "1m"
type PrayerConfig struct {
	Timezone     string `json:"timezone"`
	FajrShift    string `json:"fajr_shift"`
	MaghribShift string `json:"maghrib_shift"`
	JobTimeout   string `json:"job_timeout"`
	// RetryAfter throttles refetching while a stale table is served.
	RetryAfter string `json:"retry_after"`
}

// SourceConfig selects where the month table comes from.
//
// Example:
//
//	"source": { "driver": "umma", "timeout": "30s", "insecure_skip_verify": true }
//	"source": { "driver": "file", "path": "./month.yaml" }
type SourceConfig struct {
	Driver             string `json:"driver"`
	URL                string `json:"url,omitempty"`
	Path               string `json:"path,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs triggered jobs.
//
// Defaults: workers 4, queue_size 1024, history_size 200, retry_max 2,
// default_timeout and max_queue_delay disabled.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops tasks that waited longer than this in the queue.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the outbound reminder pipeline. An omitted
// section uses the defaults from DefaultNotifier.
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	// PersistDedup keeps dedup marks in storage so a restart inside the
	// window does not resend.
	PersistDedup bool `json:"persist_dedup,omitempty"`
}

func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Workers:       2,
		QueueSize:     512,
		RatePerSec:    20,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		DedupWindow:   "10m",
		PersistDedup:  true,
	}
}

// StorageConfig selects the subscriber store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/prayerbot.db" }
//	"storage": { "driver": "postgres" }   // DSN from DATABASE_URL
//	"storage": { "driver": "redis" }      // URL from REDIS_URL
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	RedisURL    string `json:"redis_url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
