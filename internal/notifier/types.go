// Package notifier delivers outbound messages through a bounded queue and a
// worker pool with rate limiting, retries and duplicate suppression.
//
// Duplicate suppression keys on target and text. With PersistDedup the marks
// also go to storage, so a restart inside the window does not resend a
// reminder that already went out.
package notifier

import (
	"time"

	"prayerbot/internal/transport"
)

type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 4096
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Notification struct {
	Target  transport.ChatTarget
	Text    string
	Options *transport.SendOptions
	// Key overrides the computed dedup key. "-" disables dedup.
	Key string
}

// Stats are cumulative since New.
type Stats struct {
	Queued      uint64
	Sent        uint64
	Failed      uint64
	Unreachable uint64
	Deduped     uint64
	Dropped     uint64
	QueueLen    int
	QueueCap    int
}

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventQueued      = "notifier.queued"
	EventDeduped     = "notifier.deduped"
	EventDropped     = "notifier.dropped"
	EventSent        = "notifier.sent"
	EventFailed      = "notifier.failed"
	EventUnreachable = "notifier.unreachable"
)
