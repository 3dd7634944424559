// Package bot implements the subscriber and operator chat commands on top
// of the reminder service.
package bot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"prayerbot/internal/notifier/broadcast"
	"prayerbot/internal/prayer"
	"prayerbot/internal/reminder"
	"prayerbot/internal/storage"
	"prayerbot/internal/transport"
	"prayerbot/internal/transport/telegram/router"
	logx "prayerbot/pkg/logx"
)

const (
	textAlreadyActive = "The bot is already activated."
	textWelcome       = "I will send you a reminder everyday on the prayer times of that day.\n" +
		"Send /stop to stop reminding or /today to get just today's prayer times."
	textStopped     = "Reminders stopped. To reactivate, send /start again."
	textLastDay     = "Sorry, this feature doesn't work on the last day of the month yet :("
	textUnavailable = "Prayer times are temporarily unavailable, please try again later."
	textFailed      = "Something went wrong, please try again later."
	textPartial     = "Some of today's reminders could not be scheduled. They resume from tomorrow."
)

type Reminders interface {
	Activate(ctx context.Context, userID int64, username string) (reminder.ActivateResult, error)
	Deactivate(ctx context.Context, userID int64) error
	NextPrayer(ctx context.Context, now time.Time, requested *prayer.Kind) (reminder.Next, error)
	Day(ctx context.Context, now time.Time, offset int) (reminder.DayTimes, error)
	Stats() reminder.Stats
}

type Store interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Broadcaster interface {
	Submit(name string, targets []transport.ChatTarget, text string, opt *transport.SendOptions, onDone func(broadcast.JobStatus)) (string, error)
}

type Config struct {
	Location *time.Location
	Now      func() time.Time
	// CommandTimeout bounds one command handler.
	CommandTimeout time.Duration
}

type Bot struct {
	cfg   Config
	rem   Reminders
	store Store
	bc    Broadcaster
	log   logx.Logger

	statusMu sync.RWMutex
	status   map[string]func() string
}

func New(cfg Config, rem Reminders, store Store, bc Broadcaster, log logx.Logger) *Bot {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{cfg: cfg, rem: rem, store: store, bc: bc, log: log, status: map[string]func() string{}}
}

// AddStatus registers a named line for /status. Registering a name again
// replaces it.
func (b *Bot) AddStatus(name string, fn func() string) {
	b.statusMu.Lock()
	b.status[name] = fn
	b.statusMu.Unlock()
}

func (b *Bot) statusLines() []string {
	b.statusMu.RLock()
	names := make([]string, 0, len(b.status))
	for n := range b.status {
		names = append(names, n)
	}
	b.statusMu.RUnlock()
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, n := range names {
		b.statusMu.RLock()
		fn := b.status[n]
		b.statusMu.RUnlock()
		if fn != nil {
			out = append(out, n+": "+fn())
		}
	}
	return out
}

func (b *Bot) now() time.Time { return b.cfg.Now().In(b.cfg.Location) }

func (b *Bot) Commands() []router.Command {
	t := b.cfg.CommandTimeout
	return []router.Command{
		{Route: "start", Description: "start daily prayer reminders", Timeout: t, Handle: b.handleStart},
		{Route: "stop", Description: "stop reminders", Timeout: t, Handle: b.handleStop},
		{Route: "today", Description: "today's prayer times", Timeout: t, Handle: b.handleToday},
		{Route: "tomorrow", Description: "tomorrow's prayer times", Timeout: t, Handle: b.handleTomorrow},
		{Route: "next", Description: "time until the next prayer", Usage: "/next [" + kindList() + "]", Timeout: t, Handle: b.handleNext},
		{Route: "broadcast", Description: "send a message to every user", Usage: "/broadcast <text>", Access: router.AccessOwnerOnly, Timeout: t, Handle: b.handleBroadcast},
		{Route: "status", Description: "runtime status", Access: router.AccessOwnerOnly, Timeout: t, Handle: b.handleStatus},
	}
}

// replyErr maps a lookup failure to the user-facing text.
func (b *Bot) replyErr(ctx context.Context, req *router.Request, err error) error {
	switch {
	case errors.Is(err, reminder.ErrLastDayOfMonth):
		return req.Reply(ctx, textLastDay)
	case errors.Is(err, prayer.ErrNoCacheAvailable):
		_ = req.Reply(ctx, textUnavailable)
	default:
		_ = req.Reply(ctx, textFailed)
	}
	return err
}

func (b *Bot) audit(ctx context.Context, req *router.Request, action string, err error) {
	e := storage.AuditEntry{
		At:      b.cfg.Now(),
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
	}
	if err != nil {
		e.Fail = 1
		e.Error = err.Error()
	} else {
		e.OK = 1
	}
	if aerr := b.store.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}
