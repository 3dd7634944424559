package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"prayerbot/internal/notifier/broadcast"
	"prayerbot/internal/prayer"
	"prayerbot/internal/reminder"
	"prayerbot/internal/transport"
	"prayerbot/internal/transport/telegram/router"
	logx "prayerbot/pkg/logx"
)

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	uid := req.Chat.ChatID
	res, err := b.rem.Activate(ctx, uid, req.FromUsername)
	b.audit(ctx, req, "start", err)
	if !res.Active {
		return b.replyErr(ctx, req, err)
	}
	text := textWelcome
	if res.AlreadyActive {
		text = textAlreadyActive
	}
	if rerr := req.Reply(ctx, text); rerr != nil {
		return rerr
	}
	if err == nil {
		return nil
	}
	// The user is active and the midnight trigger is armed; only today's
	// reminders are missing.
	if errors.Is(err, prayer.ErrNoCacheAvailable) {
		_ = req.Reply(ctx, textUnavailable)
	} else {
		_ = req.Reply(ctx, textPartial)
	}
	return err
}

func (b *Bot) handleStop(ctx context.Context, req *router.Request) error {
	err := b.rem.Deactivate(ctx, req.Chat.ChatID)
	b.audit(ctx, req, "stop", err)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.Reply(ctx, textStopped)
}

func (b *Bot) handleToday(ctx context.Context, req *router.Request) error {
	return b.sendDay(ctx, req, 0, "Today's prayer times:")
}

func (b *Bot) handleTomorrow(ctx context.Context, req *router.Request) error {
	return b.sendDay(ctx, req, 1, "Tomorrow's prayer times:")
}

func (b *Bot) sendDay(ctx context.Context, req *router.Request, offset int, title string) error {
	day, err := b.rem.Day(ctx, b.now(), offset)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.ReplyHTML(ctx, formatDay(title, day))
}

func formatDay(title string, day reminder.DayTimes) string {
	lines := make([]string, 0, prayer.NumKinds+1)
	lines = append(lines, html.EscapeString(title))
	for _, k := range prayer.Kinds() {
		lines = append(lines, "<b>"+k.String()+"</b>: "+html.EscapeString(day.Times[k]))
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) handleNext(ctx context.Context, req *router.Request) error {
	var requested *prayer.Kind
	if arg := strings.TrimSpace(req.ArgText); arg != "" {
		k, ok := prayer.ParseKind(arg)
		if !ok {
			return req.Reply(ctx, "Unknown value for prayer time\nAvailable values are: "+kindList())
		}
		requested = &k
	}

	now := b.now()
	next, err := b.rem.NextPrayer(ctx, now, requested)
	if errors.Is(err, reminder.ErrNotFound) || errors.Is(err, reminder.ErrLastDayOfMonth) {
		name := "prayer"
		if requested != nil {
			name = requested.String()
		}
		return req.Reply(ctx, fmt.Sprintf("Sorry, cannot find the next %s time\nCannot cross the month boundary (yet)", name))
	}
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("The next %s is in %s (at %s)", next.Kind, preciseDelta(next.At.Sub(now)), next.At.Format("15:04")))
}

// preciseDelta spells d out to the second, e.g. "3 hours, 10 minutes and
// 5 seconds".
func preciseDelta(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d <= 0 {
		return "0 seconds"
	}
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if n := int(d / u.size); n > 0 {
			parts = append(parts, english.Plural(n, u.name, ""))
			d -= time.Duration(n) * u.size
		}
	}
	return english.WordSeries(parts, "and")
}

func kindList() string { return strings.Join(prayer.KindNames(), ", ") }

func (b *Bot) handleBroadcast(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.ArgText)
	if text == "" {
		return req.Reply(ctx, "Usage: /broadcast <text>")
	}
	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	targets := make([]transport.ChatTarget, 0, len(users))
	for _, u := range users {
		targets = append(targets, transport.ChatTarget{ChatID: u.ID})
	}
	if len(targets) == 0 {
		return req.Reply(ctx, "No users to broadcast to.")
	}

	log := req.Logger
	id, err := b.bc.Submit("broadcast", targets, text, nil, func(st broadcast.JobStatus) {
		cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		b.auditBroadcast(cctx, req, st)
		summary := fmt.Sprintf("Broadcast %s done in %s: %s sent, %s failed, %s unreachable.",
			st.ID, st.Took().Round(time.Second),
			humanize.Comma(int64(st.Done-st.Failed)), humanize.Comma(int64(st.Failed-st.Unreachable)), humanize.Comma(int64(st.Unreachable)))
		if rerr := req.Reply(cctx, summary); rerr != nil {
			log.Warn("broadcast summary not delivered", logx.Err(rerr))
		}
	})
	if err != nil {
		return b.replyErr(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("Broadcast %s queued for %s users.", id, humanize.Comma(int64(len(targets)))))
}

func (b *Bot) auditBroadcast(ctx context.Context, req *router.Request, st broadcast.JobStatus) {
	e := auditFromStatus(req, st)
	if err := b.store.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit write failed", logx.String("action", "broadcast"), logx.Err(err))
	}
}

func (b *Bot) handleStatus(ctx context.Context, req *router.Request) error {
	st := b.rem.Stats()
	lines := []string{
		"Status",
		fmt.Sprintf("reminders: %s users, %s jobs", humanize.Comma(int64(st.Users)), humanize.Comma(int64(st.Jobs))),
	}
	lines = append(lines, b.statusLines()...)
	return req.Reply(ctx, strings.Join(lines, "\n"))
}
