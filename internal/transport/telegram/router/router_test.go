package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	kit "prayerbot/internal/transport"
	logx "prayerbot/pkg/logx"
)

type recSender struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newRecSender() *recSender { return &recSender{ch: make(chan string, 32)} }

func (s *recSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	s.ch <- text
	return kit.MessageRef{}, nil
}

func (s *recSender) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
		return ""
	}
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func startManager(t *testing.T, cmds []Command) (*recSender, chan kit.Update) {
	t.Helper()
	s := newRecSender()
	m := NewCommandManager(logx.Nop(), s, []int64{1}, Options{Workers: 2, UnknownReply: "unknown"})
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, cmds)
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, updates
}

func echo(ctx context.Context, req *Request) error {
	return req.Reply(ctx, fmt.Sprintf("%s|%s|%s", req.Command, strings.Join(req.Args, ","), req.ArgText))
}

func TestDispatchRoutesCommands(t *testing.T) {
	t.Parallel()
	s, updates := startManager(t, []Command{
		{Route: "next", Aliases: []string{"n"}, Handle: echo},
		{Route: "admin status", Access: AccessOwnerOnly, Handle: echo},
		{Route: "broadcast", Access: AccessOwnerOnly, Handle: echo},
	})

	cases := []struct {
		from int64
		text string
		want string
	}{
		{from: 2, text: "/next Asr", want: "next|Asr|Asr"},
		{from: 2, text: "/NEXT@prayer_bot", want: "next||"},
		{from: 2, text: "/n Isha", want: "next|Isha|Isha"},
		{from: 2, text: "/admin status", want: "unauthorized"},
		{from: 1, text: "/admin status", want: "admin status||status"},
		{from: 1, text: "/admin_status", want: "admin status||"},
		{from: 1, text: "/broadcast hello\n  \"world\"", want: "broadcast|hello,world|hello\n  \"world\""},
		{from: 2, text: "/nope", want: "unknown"},
	}
	for _, tc := range cases {
		updates <- msg(tc.from, tc.text)
		if got := s.next(t); got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestDispatchIgnoresPlainText(t *testing.T) {
	t.Parallel()
	s, updates := startManager(t, []Command{{Route: "next", Handle: echo}})
	updates <- msg(2, "hello")
	updates <- msg(2, "/next")
	if got := s.next(t); got != "next||" {
		t.Fatalf("got %q", got)
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	s, updates := startManager(t, []Command{
		{Route: "boom", Handle: func(context.Context, *Request) error { panic("x") }},
		{Route: "next", Handle: echo},
	})
	updates <- msg(2, "/boom")
	updates <- msg(2, "/next")
	if got := s.next(t); got != "next||" {
		t.Fatalf("got %q", got)
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), newRecSender(), []int64{1}, Options{})
	m.SetRegistry(context.Background(), []Command{
		{Route: "today", Description: "today's times", Handle: echo},
		{Route: "broadcast", Description: "send to all", Access: AccessOwnerOnly, Handle: echo},
		{Route: "secret", Hidden: true, Handle: echo},
	})

	user := m.helpText(nil, false)
	if !strings.Contains(user, "/today") || strings.Contains(user, "/broadcast") || strings.Contains(user, "/secret") {
		t.Fatalf("user help:\n%s", user)
	}
	owner := m.helpText(nil, true)
	if !strings.Contains(owner, "🔒 <code>/broadcast</code>") {
		t.Fatalf("owner help:\n%s", owner)
	}
	if got := m.helpText([]string{"broadcast"}, false); !strings.Contains(got, "Unknown command") {
		t.Fatalf("node help for non-owner:\n%s", got)
	}
	if got := m.helpText([]string{"today"}, false); !strings.Contains(got, "today&#39;s times") {
		t.Fatalf("node help:\n%s", got)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	got := tokenizeCommandLine(`/cmd a "b c" 'd e' f\ g --k=v`)
	want := []string{"/cmd", "a", "b c", "d e", "f g", "--k=v"}
	if fmt.Sprintf("%q", got) != fmt.Sprintf("%q", want) {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Next-Prayer": "next_prayer",
		"a  b":        "a_b",
		"9lives":      "cmd_9lives",
		"!!":          "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *Request) error { return nil }
	cmds := []Command{
		{Route: "today", Description: "today's times", Handle: noop},
		{Route: "status", Description: "engine state", Access: AccessOwnerOnly, Handle: noop},
		{Route: "debug", Hidden: true, Handle: noop},
		{Route: "times tomorrow", Description: "tomorrow's\ntimes", Handle: noop},
	}
	root := newRoot()
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}

	got := buildTelegramMenuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "status", Description: "🔒 engine state"},
		{Command: "times", Description: "subcommands: tomorrow"},
		{Command: "today", Description: "today's times"},
		{Command: "times_tomorrow", Description: "tomorrow's times"},
	}
	if len(got) != len(want) {
		t.Fatalf("menu = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("menu[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestChatLimiter(t *testing.T) {
	t.Parallel()
	if newChatLimiter(0, 5) != nil {
		t.Fatalf("zero rate should disable limiter")
	}

	l := newChatLimiter(60, 2)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if !l.allow(1, now) || !l.allow(1, now) {
		t.Fatalf("burst of 2 should pass")
	}
	if l.allow(1, now) {
		t.Fatalf("third request in the same instant should be throttled")
	}
	if !l.allow(2, now) {
		t.Fatalf("other chats have their own bucket")
	}
	if !l.allow(1, now.Add(time.Second)) {
		t.Fatalf("one token per second should refill")
	}

	l.allow(3, now.Add(time.Hour))
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("idle buckets not pruned: %d left", n)
	}
}

func TestDispatchThrottlesChat(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := NewCommandManager(logx.Nop(), s, []int64{1}, Options{
		Workers:        1,
		ChatRatePerMin: 1,
		ChatBurst:      1,
		ThrottledReply: "slow down",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.SetRegistry(ctx, []Command{{Route: "next", Handle: echo}})
	updates := make(chan kit.Update, 8)
	go func() { _ = m.DispatchLoop(ctx, updates) }()

	updates <- msg(7, "/next")
	if got := s.next(t); got != "next||" {
		t.Fatalf("first reply = %q", got)
	}
	updates <- msg(7, "/next")
	if got := s.next(t); got != "slow down" {
		t.Fatalf("second reply = %q", got)
	}
	updates <- msg(1, "/next")
	if got := s.next(t); got != "next||" {
		t.Fatalf("owner reply = %q", got)
	}
}
