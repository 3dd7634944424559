package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "prayerbot/internal/transport"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline", in: "abc\ndefgh", limit: 6, want: []string{"abc", "defgh"}},
		{name: "html tag", in: "abc <b>x</b>", limit: 6, parseMode: "HTML", want: []string{"abc ", "<b>x", "</b>"}},
		{name: "runes", in: "ййййй", limit: 2, want: []string{"йй", "йй", "й"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit, tc.parseMode)
			if fmt.Sprintf("%q", got) != fmt.Sprintf("%q", tc.want) {
				t.Fatalf("splitText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitTextDefaultLimit(t *testing.T) {
	t.Parallel()
	got := splitText(strings.Repeat("a", textLimit+1), 0, "")
	if len(got) != 2 || len(got[0]) != textLimit {
		t.Fatalf("chunks = %d, first = %d", len(got), len(got[0]))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
	for _, err := range []error{tele.ErrBlockedByUser, tele.ErrChatNotFound, fmt.Errorf("send: %w", tele.ErrUserIsDeactivated)} {
		got := classify(err)
		if !errors.Is(got, kit.ErrUnreachable) || !errors.Is(got, err) {
			t.Fatalf("classify(%v) = %v", err, got)
		}
	}
	other := errors.New("timeout")
	if got := classify(other); errors.Is(got, kit.ErrUnreachable) || got != other {
		t.Fatalf("classify(other) = %v", got)
	}
}

func TestMenuHashChanges(t *testing.T) {
	t.Parallel()
	a := []kit.BotCommand{{Command: "start", Description: "Start"}}
	b := []kit.BotCommand{{Command: "start", Description: "Begin"}}
	if menuHash(a) == menuHash(b) {
		t.Fatalf("hash ignores description")
	}
	if menuHash(a) != menuHash(append([]kit.BotCommand(nil), a...)) {
		t.Fatalf("hash not stable")
	}
}
