package router

import (
	"sort"
	"strings"

	kit "prayerbot/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuName     = 32
	maxMenuDesc     = 256
)

// sanitizeTelegramCommand maps a route token or alias onto Telegram's
// [a-z0-9_]{1,32} command alphabet. Separators collapse to one underscore;
// other runes are dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', r == ' ', r == '\t':
			pendingSep = true
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a multi-token route into one menu
// command: ["times","today"] -> "times_today".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists visible top-level commands first, then
// shortcuts for nested leaves. Owner-only entries are marked with a lock.
func buildTelegramMenuCommands(root *cmdNode, leaves []Command) []kit.BotCommand {
	seen := map[string]bool{}
	var top, nested []kit.BotCommand
	add := func(dst *[]kit.BotCommand, name, desc string, owner bool) {
		name = sanitizeTelegramCommand(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if owner {
			desc = "🔒 " + desc
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		*dst = append(*dst, kit.BotCommand{Command: name, Description: desc})
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if nodeIsHidden(n) {
				continue
			}
			add(&top, name, summarizeNodeDesc(n), nodeIsOwnerOnly(n))
		}
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		name, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		add(&nested, name, desc, c.Access == AccessOwnerOnly)
	}

	sort.Slice(nested, func(i, j int) bool { return nested[i].Command < nested[j].Command })
	out := append(top, nested...)
	if len(out) > maxMenuCommands {
		out = out[:maxMenuCommands]
	}
	return out
}
