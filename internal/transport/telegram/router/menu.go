package router

import (
	"html"
	"sort"
	"strings"
	"unicode"

	kit "vaultbot/internal/transport"
)

// sanitizeTelegramCommand maps s onto Telegram's command charset
// [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func buildMenu(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

// helpText renders the command list in HTML parse mode. Owner-only commands
// are shown to owners only.
func (r *Router) helpText(owner bool) string {
	r.mu.RLock()
	cmds := append([]*Command(nil), r.visible...)
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := "/" + html.EscapeString(c.Name)
		if c.Usage != "" {
			line = "<code>" + html.EscapeString(c.Usage) + "</code>"
		}
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line = "🔒 " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
