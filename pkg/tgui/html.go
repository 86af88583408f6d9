package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML already safe for ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

func link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links name to a Telegram user profile.
func Mention(name string, userID int64) H {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%d", userID)
	}
	return link(name, fmt.Sprintf("tg://user?id=%d", userID))
}

// Lines joins non-blank parts with newlines.
func Lines(parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, "\n"))
}

// Raw marks s as already-safe HTML.
func Raw(s string) H { return H(s) }
