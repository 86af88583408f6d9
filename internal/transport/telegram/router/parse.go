package router

import "strings"

// parseCommand splits "/name@bot arg1 'arg 2'" into the lower-case command
// name and its arguments.
func parseCommand(text string) (string, []string) {
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), parts[1:]
}

// tokenizeCommandLine splits on whitespace, honoring quotes and backslash
// escapes.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseCallbackData splits "scope:action[:payload]". The payload may contain
// further colons.
func parseCallbackData(data string) (scope, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}

// CallbackData builds callback data understood by parseCallbackData.
func CallbackData(scope, action, payload string) string {
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}
