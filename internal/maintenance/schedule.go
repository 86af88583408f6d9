package maintenance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// normalizeSpec accepts a cron expression ("*/5 * * * *", "@hourly",
// "@every 1m"), a Go duration ("90s") or an HH:MM interval ("00:30") and
// returns a spec robfig/cron understands. An empty spec disables the job.
func normalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := specParser.Parse(s); err != nil {
			return "", fmt.Errorf("cron %q: %w", s, err)
		}
		return s, nil
	}
	var every time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("interval %q: minutes must be < 60", s)
		}
		every = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("schedule %q: not a cron spec or duration", s)
		}
		every = d
	}
	if every < time.Second {
		return "", fmt.Errorf("interval %q: must be at least 1s", s)
	}
	return "@every " + every.String(), nil
}
