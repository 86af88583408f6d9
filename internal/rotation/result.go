package rotation

import (
	"math"
	"time"
)

// Outcome is what RequestItem reports to the command layer.
type Outcome int

const (
	OutcomeDelivered Outcome = iota + 1
	// OutcomeListExhaustedRestarting means the user's watch list was reset in
	// this call. Result.Item holds the item delivered after the reset.
	OutcomeListExhaustedRestarting
	OutcomeNoContentAvailable
	OutcomeThrottled
	OutcomeTransientError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeListExhaustedRestarting:
		return "list_exhausted_restarting"
	case OutcomeNoContentAvailable:
		return "no_content_available"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	// Item is the delivered item id. Empty unless something was delivered.
	Item string
	// Remaining is the cooldown left when throttled.
	Remaining time.Duration
	// Err is the cause of a transient error.
	Err error

	Attempts int
	Retired  []string
	// Restarted is true when the watch list was reset in this call, even if
	// the notice was already sent earlier in the episode.
	Restarted bool
}

func (r Result) Delivered() bool { return r.Item != "" }

// RemainingSeconds rounds Remaining up to whole seconds.
func (r Result) RemainingSeconds() int {
	if r.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(r.Remaining.Seconds()))
}
