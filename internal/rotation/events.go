package rotation

import "time"

const (
	EventRetired = "rotation.retired"
	EventReset   = "rotation.reset"
)

type RetiredEvent struct {
	Catalog string
	ItemID  string
	UserID  int64
	Cause   string
}

type ResetEvent struct {
	Catalog string
	UserID  int64
	Cleared int
	Forced  bool
}

// Recorder receives engine measurements. The metrics package implements it.
type Recorder interface {
	ObserveRequest(catalog string, outcome Outcome, took time.Duration)
	IncRetired(catalog string)
	IncReset(catalog string, forced bool)
	IncDeliveryFailure(catalog string, status Status)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, Outcome, time.Duration) {}
func (nopRecorder) IncRetired(string)                             {}
func (nopRecorder) IncReset(string, bool)                         {}
func (nopRecorder) IncDeliveryFailure(string, Status)             {}
