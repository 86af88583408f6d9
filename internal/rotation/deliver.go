package rotation

import (
	"context"
	"errors"

	"vaultbot/internal/transport"
)

// ErrItemGone marks a delivery failure caused by the item no longer existing
// upstream. It is the only permanent failure.
var ErrItemGone = errors.New("item no longer exists")

type Status int

const (
	StatusSuccess Status = iota
	StatusPermanentFailure
	StatusTransientFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPermanentFailure:
		return "permanent"
	default:
		return "transient"
	}
}

type Delivery struct {
	Status Status
	Err    error
}

func Success() Delivery { return Delivery{Status: StatusSuccess} }

func Permanent(err error) Delivery {
	if err == nil {
		err = ErrItemGone
	}
	return Delivery{Status: StatusPermanentFailure, Err: err}
}

func Transient(err error) Delivery { return Delivery{Status: StatusTransientFailure, Err: err} }

// Classify maps a transport error to a delivery status. Only ErrItemGone and
// transport.ErrContentGone are permanent; every other error, cancellation
// included, is transient.
func Classify(err error) Delivery {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, ErrItemGone), errors.Is(err, transport.ErrContentGone):
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// Deliverer hands an item to a user through the external transport.
type Deliverer interface {
	Deliver(ctx context.Context, catalog string, userID int64, itemID string) Delivery
}

type DelivererFunc func(ctx context.Context, catalog string, userID int64, itemID string) Delivery

func (f DelivererFunc) Deliver(ctx context.Context, catalog string, userID int64, itemID string) Delivery {
	return f(ctx, catalog, userID, itemID)
}
