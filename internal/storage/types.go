package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrClosed    = errors.New("storage: closed")
	ErrLeaseLost = errors.New("storage: lease no longer held")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ItemState string

const (
	StateActive   ItemState = "active"
	StateReserved ItemState = "reserved"
	StateRetired  ItemState = "retired"
)

type Item struct {
	Catalog       string
	ID            string
	UniqueKey     string
	State         ItemState
	ReservedUntil time.Time
	CreatedAt     time.Time
}

// Lease is a time-bounded reservation of one item. Token identifies this
// particular reservation so a stale holder cannot release a newer one.
type Lease struct {
	Catalog string
	ItemID  string
	Token   string
	Until   time.Time
}

// Reset reports the outcome of a watch-state reset.
type Reset struct {
	Cleared int
	// Notify is true when the exhaustion notice was not yet sent in this
	// episode. It is consumed by the reset that returns it.
	Notify bool
}

func (r Reset) Happened() bool { return r.Cleared > 0 }

type CatalogStats struct {
	Active   int `json:"active"`
	Reserved int `json:"reserved"`
	Retired  int `json:"retired"`
}

func (s CatalogStats) Total() int { return s.Active + s.Reserved + s.Retired }

// Catalog stores items and their lifecycle.
type Catalog interface {
	// Pick reserves a random eligible item (active, or reserved with an
	// expired lease) whose id is not in seen. ok is false when none exists.
	Pick(ctx context.Context, catalog string, seen map[string]struct{}, now time.Time, lease time.Duration) (l Lease, ok bool, err error)
	// Release returns a reserved item to active. ErrLeaseLost if the lease
	// was taken over after expiry.
	Release(ctx context.Context, l Lease) error
	// ConfirmDelivered ends the reservation after a successful delivery; the
	// item stays available to other users.
	ConfirmDelivered(ctx context.Context, l Lease) error
	Retire(ctx context.Context, catalog, id string) error
	// ActiveIDs lists every non-retired item id.
	ActiveIDs(ctx context.Context, catalog string) ([]string, error)
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, catalog string) (CatalogStats, error)

	// Ingest adds an active item. A repeated id or unique key is ignored and
	// reported as added=false.
	Ingest(ctx context.Context, catalog, id, uniqueKey string, now time.Time) (added bool, err error)
	Purge(ctx context.Context, catalog, id string) error
}

// WatchStore keeps the per-user set of delivered item ids. MarkSeen and the
// reset operations are serialized per (catalog, user).
type WatchStore interface {
	Seen(ctx context.Context, catalog string, userID int64) (map[string]struct{}, error)
	// MarkSeen records itemID as delivered at now; a repeat keeps the first time.
	MarkSeen(ctx context.Context, catalog string, userID int64, itemID string, now time.Time) error
	// ResetIfExhausted clears the seen set only if it contains every id in
	// activeIDs. An empty activeIDs never resets.
	ResetIfExhausted(ctx context.Context, catalog string, userID int64, activeIDs []string) (Reset, error)
	ForceReset(ctx context.Context, catalog string, userID int64) (Reset, error)
}

type RateStore interface {
	// TakeSlot atomically admits the user if now >= next_allowed_at and then
	// sets next_allowed_at = now+cooldown. On refusal it returns the current
	// next_allowed_at without changing it.
	TakeSlot(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (allowed bool, next time.Time, err error)
	PruneRates(ctx context.Context, now time.Time) (int, error)
}

type BanStore interface {
	IsBanned(ctx context.Context, userID int64) (bool, error)
	Ban(ctx context.Context, userID int64, reason string, now time.Time) error
	Unban(ctx context.Context, userID int64) error
}

type Store interface {
	Catalog
	WatchStore
	RateStore
	BanStore
	Close() error
}
