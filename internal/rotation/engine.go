// Package rotation picks an unseen item for a user, reserves it while it is
// delivered, retires items that turned out to be gone and resets a user's
// watch list once every active item has been seen.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"vaultbot/internal/eventbus"
	"vaultbot/internal/ratelimit"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultMaxAttempts   = 5

	// bookkeepingTimeout bounds store calls made after the request context
	// may already be gone (release, confirm, mark seen).
	bookkeepingTimeout = 5 * time.Second
)

type Config struct {
	LeaseDuration time.Duration
	// MaxAttempts bounds deliveries per request, retired items included.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

type RateLimiter interface {
	CheckAndUpdate(ctx context.Context, userID int64) (ratelimit.Decision, error)
}

type Deps struct {
	Catalog   storage.Catalog
	Watch     storage.WatchStore
	Limiter   RateLimiter // nil disables throttling
	Deliverer Deliverer

	Bus      eventbus.Bus // optional
	Recorder Recorder     // optional
	Log      logx.Logger
	Clock    func() time.Time
}

type Engine struct {
	catalog   storage.Catalog
	watch     storage.WatchStore
	limiter   RateLimiter
	deliverer Deliverer
	bus       eventbus.Bus
	rec       Recorder
	log       logx.Logger
	now       func() time.Time

	cfg atomic.Pointer[Config]
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Catalog == nil || d.Watch == nil {
		return nil, errors.New("rotation: catalog and watch stores are required")
	}
	if d.Deliverer == nil {
		return nil, errors.New("rotation: deliverer is required")
	}
	e := &Engine{
		catalog:   d.Catalog,
		watch:     d.Watch,
		limiter:   d.Limiter,
		deliverer: d.Deliverer,
		bus:       d.Bus,
		rec:       d.Recorder,
		log:       d.Log,
		now:       d.Clock,
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "rotation"))
	if e.now == nil {
		e.now = time.Now
	}
	e.UpdateConfig(cfg)
	return e, nil
}

// UpdateConfig applies to requests that start after it returns.
func (e *Engine) UpdateConfig(cfg Config) {
	c := cfg.withDefaults()
	e.cfg.Store(&c)
}

func (e *Engine) Config() Config { return *e.cfg.Load() }

// RequestItem runs one request for userID against catalog. It never returns
// a raw storage or transport error: those become OutcomeTransientError with
// the cause in Result.Err.
func (e *Engine) RequestItem(ctx context.Context, catalog string, userID int64) Result {
	start := time.Now()
	res := e.requestItem(ctx, catalog, userID)
	took := time.Since(start)
	e.rec.ObserveRequest(catalog, res.Outcome, took)

	fields := []logx.Field{
		logx.String("catalog", catalog),
		logx.Int64("user_id", userID),
		logx.String("outcome", res.Outcome.String()),
		logx.Int("attempts", res.Attempts),
		logx.Duration("took", took),
	}
	if res.Item != "" {
		fields = append(fields, logx.String("item", res.Item))
	}
	if res.Outcome == OutcomeTransientError {
		e.log.Warn("request failed", append(fields, logx.Err(res.Err))...)
	} else {
		e.log.Debug("request done", fields...)
	}
	return res
}

func (e *Engine) requestItem(ctx context.Context, catalog string, userID int64) Result {
	cfg := e.Config()

	if e.limiter != nil {
		d, err := e.limiter.CheckAndUpdate(ctx, userID)
		if err != nil {
			return transientResult(err)
		}
		if !d.Allowed {
			return Result{Outcome: OutcomeThrottled, Remaining: d.Remaining}
		}
	}

	seen, err := e.watch.Seen(ctx, catalog, userID)
	if err != nil {
		return transientResult(fmt.Errorf("load watch state: %w", err))
	}
	active, err := e.catalog.ActiveIDs(ctx, catalog)
	if err != nil {
		return transientResult(fmt.Errorf("load active ids: %w", err))
	}

	var res Result
	notify := false
	reset, err := e.watch.ResetIfExhausted(ctx, catalog, userID, active)
	if err != nil {
		return transientResult(fmt.Errorf("reset watch state: %w", err))
	}
	if reset.Happened() {
		seen = map[string]struct{}{}
		notify = reset.Notify
		res.Restarted = true
		e.noteReset(catalog, userID, reset, false)
	}
	forced := res.Restarted

	for res.Attempts < cfg.MaxAttempts {
		lease, ok, err := e.catalog.Pick(ctx, catalog, seen, e.now(), cfg.LeaseDuration)
		if err != nil {
			return res.transient(fmt.Errorf("pick: %w", err))
		}
		if !ok {
			if forced {
				break
			}
			// Nothing unseen is free right now; start over once. Only a list
			// that really ran out (retired items included) earns the notice;
			// unseen items held by other users' leases do not.
			forced = true
			reset, exhausted, err := e.restartOnce(ctx, catalog, userID)
			if err != nil {
				return res.transient(err)
			}
			if reset.Happened() {
				seen = map[string]struct{}{}
				if exhausted {
					notify = notify || reset.Notify
				}
				res.Restarted = true
				e.noteReset(catalog, userID, reset, !exhausted)
			}
			continue
		}

		res.Attempts++
		d := e.deliverer.Deliver(ctx, catalog, userID, lease.ItemID)
		switch d.Status {
		case StatusSuccess:
			e.finishDelivery(ctx, lease, userID)
			res.Item = lease.ItemID
			res.Outcome = OutcomeDelivered
			if notify {
				res.Outcome = OutcomeListExhaustedRestarting
			}
			return res

		case StatusPermanentFailure:
			e.rec.IncDeliveryFailure(catalog, d.Status)
			if err := e.retire(ctx, lease, userID, d.Err); err != nil {
				return res.transient(err)
			}
			res.Retired = append(res.Retired, lease.ItemID)

		default:
			e.rec.IncDeliveryFailure(catalog, d.Status)
			e.release(ctx, lease)
			if d.Err == nil {
				d.Err = errors.New("delivery failed")
			}
			return res.transient(fmt.Errorf("deliver %s: %w", lease.ItemID, d.Err))
		}
	}

	res.Outcome = OutcomeNoContentAvailable
	return res
}

// restartOnce clears the user's seen set: through ResetIfExhausted when every
// active item was seen, otherwise through ForceReset.
func (e *Engine) restartOnce(ctx context.Context, catalog string, userID int64) (storage.Reset, bool, error) {
	active, err := e.catalog.ActiveIDs(ctx, catalog)
	if err != nil {
		return storage.Reset{}, false, fmt.Errorf("load active ids: %w", err)
	}
	reset, err := e.watch.ResetIfExhausted(ctx, catalog, userID, active)
	if err != nil {
		return storage.Reset{}, false, fmt.Errorf("reset watch state: %w", err)
	}
	if reset.Happened() {
		return reset, true, nil
	}
	reset, err = e.watch.ForceReset(ctx, catalog, userID)
	if err != nil {
		return storage.Reset{}, false, fmt.Errorf("force reset: %w", err)
	}
	return reset, false, nil
}

func transientResult(err error) Result {
	return Result{Outcome: OutcomeTransientError, Err: err}
}

func (r Result) transient(err error) Result {
	r.Outcome = OutcomeTransientError
	r.Err = err
	return r
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// finishDelivery records the item as seen before the reservation ends, so
// the item is never free while missing from the user's seen set. Failures
// are logged: the user already has the item.
func (e *Engine) finishDelivery(ctx context.Context, lease storage.Lease, userID int64) {
	bctx, cancel := detached(ctx)
	defer cancel()
	if err := e.watch.MarkSeen(bctx, lease.Catalog, userID, lease.ItemID, e.now()); err != nil {
		e.log.Error("mark seen failed", logx.String("catalog", lease.Catalog), logx.String("item", lease.ItemID), logx.Int64("user_id", userID), logx.Err(err))
	}
	if err := e.catalog.ConfirmDelivered(bctx, lease); err != nil {
		e.log.Warn("confirm delivered failed", logx.String("catalog", lease.Catalog), logx.String("item", lease.ItemID), logx.Err(err))
	}
}

func (e *Engine) release(ctx context.Context, lease storage.Lease) {
	bctx, cancel := detached(ctx)
	defer cancel()
	if err := e.catalog.Release(bctx, lease); err != nil {
		// The lease expires on its own.
		e.log.Warn("release failed", logx.String("catalog", lease.Catalog), logx.String("item", lease.ItemID), logx.Err(err))
	}
}

func (e *Engine) retire(ctx context.Context, lease storage.Lease, userID int64, cause error) error {
	bctx, cancel := detached(ctx)
	defer cancel()
	if err := e.catalog.Retire(bctx, lease.Catalog, lease.ItemID); err != nil {
		e.release(ctx, lease)
		return fmt.Errorf("retire %s: %w", lease.ItemID, err)
	}
	e.rec.IncRetired(lease.Catalog)
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	e.log.Warn("item retired", logx.String("catalog", lease.Catalog), logx.String("item", lease.ItemID), logx.String("cause", causeText))
	e.publish(EventRetired, RetiredEvent{Catalog: lease.Catalog, ItemID: lease.ItemID, UserID: userID, Cause: causeText})
	return nil
}

func (e *Engine) noteReset(catalog string, userID int64, r storage.Reset, forced bool) {
	e.rec.IncReset(catalog, forced)
	e.log.Info("watch list reset",
		logx.String("catalog", catalog),
		logx.Int64("user_id", userID),
		logx.Int("cleared", r.Cleared),
		logx.Bool("forced", forced),
	)
	e.publish(EventReset, ResetEvent{Catalog: catalog, UserID: userID, Cleared: r.Cleared, Forced: forced})
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
