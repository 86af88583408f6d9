// Package ratelimit bounds how often a user may request an item.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"vaultbot/internal/storage"
)

// IdentityChecker reports whether a user is exempt from throttling.
type IdentityChecker interface {
	IsPrivileged(userID int64) bool
}

// IdentityFunc adapts a function to IdentityChecker.
type IdentityFunc func(userID int64) bool

func (f IdentityFunc) IsPrivileged(userID int64) bool { return f(userID) }

type Decision struct {
	Allowed bool
	// Remaining is the time left until the next request is allowed, zero
	// when Allowed.
	Remaining time.Duration
}

// RemainingSeconds rounds Remaining up to whole seconds for display.
func (d Decision) RemainingSeconds() int {
	if d.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(d.Remaining.Seconds()))
}

type Limiter struct {
	store    storage.RateStore
	identity IdentityChecker
	cooldown atomic.Int64 // time.Duration
	now      func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(store storage.RateStore, identity IdentityChecker, cooldown time.Duration, opts ...Option) *Limiter {
	l := &Limiter{store: store, identity: identity, now: time.Now}
	l.cooldown.Store(int64(cooldown))
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetCooldown changes the cooldown for subsequent requests.
func (l *Limiter) SetCooldown(d time.Duration) { l.cooldown.Store(int64(d)) }

func (l *Limiter) Cooldown() time.Duration { return time.Duration(l.cooldown.Load()) }

// CheckAndUpdate admits or throttles userID. Privileged users are admitted
// without touching the rate state.
func (l *Limiter) CheckAndUpdate(ctx context.Context, userID int64) (Decision, error) {
	if l.identity != nil && l.identity.IsPrivileged(userID) {
		return Decision{Allowed: true}, nil
	}
	cd := l.Cooldown()
	if cd <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	ok, next, err := l.store.TakeSlot(ctx, userID, now, cd)
	if err != nil {
		return Decision{}, fmt.Errorf("rate state: %w", err)
	}
	if ok {
		return Decision{Allowed: true}, nil
	}
	return Decision{Remaining: next.Sub(now)}, nil
}
