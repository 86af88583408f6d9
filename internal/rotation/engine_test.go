package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultbot/internal/eventbus"
	"vaultbot/internal/ratelimit"
	"vaultbot/internal/storage"
	"vaultbot/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDeliverer records deliveries and fails items listed in gone/flaky.
type fakeDeliverer struct {
	mu        sync.Mutex
	gone      map[string]bool
	flaky     map[string]bool
	delivered map[int64][]string
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{gone: map[string]bool{}, flaky: map[string]bool{}, delivered: map[int64][]string{}}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, catalog string, userID int64, itemID string) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.gone[itemID]:
		return Classify(fmt.Errorf("copy: %w", transport.ErrContentGone))
	case f.flaky[itemID]:
		return Classify(errors.New("telegram: Too Many Requests: retry after 3 (429)"))
	}
	f.delivered[userID] = append(f.delivered[userID], itemID)
	return Success()
}

func (f *fakeDeliverer) history(userID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered[userID]...)
}

type fixture struct {
	store storage.Store
	dlv   *fakeDeliverer
	clock *clock
	bus   eventbus.Bus
	eng   *Engine
}

func newFixture(t *testing.T, items ...string) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		dlv:   newFakeDeliverer(),
		clock: newClock(),
		bus:   eventbus.New(),
	}
	for _, id := range items {
		_, err := f.store.Ingest(context.Background(), "photo", id, "", f.clock.Now())
		require.NoError(t, err)
	}
	eng, err := New(Config{LeaseDuration: 30 * time.Second}, Deps{
		Catalog:   f.store,
		Watch:     f.store,
		Deliverer: f.dlv,
		Bus:       f.bus,
		Clock:     f.clock.Now,
	})
	require.NoError(t, err)
	f.eng = eng
	return f
}

func (f *fixture) request(user int64) Result {
	return f.eng.RequestItem(context.Background(), "photo", user)
}

func TestNoDuplicateUntilExhaustedThenNoticeOnce(t *testing.T) {
	f := newFixture(t, "A", "B")

	r1 := f.request(1)
	r2 := f.request(1)
	require.Equal(t, OutcomeDelivered, r1.Outcome)
	require.Equal(t, OutcomeDelivered, r2.Outcome)
	require.NotEqual(t, r1.Item, r2.Item, "same item delivered twice before a reset")

	r3 := f.request(1)
	require.Equal(t, OutcomeListExhaustedRestarting, r3.Outcome)
	require.True(t, r3.Restarted)
	require.Contains(t, []string{"A", "B"}, r3.Item)

	r4 := f.request(1)
	require.Equal(t, OutcomeDelivered, r4.Outcome, "notice must not repeat within the episode")
	require.NotEqual(t, r3.Item, r4.Item)

	// A second exhaustion is a new episode.
	r5 := f.request(1)
	require.Equal(t, OutcomeListExhaustedRestarting, r5.Outcome)
	require.Len(t, f.dlv.history(1), 5)
}

func TestPermanentFailureRetiresAndReselects(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.dlv.gone["A"] = true
	retired, unsub := f.bus.Subscribe(4, EventRetired)
	defer unsub()

	// Seed user 1 so the first pick is A.
	require.NoError(t, f.store.MarkSeen(context.Background(), "photo", 1, "B", f.clock.Now()))
	r := f.request(1)
	require.Equal(t, OutcomeListExhaustedRestarting, r.Outcome, "A retired, B seen: the list restarts")
	require.Equal(t, "B", r.Item)
	require.Equal(t, []string{"A"}, r.Retired)
	require.Equal(t, 2, r.Attempts)

	ev := (<-retired).Data.(RetiredEvent)
	require.Equal(t, "A", ev.ItemID)
	require.Equal(t, int64(1), ev.UserID)
	require.Contains(t, ev.Cause, "no longer exists")

	// A is gone for everybody.
	for user := int64(2); user < 6; user++ {
		r := f.request(user)
		require.Equal(t, "B", r.Item)
	}
	stats, err := f.store.Stats(context.Background(), "photo")
	require.NoError(t, err)
	require.Equal(t, storage.CatalogStats{Active: 1, Retired: 1}, stats)
}

func TestPermanentFailureReceivesOtherItemInSameCall(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.dlv.gone["A"] = true

	for user := int64(1); user <= 20; user++ {
		r := f.request(user)
		require.Equal(t, OutcomeDelivered, r.Outcome)
		require.Equal(t, "B", r.Item)
	}
}

func TestTransientFailureReleasesWithoutRetry(t *testing.T) {
	f := newFixture(t, "A")
	f.dlv.flaky["A"] = true

	r := f.request(1)
	require.Equal(t, OutcomeTransientError, r.Outcome)
	require.Error(t, r.Err)
	require.Equal(t, 1, r.Attempts)
	require.Empty(t, r.Retired)

	stats, err := f.store.Stats(context.Background(), "photo")
	require.NoError(t, err)
	require.Equal(t, storage.CatalogStats{Active: 1}, stats, "item released, not retired")

	seen, err := f.store.Seen(context.Background(), "photo", 1)
	require.NoError(t, err)
	require.Empty(t, seen)

	f.dlv.flaky["A"] = false
	require.Equal(t, OutcomeDelivered, f.request(1).Outcome)
}

func TestRestartWhileUnseenItemIsReservedIsSilent(t *testing.T) {
	f := newFixture(t, "A", "B")
	ctx := context.Background()
	resets, unsub := f.bus.Subscribe(4, EventReset)
	defer unsub()

	require.NoError(t, f.store.MarkSeen(ctx, "photo", 1, "A", f.clock.Now()))
	// Another user holds B.
	l, ok, err := f.store.Pick(ctx, "photo", map[string]struct{}{"A": {}}, f.clock.Now(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", l.ItemID)

	r := f.request(1)
	require.Equal(t, OutcomeDelivered, r.Outcome, "B is unseen, so the list did not run out")
	require.Equal(t, "A", r.Item)
	require.True(t, r.Restarted)

	ev := (<-resets).Data.(ResetEvent)
	require.True(t, ev.Forced)
	require.Equal(t, 1, ev.Cleared)
}

func TestEmptyCatalog(t *testing.T) {
	f := newFixture(t)
	r := f.request(1)
	require.Equal(t, OutcomeNoContentAvailable, r.Outcome)
	require.Zero(t, r.Attempts)
}

func TestAllItemsDeadIsBounded(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5", "6", "7"}
	f := newFixture(t, ids...)
	for _, id := range ids {
		f.dlv.gone[id] = true
	}

	r := f.request(1)
	require.Equal(t, OutcomeNoContentAvailable, r.Outcome)
	require.Equal(t, DefaultMaxAttempts, r.Attempts)
	require.Len(t, r.Retired, DefaultMaxAttempts)

	r = f.request(1)
	require.Equal(t, OutcomeNoContentAvailable, r.Outcome)
	require.Len(t, r.Retired, 2)
}

func TestAbandonedReservationHealsAfterLease(t *testing.T) {
	f := newFixture(t, "A")
	ctx := context.Background()

	// A crashed worker left A reserved.
	_, ok, err := f.store.Pick(ctx, "photo", nil, f.clock.Now(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(29 * time.Second)
	require.Equal(t, OutcomeNoContentAvailable, f.request(1).Outcome)

	f.clock.Advance(time.Second)
	r := f.request(1)
	require.Equal(t, OutcomeDelivered, r.Outcome)
	require.Equal(t, "A", r.Item)
}

func TestThrottleAndPrivilegedBypass(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	limiter := ratelimit.New(f.store, ratelimit.IdentityFunc(func(id int64) bool { return id == 99 }),
		5*time.Second, ratelimit.WithClock(f.clock.Now))
	eng, err := New(Config{}, Deps{Catalog: f.store, Watch: f.store, Limiter: limiter, Deliverer: f.dlv, Clock: f.clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, OutcomeDelivered, eng.RequestItem(ctx, "photo", 1).Outcome)
	f.clock.Advance(2 * time.Second)
	r := eng.RequestItem(ctx, "photo", 1)
	require.Equal(t, OutcomeThrottled, r.Outcome)
	require.LessOrEqual(t, r.RemainingSeconds(), 5)
	require.Equal(t, 3, r.RemainingSeconds())
	require.Len(t, f.dlv.history(1), 1, "throttled request must not deliver")

	for i := 0; i < 3; i++ {
		require.NotEqual(t, OutcomeThrottled, eng.RequestItem(ctx, "photo", 99).Outcome)
	}
}

type failingWatch struct {
	storage.WatchStore
}

func (failingWatch) Seen(context.Context, string, int64) (map[string]struct{}, error) {
	return nil, errors.New("database is locked")
}

func TestStorageErrorIsTransient(t *testing.T) {
	f := newFixture(t, "A")
	eng, err := New(Config{}, Deps{Catalog: f.store, Watch: failingWatch{f.store}, Deliverer: f.dlv})
	require.NoError(t, err)

	r := eng.RequestItem(context.Background(), "photo", 1)
	require.Equal(t, OutcomeTransientError, r.Outcome)
	require.ErrorContains(t, r.Err, "database is locked")
}

func TestCanceledDeliveryReleasesItem(t *testing.T) {
	f := newFixture(t, "A")
	ctx, cancel := context.WithCancel(context.Background())
	dlv := DelivererFunc(func(ctx context.Context, catalog string, userID int64, itemID string) Delivery {
		cancel()
		return Classify(ctx.Err())
	})
	eng, err := New(Config{}, Deps{Catalog: f.store, Watch: f.store, Deliverer: dlv, Clock: f.clock.Now})
	require.NoError(t, err)

	r := eng.RequestItem(ctx, "photo", 1)
	require.Equal(t, OutcomeTransientError, r.Outcome)
	require.ErrorIs(t, r.Err, context.Canceled)

	stats, err := f.store.Stats(context.Background(), "photo")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Active, "canceled request released its reservation")
}

func TestConcurrentRequestsSingleItem(t *testing.T) {
	f := newFixture(t, "only")
	const n = 24

	var inFlight, maxInFlight atomic.Int32
	unblock := make(chan struct{})
	dlv := DelivererFunc(func(ctx context.Context, catalog string, userID int64, itemID string) Delivery {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		<-unblock
		return Success()
	})
	eng, err := New(Config{}, Deps{Catalog: f.store, Watch: f.store, Deliverer: dlv, Clock: f.clock.Now})
	require.NoError(t, err)

	results := make(chan Result, n)
	for user := int64(1); user <= n; user++ {
		user := user
		go func() { results <- eng.RequestItem(context.Background(), "photo", user) }()
	}

	counts := map[Outcome]int{}
	for i := 0; i < n-1; i++ {
		counts[(<-results).Outcome]++
	}
	close(unblock)
	counts[(<-results).Outcome]++

	require.Equal(t, 1, counts[OutcomeDelivered])
	require.Equal(t, n-1, counts[OutcomeNoContentAvailable])
	require.Equal(t, int32(1), maxInFlight.Load())
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusSuccess},
		{ErrItemGone, StatusPermanentFailure},
		{fmt.Errorf("copy: %w", transport.ErrContentGone), StatusPermanentFailure},
		{errors.New("message to copy not found"), StatusTransientFailure},
		{context.DeadlineExceeded, StatusTransientFailure},
	}
	for _, tt := range tests {
		if got := Classify(tt.err).Status; got != tt.want {
			t.Fatalf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestUpdateConfigDefaults(t *testing.T) {
	f := newFixture(t)
	f.eng.UpdateConfig(Config{MaxAttempts: 2})
	cfg := f.eng.Config()
	require.Equal(t, 2, cfg.MaxAttempts)
	require.Equal(t, DefaultLeaseDuration, cfg.LeaseDuration)
}
