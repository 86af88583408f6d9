package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "vaultbot/pkg/logx"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vault.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func ingest(t *testing.T, st Store, catalog string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		added, err := st.Ingest(context.Background(), catalog, id, "key-"+id, t0)
		require.NoError(t, err)
		require.True(t, added)
	}
}

func TestIngestDedup(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "1")

		added, err := st.Ingest(ctx, "photo", "1", "other", t0)
		require.NoError(t, err)
		require.False(t, added, "duplicate id")

		added, err = st.Ingest(ctx, "photo", "2", "key-1", t0)
		require.NoError(t, err)
		require.False(t, added, "duplicate unique key")

		added, err = st.Ingest(ctx, "video", "1", "key-1", t0)
		require.NoError(t, err)
		require.True(t, added, "catalogs are independent")

		ids, err := st.ActiveIDs(ctx, "photo")
		require.NoError(t, err)
		require.Equal(t, []string{"1"}, ids)
	})
}

func TestPickExcludesSeenAndReserved(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a", "b")

		l, ok, err := st.Pick(ctx, "photo", map[string]struct{}{"a": {}}, t0, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "b", l.ItemID)
		require.NotEmpty(t, l.Token)
		require.True(t, l.Until.Equal(t0.Add(time.Minute)), "until = %v", l.Until)

		_, ok, err = st.Pick(ctx, "photo", map[string]struct{}{"a": {}}, t0, time.Minute)
		require.NoError(t, err)
		require.False(t, ok, "b is reserved, a is seen")

		stats, err := st.Stats(ctx, "photo")
		require.NoError(t, err)
		require.Equal(t, CatalogStats{Active: 1, Reserved: 1}, stats)
	})
}

func TestLeaseExpirySelfHeals(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a")
		lease := 30 * time.Second

		first, ok, err := st.Pick(ctx, "photo", nil, t0, lease)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = st.Pick(ctx, "photo", nil, t0.Add(lease-time.Millisecond), lease)
		require.NoError(t, err)
		require.False(t, ok, "selectable before the lease elapsed")

		second, ok, err := st.Pick(ctx, "photo", nil, t0.Add(lease), lease)
		require.NoError(t, err)
		require.True(t, ok, "not selectable after the lease elapsed")
		require.NotEqual(t, first.Token, second.Token)

		// The abandoned holder can no longer end the new reservation.
		require.ErrorIs(t, st.Release(ctx, first), ErrLeaseLost)
		require.NoError(t, st.ConfirmDelivered(ctx, second))
		require.ErrorIs(t, st.ConfirmDelivered(ctx, second), ErrLeaseLost)
	})
}

func TestReleaseAndConfirmReturnToActive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a")

		l, ok, err := st.Pick(ctx, "photo", nil, t0, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.Release(ctx, l))

		l, ok, err = st.Pick(ctx, "photo", nil, t0, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "released item is selectable")
		require.NoError(t, st.ConfirmDelivered(ctx, l))

		stats, err := st.Stats(ctx, "photo")
		require.NoError(t, err)
		require.Equal(t, CatalogStats{Active: 1}, stats)
	})
}

func TestRetireIsPermanent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a", "b")

		l, ok, err := st.Pick(ctx, "photo", map[string]struct{}{"b": {}}, t0, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.Retire(ctx, "photo", l.ItemID))
		require.ErrorIs(t, st.Release(ctx, l), ErrLeaseLost)

		for i := 0; i < 5; i++ {
			l, ok, err := st.Pick(ctx, "photo", nil, t0.Add(time.Hour), time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "b", l.ItemID)
			require.NoError(t, st.Release(ctx, l))
		}

		ids, err := st.ActiveIDs(ctx, "photo")
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, ids)
		require.ErrorIs(t, st.Retire(ctx, "photo", "missing"), ErrNotFound)
	})
}

func TestReapExpiredLeases(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a", "b")
		_, _, err := st.Pick(ctx, "photo", nil, t0, time.Second)
		require.NoError(t, err)

		n, err := st.ReapExpiredLeases(ctx, t0)
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = st.ReapExpiredLeases(ctx, t0.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		stats, err := st.Stats(ctx, "photo")
		require.NoError(t, err)
		require.Equal(t, 2, stats.Active)
	})
}

func TestPurgeRemovesItem(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "a")
		require.NoError(t, st.MarkSeen(ctx, "photo", 1, "a", t0))
		require.NoError(t, st.Purge(ctx, "photo", "a"))
		require.ErrorIs(t, st.Purge(ctx, "photo", "a"), ErrNotFound)

		added, err := st.Ingest(ctx, "photo", "a", "key-a", t0)
		require.NoError(t, err)
		require.True(t, added, "purged key can be ingested again")
	})
}

func TestConcurrentPickReservesOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		ingest(t, st, "photo", "only")

		const n = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.Pick(ctx, "photo", nil, t0, time.Minute)
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}

func TestWatchResetSemantics(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		active := []string{"a", "b"}

		require.NoError(t, st.MarkSeen(ctx, "photo", 7, "a", t0))
		require.NoError(t, st.MarkSeen(ctx, "photo", 7, "a", t0))

		r, err := st.ResetIfExhausted(ctx, "photo", 7, active)
		require.NoError(t, err)
		require.False(t, r.Happened(), "not exhausted yet")

		seen, err := st.Seen(ctx, "photo", 7)
		require.NoError(t, err)
		require.Len(t, seen, 1)

		require.NoError(t, st.MarkSeen(ctx, "photo", 7, "b", t0))
		r, err = st.ResetIfExhausted(ctx, "photo", 7, active)
		require.NoError(t, err)
		require.Equal(t, Reset{Cleared: 2, Notify: true}, r)

		seen, err = st.Seen(ctx, "photo", 7)
		require.NoError(t, err)
		require.Empty(t, seen)

		// Nothing to clear: no reset and no second notice.
		r, err = st.ResetIfExhausted(ctx, "photo", 7, nil)
		require.NoError(t, err)
		require.False(t, r.Happened())

		// Other catalogs and users are untouched.
		require.NoError(t, st.MarkSeen(ctx, "video", 7, "a", t0))
		seen, err = st.Seen(ctx, "video", 7)
		require.NoError(t, err)
		require.Len(t, seen, 1)
	})
}

func TestMarkSeenRacesResetIfExhausted(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		active := []string{"a", "b"}

		for round := 0; round < 100; round++ {
			user := int64(1000 + round)
			require.NoError(t, st.MarkSeen(ctx, "photo", user, "a", t0))

			var (
				wg       sync.WaitGroup
				reset    Reset
				resetErr error
				markErr  error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				markErr = st.MarkSeen(ctx, "photo", user, "b", t0)
			}()
			go func() {
				defer wg.Done()
				reset, resetErr = st.ResetIfExhausted(ctx, "photo", user, active)
			}()
			wg.Wait()
			require.NoError(t, markErr)
			require.NoError(t, resetErr)

			seen, err := st.Seen(ctx, "photo", user)
			require.NoError(t, err)
			if reset.Happened() {
				require.Equal(t, 2, reset.Cleared, "round %d", round)
				require.Empty(t, seen, "round %d: reset must not lose or keep a concurrent mark", round)
			} else {
				require.Equal(t, map[string]struct{}{"a": {}, "b": {}}, seen, "round %d", round)
			}
		}
	})
}

func TestNoticeOncePerEpisode(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		require.NoError(t, st.MarkSeen(ctx, "photo", 1, "a", t0))
		r, err := st.ForceReset(ctx, "photo", 1)
		require.NoError(t, err)
		require.True(t, r.Notify)

		// Nothing left to clear in this episode.
		r, err = st.ForceReset(ctx, "photo", 1)
		require.NoError(t, err)
		require.False(t, r.Happened())
		require.False(t, r.Notify)

		// A successful delivery starts a new episode.
		require.NoError(t, st.MarkSeen(ctx, "photo", 1, "a", t0))
		r, err = st.ForceReset(ctx, "photo", 1)
		require.NoError(t, err)
		require.Equal(t, Reset{Cleared: 1, Notify: true}, r)
	})
}

func TestTakeSlot(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		cd := 5 * time.Second

		ok, next, err := st.TakeSlot(ctx, 1, t0, cd)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, next.Equal(t0.Add(cd)))

		ok, next, err = st.TakeSlot(ctx, 1, t0.Add(2*time.Second), cd)
		require.NoError(t, err)
		require.False(t, ok)
		require.True(t, next.Equal(t0.Add(cd)), "refusal does not extend the cooldown")

		ok, _, err = st.TakeSlot(ctx, 2, t0.Add(2*time.Second), cd)
		require.NoError(t, err)
		require.True(t, ok, "users are independent")

		ok, _, err = st.TakeSlot(ctx, 1, t0.Add(cd), cd)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := st.PruneRates(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

func TestTakeSlotAdmitsOnceConcurrently(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const n = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, next, err := st.TakeSlot(ctx, 42, t0, 5*time.Second)
				if err != nil {
					t.Error(err)
					return
				}
				if !next.Equal(t0.Add(5 * time.Second)) {
					t.Errorf("next = %v", next)
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}

func TestBans(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		banned, err := st.IsBanned(ctx, 9)
		require.NoError(t, err)
		require.False(t, banned)

		require.NoError(t, st.Ban(ctx, 9, "spam", t0))
		require.NoError(t, st.Ban(ctx, 9, "", t0))
		banned, err = st.IsBanned(ctx, 9)
		require.NoError(t, err)
		require.True(t, banned)

		require.NoError(t, st.Unban(ctx, 9))
		banned, err = st.IsBanned(ctx, 9)
		require.NoError(t, err)
		require.False(t, banned)
	})
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, _, err := st.Pick(context.Background(), "photo", nil, t0, time.Second)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestMemorySeenDoesNotCreateState(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	seen, err := st.Seen(ctx, "photo", 5)
	require.NoError(t, err)
	require.Empty(t, seen)
	r, err := st.ResetIfExhausted(ctx, "photo", 5, []string{"a"})
	require.NoError(t, err)
	require.False(t, r.Happened())
	r, err = st.ForceReset(ctx, "photo", 5)
	require.NoError(t, err)
	require.False(t, r.Happened())

	m := st.(*memoryStore)
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	require.Empty(t, m.watch)
}

func TestMarkSeenStampsCallerTime(t *testing.T) {
	ctx := context.Background()

	mem := NewMemory()
	require.NoError(t, mem.MarkSeen(ctx, "photo", 1, "a", t0))
	require.NoError(t, mem.MarkSeen(ctx, "photo", 1, "a", t0.Add(time.Hour)))
	rec := mem.(*memoryStore).lookup(watchKey{"photo", 1})
	require.True(t, rec.seen["a"].Equal(t0), "a repeat keeps the first time")

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "vault.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.MarkSeen(ctx, "photo", 1, "a", t0))
	require.NoError(t, st.MarkSeen(ctx, "photo", 1, "a", t0.Add(time.Hour)))

	var ms int64
	row := st.(*sqliteStore).db.QueryRowContext(ctx,
		`SELECT seen_at FROM watch_seen WHERE catalog = ? AND user_id = ? AND item_id = ?`, "photo", 1, "a")
	require.NoError(t, row.Scan(&ms))
	require.Equal(t, t0.UnixMilli(), ms)
}
