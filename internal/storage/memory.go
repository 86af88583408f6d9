package storage

import (
	"context"
	"hash/maphash"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const watchStripes = 64

type memItem struct {
	Item
	token string
}

type watchKey struct {
	catalog string
	user    int64
}

type watchRecord struct {
	seen       map[string]time.Time
	noticeSent bool
}

type banRecord struct {
	reason string
	at     time.Time
}

// memoryStore keeps everything in process memory. Catalog transitions happen
// under one mutex; watch records are guarded by per-user lock stripes so
// different users never contend.
type memoryStore struct {
	closed atomic.Bool

	mu    sync.Mutex
	items map[string]map[string]*memItem // catalog -> id
	keys  map[string]map[string]string   // catalog -> unique key -> id

	watchMu sync.Mutex
	watch   map[watchKey]*watchRecord
	stripes [watchStripes]sync.Mutex
	seed    maphash.Seed

	rateMu sync.Mutex
	rates  map[int64]time.Time

	banMu sync.RWMutex
	bans  map[int64]banRecord
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{
		items: map[string]map[string]*memItem{},
		keys:  map[string]map[string]string{},
		watch: map[watchKey]*watchRecord{},
		seed:  maphash.MakeSeed(),
		rates: map[int64]time.Time{},
		bans:  map[int64]banRecord{},
	}
}

func (m *memoryStore) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memoryStore) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func eligible(it *memItem, now time.Time) bool {
	switch it.State {
	case StateActive:
		return true
	case StateReserved:
		return !now.Before(it.ReservedUntil)
	default:
		return false
	}
}

// ---- catalog ----

func (m *memoryStore) Pick(ctx context.Context, catalog string, seen map[string]struct{}, now time.Time, lease time.Duration) (Lease, bool, error) {
	if err := m.check(ctx); err != nil {
		return Lease{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*memItem
	for id, it := range m.items[catalog] {
		if _, ok := seen[id]; ok {
			continue
		}
		if eligible(it, now) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return Lease{}, false, nil
	}
	it := candidates[rand.Intn(len(candidates))]
	it.State = StateReserved
	it.ReservedUntil = now.Add(lease)
	it.token = uuid.NewString()
	return Lease{Catalog: catalog, ItemID: it.ID, Token: it.token, Until: it.ReservedUntil}, true, nil
}

func (m *memoryStore) endLease(ctx context.Context, l Lease) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[l.Catalog][l.ItemID]
	if it == nil {
		return ErrNotFound
	}
	if it.State != StateReserved || it.token != l.Token {
		return ErrLeaseLost
	}
	it.State = StateActive
	it.token = ""
	return nil
}

func (m *memoryStore) Release(ctx context.Context, l Lease) error { return m.endLease(ctx, l) }

func (m *memoryStore) ConfirmDelivered(ctx context.Context, l Lease) error {
	return m.endLease(ctx, l)
}

func (m *memoryStore) Retire(ctx context.Context, catalog, id string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[catalog][id]
	if it == nil {
		return ErrNotFound
	}
	it.State = StateRetired
	it.token = ""
	return nil
}

func (m *memoryStore) ActiveIDs(ctx context.Context, catalog string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items[catalog]))
	for id, it := range m.items[catalog] {
		if it.State != StateRetired {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memoryStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.items {
		for _, it := range byID {
			if it.State == StateReserved && !now.Before(it.ReservedUntil) {
				it.State = StateActive
				it.token = ""
				n++
			}
		}
	}
	return n, nil
}

func (m *memoryStore) Stats(ctx context.Context, catalog string) (CatalogStats, error) {
	if err := m.check(ctx); err != nil {
		return CatalogStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var st CatalogStats
	for _, it := range m.items[catalog] {
		switch it.State {
		case StateActive:
			st.Active++
		case StateReserved:
			st.Reserved++
		case StateRetired:
			st.Retired++
		}
	}
	return st, nil
}

func (m *memoryStore) Ingest(ctx context.Context, catalog, id, uniqueKey string, now time.Time) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.items[catalog]
	if byID == nil {
		byID = map[string]*memItem{}
		m.items[catalog] = byID
	}
	if _, dup := byID[id]; dup {
		return false, nil
	}
	if uniqueKey != "" {
		byKey := m.keys[catalog]
		if byKey == nil {
			byKey = map[string]string{}
			m.keys[catalog] = byKey
		}
		if _, dup := byKey[uniqueKey]; dup {
			return false, nil
		}
		byKey[uniqueKey] = id
	}
	byID[id] = &memItem{Item: Item{
		Catalog:   catalog,
		ID:        id,
		UniqueKey: uniqueKey,
		State:     StateActive,
		CreatedAt: now,
	}}
	return true, nil
}

func (m *memoryStore) Purge(ctx context.Context, catalog, id string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[catalog][id]
	if it == nil {
		return ErrNotFound
	}
	if it.UniqueKey != "" {
		delete(m.keys[catalog], it.UniqueKey)
	}
	delete(m.items[catalog], id)
	return nil
}

// ---- watch state ----

func (m *memoryStore) stripe(k watchKey) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(m.seed)
	h.WriteString(k.catalog)
	var b [8]byte
	for i := range b {
		b[i] = byte(uint64(k.user) >> (8 * i))
	}
	h.Write(b[:])
	return &m.stripes[h.Sum64()%watchStripes]
}

// record returns the watch record for k, creating it if needed. Callers hold
// the stripe lock for k.
func (m *memoryStore) record(k watchKey) *watchRecord {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	r := m.watch[k]
	if r == nil {
		r = &watchRecord{seen: map[string]time.Time{}}
		m.watch[k] = r
	}
	return r
}

// lookup is record without the insert; nil means the user has no state.
func (m *memoryStore) lookup(k watchKey) *watchRecord {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return m.watch[k]
}

func (m *memoryStore) Seen(ctx context.Context, catalog string, userID int64) (map[string]struct{}, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	k := watchKey{catalog, userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	r := m.lookup(k)
	if r == nil {
		return map[string]struct{}{}, nil
	}
	out := make(map[string]struct{}, len(r.seen))
	for id := range r.seen {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *memoryStore) MarkSeen(ctx context.Context, catalog string, userID int64, itemID string, now time.Time) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	k := watchKey{catalog, userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	r := m.record(k)
	if _, ok := r.seen[itemID]; !ok {
		r.seen[itemID] = now
	}
	r.noticeSent = false
	return nil
}

func (m *memoryStore) ResetIfExhausted(ctx context.Context, catalog string, userID int64, activeIDs []string) (Reset, error) {
	if err := m.check(ctx); err != nil {
		return Reset{}, err
	}
	if len(activeIDs) == 0 {
		return Reset{}, nil
	}
	k := watchKey{catalog, userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	r := m.lookup(k)
	if r == nil {
		return Reset{}, nil
	}
	for _, id := range activeIDs {
		if _, ok := r.seen[id]; !ok {
			return Reset{}, nil
		}
	}
	return r.clear(), nil
}

func (m *memoryStore) ForceReset(ctx context.Context, catalog string, userID int64) (Reset, error) {
	if err := m.check(ctx); err != nil {
		return Reset{}, err
	}
	k := watchKey{catalog, userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	r := m.lookup(k)
	if r == nil {
		return Reset{}, nil
	}
	return r.clear(), nil
}

func (r *watchRecord) clear() Reset {
	n := len(r.seen)
	if n == 0 {
		return Reset{}
	}
	res := Reset{Cleared: n, Notify: !r.noticeSent}
	r.seen = map[string]time.Time{}
	r.noticeSent = true
	return res
}

// ---- rate state ----

func (m *memoryStore) TakeSlot(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (bool, time.Time, error) {
	if err := m.check(ctx); err != nil {
		return false, time.Time{}, err
	}
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	if next, ok := m.rates[userID]; ok && now.Before(next) {
		return false, next, nil
	}
	next := now.Add(cooldown)
	m.rates[userID] = next
	return true, next, nil
}

func (m *memoryStore) PruneRates(ctx context.Context, now time.Time) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	n := 0
	for id, next := range m.rates {
		if !now.Before(next) {
			delete(m.rates, id)
			n++
		}
	}
	return n, nil
}

// ---- bans ----

func (m *memoryStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	m.banMu.RLock()
	defer m.banMu.RUnlock()
	_, ok := m.bans[userID]
	return ok, nil
}

func (m *memoryStore) Ban(ctx context.Context, userID int64, reason string, now time.Time) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.banMu.Lock()
	m.bans[userID] = banRecord{reason: reason, at: now}
	m.banMu.Unlock()
	return nil
}

func (m *memoryStore) Unban(ctx context.Context, userID int64) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.banMu.Lock()
	delete(m.bans, userID)
	m.banMu.Unlock()
	return nil
}
