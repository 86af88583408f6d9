package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "vaultbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers inside this process; other processes
	// sharing the file are serialized by SQLite's own locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func seenJSON(seen map[string]struct{}) (string, error) {
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

// ---- catalog ----

// pickSQL reserves one random eligible row in a single statement. The outer
// predicate repeats the eligibility test so the update is a compare-and-set
// even when another process changed the row between subquery and update.
const pickSQL = `
UPDATE items SET state = 'reserved', reserved_until = ?, lease_token = ?
WHERE rowid = (
    SELECT rowid FROM items
    WHERE catalog = ?
      AND (state = 'active' OR (state = 'reserved' AND reserved_until <= ?))
      AND id NOT IN (SELECT value FROM json_each(?))
    ORDER BY RANDOM() LIMIT 1
)
AND (state = 'active' OR (state = 'reserved' AND reserved_until <= ?))
RETURNING id`

func (s *sqliteStore) Pick(ctx context.Context, catalog string, seen map[string]struct{}, now time.Time, lease time.Duration) (Lease, bool, error) {
	if err := s.ready(); err != nil {
		return Lease{}, false, err
	}
	exclude, err := seenJSON(seen)
	if err != nil {
		return Lease{}, false, err
	}
	until := now.Add(lease)
	token := uuid.NewString()
	nowMS := now.UnixMilli()

	var id string
	err = s.db.QueryRowContext(ctx, pickSQL, until.UnixMilli(), token, catalog, nowMS, exclude, nowMS).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("pick: %w", err)
	}
	return Lease{Catalog: catalog, ItemID: id, Token: token, Until: time.UnixMilli(until.UnixMilli())}, true, nil
}

func (s *sqliteStore) endLease(ctx context.Context, l Lease) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = 'active', lease_token = NULL
		 WHERE catalog = ? AND id = ? AND state = 'reserved' AND lease_token = ?`,
		l.Catalog, l.ItemID, l.Token,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqliteStore) Release(ctx context.Context, l Lease) error { return s.endLease(ctx, l) }

func (s *sqliteStore) ConfirmDelivered(ctx context.Context, l Lease) error {
	return s.endLease(ctx, l)
}

func (s *sqliteStore) Retire(ctx context.Context, catalog, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = 'retired', lease_token = NULL WHERE catalog = ? AND id = ?`,
		catalog, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ActiveIDs(ctx context.Context, catalog string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM items WHERE catalog = ? AND state != 'retired'`, catalog)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET state = 'active', lease_token = NULL WHERE state = 'reserved' AND reserved_until <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context, catalog string) (CatalogStats, error) {
	if err := s.ready(); err != nil {
		return CatalogStats{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM items WHERE catalog = ? GROUP BY state`, catalog)
	if err != nil {
		return CatalogStats{}, err
	}
	defer rows.Close()
	var st CatalogStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return CatalogStats{}, err
		}
		switch ItemState(state) {
		case StateActive:
			st.Active = n
		case StateReserved:
			st.Reserved = n
		case StateRetired:
			st.Retired = n
		}
	}
	return st, rows.Err()
}

func (s *sqliteStore) Ingest(ctx context.Context, catalog, id, uniqueKey string, now time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items(catalog, id, unique_key, state, created_at) VALUES(?,?,?,'active',?)
		 ON CONFLICT DO NOTHING`,
		catalog, id, nullStr(uniqueKey), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Purge(ctx context.Context, catalog, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE catalog = ? AND id = ?`, catalog, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM watch_seen WHERE catalog = ? AND item_id = ?`, catalog, id)
		return err
	})
}

// ---- watch state ----

func (s *sqliteStore) Seen(ctx context.Context, catalog string, userID int64) (map[string]struct{}, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM watch_seen WHERE catalog = ? AND user_id = ?`, catalog, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSeen(ctx context.Context, catalog string, userID int64, itemID string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO watch_seen(catalog, user_id, item_id, seen_at) VALUES(?,?,?,?)`,
			catalog, userID, itemID, now.UnixMilli(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO watch_state(catalog, user_id, notice_sent) VALUES(?,?,0)
			 ON CONFLICT(catalog, user_id) DO UPDATE SET notice_sent = 0`,
			catalog, userID,
		)
		return err
	})
}

func (s *sqliteStore) ResetIfExhausted(ctx context.Context, catalog string, userID int64, activeIDs []string) (Reset, error) {
	if err := s.ready(); err != nil {
		return Reset{}, err
	}
	if len(activeIDs) == 0 {
		return Reset{}, nil
	}
	active, err := json.Marshal(activeIDs)
	if err != nil {
		return Reset{}, err
	}
	var out Reset
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var unseen int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM json_each(?) a
			 WHERE a.value NOT IN (SELECT item_id FROM watch_seen WHERE catalog = ? AND user_id = ?)`,
			string(active), catalog, userID,
		).Scan(&unseen); err != nil {
			return err
		}
		if unseen > 0 {
			return nil
		}
		out, err = clearWatch(ctx, tx, catalog, userID)
		return err
	})
	return out, err
}

func (s *sqliteStore) ForceReset(ctx context.Context, catalog string, userID int64) (Reset, error) {
	if err := s.ready(); err != nil {
		return Reset{}, err
	}
	var out Reset
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = clearWatch(ctx, tx, catalog, userID)
		return err
	})
	return out, err
}

func clearWatch(ctx context.Context, tx *sql.Tx, catalog string, userID int64) (Reset, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM watch_seen WHERE catalog = ? AND user_id = ?`, catalog, userID)
	if err != nil {
		return Reset{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Reset{}, nil
	}
	var sent int
	err = tx.QueryRowContext(ctx,
		`SELECT notice_sent FROM watch_state WHERE catalog = ? AND user_id = ?`, catalog, userID,
	).Scan(&sent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Reset{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO watch_state(catalog, user_id, notice_sent) VALUES(?,?,1)
		 ON CONFLICT(catalog, user_id) DO UPDATE SET notice_sent = 1`,
		catalog, userID,
	); err != nil {
		return Reset{}, err
	}
	return Reset{Cleared: int(n), Notify: sent == 0}, nil
}

// ---- rate state ----

func (s *sqliteStore) TakeSlot(ctx context.Context, userID int64, now time.Time, cooldown time.Duration) (bool, time.Time, error) {
	if err := s.ready(); err != nil {
		return false, time.Time{}, err
	}
	nowMS := now.UnixMilli()
	nextMS := now.Add(cooldown).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_state(user_id, next_allowed_at) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET next_allowed_at = excluded.next_allowed_at
		 WHERE rate_state.next_allowed_at <= ?`,
		userID, nextMS, nowMS,
	)
	if err != nil {
		return false, time.Time{}, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, time.UnixMilli(nextMS), nil
	}
	var cur int64
	if err := s.db.QueryRowContext(ctx, `SELECT next_allowed_at FROM rate_state WHERE user_id = ?`, userID).Scan(&cur); err != nil {
		return false, time.Time{}, err
	}
	return false, time.UnixMilli(cur), nil
}

func (s *sqliteStore) PruneRates(ctx context.Context, now time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_state WHERE next_allowed_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- bans ----

func (s *sqliteStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Ban(ctx context.Context, userID int64, reason string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(user_id, reason, banned_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason, banned_at = excluded.banned_at`,
		userID, nullStr(reason), now.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Unban(ctx context.Context, userID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE user_id = ?`, userID)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
