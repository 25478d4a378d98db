// Package store persists the user's map selections (tracking and finished
// flags) and the learned per-server uptimes across restarts, backed by a
// local sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBadMapID is returned for non-positive map ids.
var ErrBadMapID = errors.New("map id must be positive")

// MapStatus is one map's persisted selection state.
type MapStatus struct {
	MapID      int        `json:"map_id"`
	Tracking   bool       `json:"tracking"`
	Finished   bool       `json:"finished"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store wraps the sqlite database. Safe for concurrent use; the connection
// pool is capped at one so sqlite never sees concurrent writers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetTracking marks a map as tracked or untracked.
func (s *Store) SetTracking(ctx context.Context, mapID int, tracking bool) error {
	if mapID <= 0 {
		return ErrBadMapID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO map_status(map_id, tracking, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(map_id) DO UPDATE SET
	tracking=excluded.tracking,
	updated_at=excluded.updated_at
`, mapID, boolToInt(tracking), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set tracking: %w", err)
	}
	return nil
}

// MarkFinished records a map as finished and stops tracking it. The map can
// be re-tracked immediately; any cooldown is applied at read time so the
// policy stays a configuration choice, not stored state.
func (s *Store) MarkFinished(ctx context.Context, mapID int) error {
	if mapID <= 0 {
		return ErrBadMapID
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO map_status(map_id, tracking, finished, finished_at, updated_at)
VALUES (?, 0, 1, ?, ?)
ON CONFLICT(map_id) DO UPDATE SET
	tracking=0,
	finished=1,
	finished_at=excluded.finished_at,
	updated_at=excluded.updated_at
`, mapID, ts(now), ts(now))
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

// ListStatuses returns every map's selection state, ordered by map id.
func (s *Store) ListStatuses(ctx context.Context) ([]MapStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT map_id, tracking, finished, finished_at
FROM map_status
ORDER BY map_id
`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []MapStatus
	for rows.Next() {
		var (
			st         MapStatus
			tracking   int
			finished   int
			finishedAt sql.NullString
		)
		if err := rows.Scan(&st.MapID, &tracking, &finished, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st.Tracking = tracking != 0
		st.Finished = finished != 0
		if finishedAt.Valid {
			if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				st.FinishedAt = &t
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TrackedMaps returns the ids the watcher should watch: every tracked map,
// minus maps finished within the cooldown. A zero cooldown means a finished
// map is re-trackable immediately.
func (s *Store) TrackedMaps(ctx context.Context, cooldown time.Duration, now time.Time) ([]int, error) {
	statuses, err := s.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, st := range statuses {
		if !st.Tracking {
			continue
		}
		if cooldown > 0 && st.FinishedAt != nil && now.Sub(*st.FinishedAt) < cooldown {
			continue
		}
		ids = append(ids, st.MapID)
	}
	return ids, nil
}

// UpsertUptime persists one server's learned cycle duration.
func (s *Store) UpsertUptime(ctx context.Context, server string, seconds int) error {
	if server == "" || seconds <= 0 {
		return fmt.Errorf("upsert uptime: bad server %q or seconds %d", server, seconds)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO server_uptimes(server, uptime_seconds, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(server) DO UPDATE SET
	uptime_seconds=excluded.uptime_seconds,
	updated_at=excluded.updated_at
`, server, seconds, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert uptime: %w", err)
	}
	return nil
}

// Uptimes returns all persisted server uptimes, for seeding the model.
func (s *Store) Uptimes(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT server, uptime_seconds FROM server_uptimes`)
	if err != nil {
		return nil, fmt.Errorf("list uptimes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			server  string
			seconds int
		)
		if err := rows.Scan(&server, &seconds); err != nil {
			return nil, fmt.Errorf("scan uptime: %w", err)
		}
		out[server] = seconds
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
