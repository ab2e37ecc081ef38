package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/models"
)

type SQLiteDB struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := NewSQLiteDBFromDB(db)
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewSQLiteDBFromDB wraps an existing sql.DB connection
func NewSQLiteDBFromDB(db *sql.DB) *SQLiteDB {
	return &SQLiteDB{
		db:   db,
		now:  time.Now,
		log:  slog.Default().With("component", "database"),
		subs: make(map[chan struct{}]struct{}),
	}
}

func (s *SQLiteDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		start_time_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		distance_meters INTEGER NOT NULL,
		end_latitude REAL NOT NULL,
		end_longitude REAL NOT NULL,
		end_altitude REAL NOT NULL,
		max_speed_kmh REAL NOT NULL DEFAULT 0,
		elevation_gain_meters INTEGER NOT NULL DEFAULT 0,
		map_snapshot_url TEXT NOT NULL DEFAULT '',
		map_snapshot BLOB,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time_ms);
	CREATE INDEX IF NOT EXISTS idx_runs_sync_status ON runs(sync_status);

	CREATE TABLE IF NOT EXISTS pending_deletes (
		id TEXT PRIMARY KEY,
		deleted_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY DEFAULT 1,
		last_refresh_ms INTEGER,
		last_retry_ms INTEGER,
		CONSTRAINT single_state CHECK (id = 1)
	);

	INSERT OR IGNORE INTO sync_state (id) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// storageError wraps a driver error so callers can tell local failures
// apart and detect a full disk.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := dataerr.LocalUnknown
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		kind = dataerr.DiskFull
	}
	return &dataerr.LocalStorageError{Op: op, Kind: kind, Err: err}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertQuery = `
	INSERT INTO runs (
		id, start_time_ms, duration_ms, distance_meters,
		end_latitude, end_longitude, end_altitude,
		max_speed_kmh, elevation_gain_meters, map_snapshot_url,
		map_snapshot, sync_status, created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		start_time_ms = excluded.start_time_ms,
		duration_ms = excluded.duration_ms,
		distance_meters = excluded.distance_meters,
		end_latitude = excluded.end_latitude,
		end_longitude = excluded.end_longitude,
		end_altitude = excluded.end_altitude,
		max_speed_kmh = excluded.max_speed_kmh,
		elevation_gain_meters = excluded.elevation_gain_meters,
		map_snapshot_url = excluded.map_snapshot_url,
		map_snapshot = CASE
			WHEN excluded.sync_status = 'synced' THEN NULL
			ELSE COALESCE(excluded.map_snapshot, runs.map_snapshot)
		END,
		sync_status = excluded.sync_status,
		updated_at_ms = excluded.updated_at_ms`

func (s *SQLiteDB) upsert(ctx context.Context, ex execer, rec models.RunRecord, snapshot []byte) (models.RunRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncPending
	}
	if rec.SyncStatus == models.SyncSynced {
		snapshot = nil
	}
	rec.StartTime = rec.StartTime.UTC()

	now := s.now().UnixMilli()
	_, err := ex.ExecContext(ctx, upsertQuery,
		rec.ID, rec.StartTime.UnixMilli(), rec.Duration.Milliseconds(), rec.DistanceMeters,
		rec.EndLocation.Latitude, rec.EndLocation.Longitude, rec.EndLocation.Altitude,
		rec.MaxSpeedKmh, rec.ElevationGainMeters, rec.MapSnapshotURL,
		snapshot, string(rec.SyncStatus), now, now,
	)
	if err != nil {
		return models.RunRecord{}, err
	}
	return rec, nil
}

// Upsert inserts or replaces a run. A run without an ID is assigned one.
// The map snapshot is kept until the run is stored as synced.
func (s *SQLiteDB) Upsert(ctx context.Context, rec models.RunRecord, snapshot []byte) (models.RunRecord, error) {
	stored, err := s.upsert(ctx, s.db, rec, snapshot)
	if err != nil {
		return models.RunRecord{}, storageError("upsert", err)
	}
	s.notify()
	return stored, nil
}

// MarkSynced overwrites an existing run with the backend's copy and drops
// its map snapshot. It never inserts: a run deleted in the meantime yields
// dataerr.ErrRunNotFound and stays deleted.
func (s *SQLiteDB) MarkSynced(ctx context.Context, rec models.RunRecord) (models.RunRecord, error) {
	rec.SyncStatus = models.SyncSynced
	rec.StartTime = rec.StartTime.UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			start_time_ms = ?, duration_ms = ?, distance_meters = ?,
			end_latitude = ?, end_longitude = ?, end_altitude = ?,
			max_speed_kmh = ?, elevation_gain_meters = ?, map_snapshot_url = ?,
			map_snapshot = NULL, sync_status = ?, updated_at_ms = ?
		WHERE id = ?`,
		rec.StartTime.UnixMilli(), rec.Duration.Milliseconds(), rec.DistanceMeters,
		rec.EndLocation.Latitude, rec.EndLocation.Longitude, rec.EndLocation.Altitude,
		rec.MaxSpeedKmh, rec.ElevationGainMeters, rec.MapSnapshotURL,
		string(rec.SyncStatus), s.now().UnixMilli(), rec.ID,
	)
	if err != nil {
		return models.RunRecord{}, storageError("mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.RunRecord{}, storageError("mark synced", err)
	}
	if n == 0 {
		return models.RunRecord{}, dataerr.ErrRunNotFound
	}
	s.notify()
	return rec, nil
}

func tombstoned(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_deletes WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// UpsertAll stores runs in one transaction, skipping runs with a pending
// deletion. It returns how many runs were written.
func (s *SQLiteDB) UpsertAll(ctx context.Context, recs []models.RunRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("upsert all", err)
	}
	defer tx.Rollback()

	written := 0
	for _, rec := range recs {
		deleted, err := tombstoned(ctx, tx, rec.ID)
		if err != nil {
			return 0, storageError("upsert all", err)
		}
		if deleted {
			continue
		}
		if _, err := s.upsert(ctx, tx, rec, nil); err != nil {
			return 0, storageError("upsert all", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("upsert all", err)
	}
	if written > 0 {
		s.notify()
	}
	return written, nil
}

const runColumns = `
	id, start_time_ms, duration_ms, distance_meters,
	end_latitude, end_longitude, end_altitude,
	max_speed_kmh, elevation_gain_meters, map_snapshot_url, sync_status`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.RunRecord, error) {
	var (
		r                   models.RunRecord
		startMs, durationMs int64
		status              string
	)
	err := row.Scan(
		&r.ID, &startMs, &durationMs, &r.DistanceMeters,
		&r.EndLocation.Latitude, &r.EndLocation.Longitude, &r.EndLocation.Altitude,
		&r.MaxSpeedKmh, &r.ElevationGainMeters, &r.MapSnapshotURL, &status,
	)
	if err != nil {
		return models.RunRecord{}, err
	}
	r.StartTime = time.UnixMilli(startMs).UTC()
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.SyncStatus = models.SyncStatus(status)
	return r, nil
}

func (s *SQLiteDB) Get(ctx context.Context, id string) (models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunRecord{}, dataerr.ErrRunNotFound
		}
		return models.RunRecord{}, storageError("get", err)
	}
	return r, nil
}

// List returns runs matching filters, newest first by default.
func (s *SQLiteDB) List(ctx context.Context, filters RunFilters) ([]models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`

	var args []any
	var conditions []string

	if filters.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filters.SyncStatus))
	}
	if filters.DateFrom != nil {
		conditions = append(conditions, "start_time_ms >= ?")
		args = append(args, filters.DateFrom.UnixMilli())
	}
	if filters.DateTo != nil {
		conditions = append(conditions, "start_time_ms <= ?")
		args = append(args, filters.DateTo.UnixMilli())
	}
	if filters.MinDistance > 0 {
		conditions = append(conditions, "distance_meters >= ?")
		args = append(args, filters.MinDistance)
	}
	if filters.MaxDistance > 0 {
		conditions = append(conditions, "distance_meters <= ?")
		args = append(args, filters.MaxDistance)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	orderBy, ok := sortColumns[filters.SortBy]
	if !ok {
		return nil, fmt.Errorf("unsupported sort field %q", filters.SortBy)
	}
	order := "DESC"
	if strings.EqualFold(filters.SortOrder, "asc") {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id", orderBy, order)

	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)

		if filters.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filters.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("list", err)
	}
	defer rows.Close()

	runs := []models.RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storageError("list", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", err)
	}
	return runs, nil
}

// Subscribe emits the full run list now and again after every change until
// ctx is cancelled. Changes made while the reader is busy coalesce.
func (s *SQLiteDB) Subscribe(ctx context.Context) <-chan []models.RunRecord {
	changed := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[changed] = struct{}{}
	s.mu.Unlock()

	out := make(chan []models.RunRecord)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, changed)
			s.mu.Unlock()
		}()

		for {
			runs, err := s.List(ctx, RunFilters{})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("failed to list runs for subscriber", "error", err)
			} else {
				select {
				case out <- runs:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *SQLiteDB) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Delete removes a run and records a tombstone for the remote deletion in
// the same transaction.
func (s *SQLiteDB) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return storageError("delete", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageError("delete", err)
	} else if n == 0 {
		return dataerr.ErrRunNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_deletes (id, deleted_at_ms) VALUES (?, ?)`,
		id, s.now().UnixMilli())
	if err != nil {
		return storageError("delete", err)
	}

	if err := tx.Commit(); err != nil {
		return storageError("delete", err)
	}
	s.notify()
	return nil
}

// PendingUploads returns pending runs, oldest first.
func (s *SQLiteDB) PendingUploads(ctx context.Context) ([]PendingUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+`, map_snapshot FROM runs WHERE sync_status = ? ORDER BY start_time_ms ASC`,
		string(models.SyncPending))
	if err != nil {
		return nil, storageError("pending uploads", err)
	}
	defer rows.Close()

	var pending []PendingUpload
	for rows.Next() {
		var (
			p                   PendingUpload
			startMs, durationMs int64
			status              string
		)
		err := rows.Scan(
			&p.Record.ID, &startMs, &durationMs, &p.Record.DistanceMeters,
			&p.Record.EndLocation.Latitude, &p.Record.EndLocation.Longitude, &p.Record.EndLocation.Altitude,
			&p.Record.MaxSpeedKmh, &p.Record.ElevationGainMeters, &p.Record.MapSnapshotURL, &status,
			&p.MapSnapshot,
		)
		if err != nil {
			return nil, storageError("pending uploads", err)
		}
		p.Record.StartTime = time.UnixMilli(startMs).UTC()
		p.Record.Duration = time.Duration(durationMs) * time.Millisecond
		p.Record.SyncStatus = models.SyncStatus(status)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("pending uploads", err)
	}
	return pending, nil
}

// PendingDeletes returns the IDs of runs deleted locally but not yet
// remotely.
func (s *SQLiteDB) PendingDeletes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pending_deletes ORDER BY deleted_at_ms ASC`)
	if err != nil {
		return nil, storageError("pending deletes", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageError("pending deletes", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("pending deletes", err)
	}
	return ids, nil
}

func (s *SQLiteDB) RemovePendingDelete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_deletes WHERE id = ?`, id)
	return storageError("remove pending delete", err)
}

func (s *SQLiteDB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN sync_status = 'synced' THEN 1 ELSE 0 END), 0)
	FROM runs`).Scan(&stats.Total, &stats.Synced)
	if err != nil {
		return nil, storageError("stats", err)
	}
	stats.Pending = stats.Total - stats.Synced

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_deletes`).Scan(&stats.PendingDeletes); err != nil {
		return nil, storageError("stats", err)
	}

	var lastRefresh, lastRetry sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT last_refresh_ms, last_retry_ms FROM sync_state WHERE id = 1`).
		Scan(&lastRefresh, &lastRetry)
	if err != nil {
		return nil, storageError("stats", err)
	}
	stats.LastRefresh = msTime(lastRefresh)
	stats.LastRetry = msTime(lastRetry)

	return stats, nil
}

func msTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *SQLiteDB) SetLastRefresh(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_state SET last_refresh_ms = ? WHERE id = 1`, at.UnixMilli())
	return storageError("set last refresh", err)
}

func (s *SQLiteDB) SetLastRetry(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_state SET last_retry_ms = ? WHERE id = 1`, at.UnixMilli())
	return storageError("set last retry", err)
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
