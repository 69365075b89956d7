package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver registration

	"github.com/stellwerk/stationwatch/database"
	"github.com/stellwerk/stationwatch/internal/timetable"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore persists timetable data in PostgreSQL through the pgx
// stdlib driver.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig carries connection settings for NewPostgresStore.
type PostgresConfig struct {
	ConnString      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore opens a connection pool and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	store := &PostgresStore{db: db, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// ensureSchema applies the initial schema so a fresh database works
// without running the migration tooling; every statement is
// idempotent.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, database.InitSchema()); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("database schema ensured")
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return newError("ping", err)
	}
	return nil
}

// HasStation reports whether metadata for the station exists.
func (s *PostgresStore) HasStation(ctx context.Context, eva int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stations WHERE eva = $1)`, eva).Scan(&exists)
	if err != nil {
		return false, newError("has_station", err)
	}
	return exists, nil
}

// UpsertStation inserts or refreshes station metadata.
func (s *PostgresStore) UpsertStation(ctx context.Context, station *timetable.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (eva, name, ds100, platforms)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (eva) DO UPDATE SET
			name       = EXCLUDED.name,
			ds100      = EXCLUDED.ds100,
			platforms  = EXCLUDED.platforms,
			updated_at = now()`,
		station.EVA, station.Name, station.DS100, station.Platforms)
	if err != nil {
		return newError("upsert_station", err)
	}
	return nil
}

// HasPlannedCoverage reports whether any planned events exist for the
// station inside [start, end].
func (s *PostgresStore) HasPlannedCoverage(ctx context.Context, eva int64, start, end time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM planned_events
			WHERE eva = $1 AND planned_time >= $2 AND planned_time <= $3
		)`, eva, start, end).Scan(&exists)
	if err != nil {
		return false, newError("has_planned_coverage", err)
	}
	return exists, nil
}

// UpsertStopRecords applies reconciled records inside one
// transaction. Planned events are upserted last-writer-wins keyed by
// (stop_id, event_type). Changed events are appended unless the latest
// stored row carries the identical observation or the exact row is
// already stored anywhere in the history; records replay their full
// change history on every commit, so both checks are needed to keep
// the operation idempotent.
func (s *PostgresStore) UpsertStopRecords(ctx context.Context, eva int64, records []*timetable.StopRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError("upsert_stop_records", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, rec := range records {
		bucket, ok := rec.HourBucket()
		if ok {
			for _, planned := range []*timetable.PlannedEvent{rec.Arrival, rec.Departure} {
				if planned == nil || planned.Time.IsZero() {
					continue
				}
				if err := upsertPlanned(ctx, tx, eva, bucket, planned); err != nil {
					return newError("upsert_stop_records", err)
				}
			}
		}
		// Orphan records (no planned event yet) still get their
		// change history persisted; the orphan query below finds them.
		for _, change := range rec.ArrivalChanges {
			if err := appendChanged(ctx, tx, eva, change); err != nil {
				return newError("upsert_stop_records", err)
			}
		}
		for _, change := range rec.DepartureChanges {
			if err := appendChanged(ctx, tx, eva, change); err != nil {
				return newError("upsert_stop_records", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return newError("upsert_stop_records", err)
	}
	return nil
}

func upsertPlanned(ctx context.Context, tx *sql.Tx, eva int64, bucket time.Time, ev *timetable.PlannedEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO planned_events (
			stop_id, event_type, eva, hour_bucket, planned_time, platform, path,
			category, train_number, line, operator, destination, wings, hidden
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (stop_id, event_type) DO UPDATE SET
			eva          = EXCLUDED.eva,
			hour_bucket  = EXCLUDED.hour_bucket,
			planned_time = EXCLUDED.planned_time,
			platform     = EXCLUDED.platform,
			path         = EXCLUDED.path,
			category     = EXCLUDED.category,
			train_number = EXCLUDED.train_number,
			line         = EXCLUDED.line,
			operator     = EXCLUDED.operator,
			destination  = EXCLUDED.destination,
			wings        = EXCLUDED.wings,
			hidden       = EXCLUDED.hidden,
			updated_at   = now()`,
		string(ev.StopID), string(ev.Kind), eva, bucket, ev.Time,
		nullable(ev.Platform), nullable(joinPath(ev.Path)),
		nullable(ev.Category), nullable(ev.Number), nullable(ev.Line),
		nullable(ev.Operator), nullable(ev.Destination), nullable(ev.Wings), ev.Hidden)
	return err
}

func appendChanged(ctx context.Context, tx *sql.Tx, eva int64, ev timetable.ChangedEvent) error {
	var changedTime *time.Time
	if ev.Time != nil {
		t := *ev.Time
		changedTime = &t
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO changed_events (
			stop_id, event_type, eva, changed_time, platform, status, path,
			category, train_number, line, operator, destination, wings, hidden, fetched_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		WHERE NOT EXISTS (
			SELECT 1 FROM (
				SELECT changed_time, platform, status
				FROM changed_events
				WHERE stop_id = $1 AND event_type = $2
				ORDER BY fetched_at DESC, id DESC
				LIMIT 1
			) latest
			WHERE latest.changed_time IS NOT DISTINCT FROM $4::timestamptz
			  AND latest.platform     IS NOT DISTINCT FROM $5::text
			  AND latest.status       IS NOT DISTINCT FROM $6::text
		)
		AND NOT EXISTS (
			SELECT 1 FROM changed_events
			WHERE stop_id = $1 AND event_type = $2
			  AND changed_time IS NOT DISTINCT FROM $4::timestamptz
			  AND platform     IS NOT DISTINCT FROM $5::text
			  AND status       IS NOT DISTINCT FROM $6::text
			  AND fetched_at = $15
		)`,
		string(ev.StopID), string(ev.Kind), eva, changedTime,
		nullable(ev.Platform), nullable(ev.Status), nullable(joinPath(ev.Path)),
		nullable(ev.Category), nullable(ev.Number), nullable(ev.Line),
		nullable(ev.Operator), nullable(ev.Destination), nullable(ev.Wings),
		ev.Hidden, ev.FetchedAt)
	return err
}

// FindOrphanChanges returns stop ids with changed events fetched at or
// after cutoff but no planned event row.
func (s *PostgresStore) FindOrphanChanges(ctx context.Context, eva int64, cutoff time.Time) ([]timetable.StopID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ce.stop_id
		FROM changed_events ce
		WHERE ce.eva = $1 AND ce.fetched_at >= $2
		  AND NOT EXISTS (
			SELECT 1 FROM planned_events pe WHERE pe.stop_id = ce.stop_id
		  )`, eva, cutoff)
	if err != nil {
		return nil, newError("find_orphan_changes", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []timetable.StopID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, newError("find_orphan_changes", err)
		}
		ids = append(ids, timetable.StopID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, newError("find_orphan_changes", err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func joinPath(path []string) string {
	return strings.Join(path, "|")
}

var _ Store = (*PostgresStore)(nil)
