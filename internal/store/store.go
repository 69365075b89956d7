// Package store persists reconciled timetable data. The engine core
// depends only on the Store interface; the PostgreSQL implementation
// and an in-memory implementation for tests live behind it.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

// Store is the persistence capability consumed by the engine. All
// write operations are idempotent: applying the same record twice
// yields the same stored state.
type Store interface {
	// HasStation reports whether metadata for the station exists.
	HasStation(ctx context.Context, eva int64) (bool, error)

	// UpsertStation inserts or refreshes station metadata.
	UpsertStation(ctx context.Context, station *timetable.Station) error

	// HasPlannedCoverage reports whether planned events exist for the
	// station inside [start, end]. Used to skip redundant planned
	// fetches at initialization.
	HasPlannedCoverage(ctx context.Context, eva int64, start, end time.Time) (bool, error)

	// UpsertStopRecords durably applies reconciled stop records:
	// planned events are upserted last-writer-wins, changed events
	// are appended unless already stored. Records carry their full
	// change history, so applying the same record twice yields the
	// same stored state.
	UpsertStopRecords(ctx context.Context, eva int64, records []*timetable.StopRecord) error

	// FindOrphanChanges returns stop ids that have changed events
	// fetched at or after cutoff but no planned event. They drive the
	// supplementary-fetch heuristic. The caller derives the cutoff
	// from its own clock.
	FindOrphanChanges(ctx context.Context, eva int64, cutoff time.Time) ([]timetable.StopID, error)

	// Ping verifies connectivity to the backing storage.
	Ping(ctx context.Context) error

	// Close releases held connections.
	Close() error
}

// Error is the persistence failure taxonomy surfaced to the engine.
type Error struct {
	Operation string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(operation string, err error) *Error {
	return &Error{Operation: operation, Err: err}
}
