package store

import (
	"context"
	"sync"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

// MemoryStore is an in-process Store used by tests and dry runs. It
// applies the same semantics as the PostgreSQL implementation:
// last-writer-wins planned upserts and append-unless-identical change
// history.
type MemoryStore struct {
	mu       sync.RWMutex
	stations map[int64]timetable.Station
	planned  map[plannedKey]timetable.PlannedEvent
	changes  map[changeKey][]timetable.ChangedEvent
}

type plannedKey struct {
	stopID timetable.StopID
	kind   timetable.EventKind
}

type changeKey struct {
	stopID timetable.StopID
	kind   timetable.EventKind
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations: make(map[int64]timetable.Station),
		planned:  make(map[plannedKey]timetable.PlannedEvent),
		changes:  make(map[changeKey][]timetable.ChangedEvent),
	}
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

// HasStation reports whether metadata for the station exists.
func (m *MemoryStore) HasStation(_ context.Context, eva int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stations[eva]
	return ok, nil
}

// UpsertStation inserts or refreshes station metadata.
func (m *MemoryStore) UpsertStation(_ context.Context, station *timetable.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[station.EVA] = *station
	return nil
}

// Station returns the stored metadata, used by tests.
func (m *MemoryStore) Station(eva int64) (timetable.Station, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stations[eva]
	return st, ok
}

// HasPlannedCoverage reports whether any planned event for the
// station falls inside [start, end].
func (m *MemoryStore) HasPlannedCoverage(_ context.Context, eva int64, start, end time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.planned {
		if ev.EVA == eva && !ev.Time.Before(start) && !ev.Time.After(end) {
			return true, nil
		}
	}
	return false, nil
}

// UpsertStopRecords applies reconciled records with the same
// semantics as the PostgreSQL store.
func (m *MemoryStore) UpsertStopRecords(_ context.Context, eva int64, records []*timetable.StopRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		for _, planned := range []*timetable.PlannedEvent{rec.Arrival, rec.Departure} {
			if planned == nil || planned.Time.IsZero() {
				continue
			}
			ev := *planned
			if ev.EVA == 0 {
				ev.EVA = eva
			}
			m.planned[plannedKey{stopID: rec.ID, kind: ev.Kind}] = ev
		}
		m.appendChanges(eva, rec.ID, rec.ArrivalChanges)
		m.appendChanges(eva, rec.ID, rec.DepartureChanges)
	}
	return nil
}

func (m *MemoryStore) appendChanges(eva int64, stopID timetable.StopID, changes []timetable.ChangedEvent) {
	for _, ev := range changes {
		if ev.EVA == 0 {
			ev.EVA = eva
		}
		key := changeKey{stopID: stopID, kind: ev.Kind}
		history := m.changes[key]
		if len(history) > 0 && history[len(history)-1].SameObservation(ev) {
			continue
		}
		if containsChange(history, ev) {
			continue
		}
		m.changes[key] = append(history, ev)
	}
}

// containsChange reports whether the exact row is already stored.
// Committed records replay their full change history on every commit,
// so a replayed row must be recognized anywhere in the history, not
// only at its tail; FetchedAt distinguishes a replayed row from a
// genuine later re-observation of the same values.
func containsChange(history []timetable.ChangedEvent, ev timetable.ChangedEvent) bool {
	for _, stored := range history {
		if stored.SameObservation(ev) && stored.FetchedAt.Equal(ev.FetchedAt) {
			return true
		}
	}
	return false
}

// PlannedEvent returns the stored planned event, used by tests.
func (m *MemoryStore) PlannedEvent(stopID timetable.StopID, kind timetable.EventKind) (timetable.PlannedEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.planned[plannedKey{stopID: stopID, kind: kind}]
	return ev, ok
}

// ChangeHistory returns the stored change history, used by tests.
func (m *MemoryStore) ChangeHistory(stopID timetable.StopID, kind timetable.EventKind) []timetable.ChangedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.changes[changeKey{stopID: stopID, kind: kind}]
	out := make([]timetable.ChangedEvent, len(history))
	copy(out, history)
	return out
}

// FindOrphanChanges returns stop ids with changed events fetched at or
// after cutoff but no planned event.
func (m *MemoryStore) FindOrphanChanges(_ context.Context, eva int64, cutoff time.Time) ([]timetable.StopID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[timetable.StopID]bool)
	var ids []timetable.StopID
	for key, history := range m.changes {
		if seen[key.stopID] {
			continue
		}
		if m.hasPlannedFor(key.stopID) {
			continue
		}
		for _, ev := range history {
			if ev.EVA == eva && !ev.FetchedAt.Before(cutoff) {
				seen[key.stopID] = true
				ids = append(ids, key.stopID)
				break
			}
		}
	}
	return ids, nil
}

func (m *MemoryStore) hasPlannedFor(stopID timetable.StopID) bool {
	if _, ok := m.planned[plannedKey{stopID: stopID, kind: timetable.KindArrival}]; ok {
		return true
	}
	_, ok := m.planned[plannedKey{stopID: stopID, kind: timetable.KindDeparture}]
	return ok
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
