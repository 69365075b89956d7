// Package reconcile implements the merge of planned and changed
// timetable events into per-stop records. The merge is pure: it never
// fails, malformed records are skipped and counted, and applying the
// same batch twice yields the same result.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

// Stats summarizes the outcome of one merge call.
type Stats struct {
	// Inserted counts stop records created by this batch
	Inserted int

	// Updated counts existing records whose state changed
	Updated int

	// Unchanged counts incoming events that matched the stored state
	Unchanged int

	// Skipped counts malformed events excluded from the merge
	Skipped int

	// Orphans lists stop ids that carry changed events but no planned
	// event. The scheduler uses them as a widen-window hint.
	Orphans []timetable.StopID
}

// Add accumulates another Stats into s.
func (s *Stats) Add(o Stats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.Orphans = append(s.Orphans, o.Orphans...)
}

// Reconciler merges event batches into a per-station record set. It
// holds no state of its own; the caller owns the record map and must
// serialize calls per station.
type Reconciler struct {
	logger *slog.Logger
}

// New creates a Reconciler. A nil logger falls back to the default.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger}
}

// MergePlanned applies a batch of planned events to the record set.
// Events are grouped by the hour of their scheduled time; an event
// with a zero scheduled time cannot be bucketed and is skipped. For a
// known stop the planned event of the matching kind is overwritten,
// last writer wins.
func (r *Reconciler) MergePlanned(
	records map[timetable.StopID]*timetable.StopRecord,
	events []timetable.PlannedEvent,
) Stats {
	var stats Stats

	for _, buckets := range groupPlannedByHour(events) {
		for i := range buckets {
			ev := buckets[i]
			rec, ok := records[ev.StopID]
			if !ok {
				rec = &timetable.StopRecord{ID: ev.StopID, EVA: ev.EVA}
				records[ev.StopID] = rec
				r.setPlanned(rec, ev)
				stats.Inserted++
				continue
			}

			current := rec.Planned(ev.Kind)
			if current != nil && plannedEqual(*current, ev) {
				stats.Unchanged++
				continue
			}
			wasOrphan := rec.Orphan()
			r.setPlanned(rec, ev)
			if wasOrphan {
				// A plan arrived for a previously orphaned change;
				// the record is now complete.
				r.logger.Debug("orphan stop resolved by planned event",
					"stop_id", ev.StopID, "eva", ev.EVA)
			}
			stats.Updated++
		}
	}

	stats.Skipped = countUnbucketable(r.logger, events)
	stats.Orphans = collectOrphans(records)
	return stats
}

// MergeChanged applies a batch of changed events to the record set.
// A change for an unknown stop id creates an orphan record; the ids
// of all orphans are surfaced in the returned stats. A change that is
// identical (same time, platform, status) to the latest recorded one
// for its stop and kind is dropped.
func (r *Reconciler) MergeChanged(
	records map[timetable.StopID]*timetable.StopRecord,
	events []timetable.ChangedEvent,
) Stats {
	var stats Stats

	for _, ev := range events {
		if ev.StopID == "" {
			r.logger.Warn("changed event without stop id skipped", "eva", ev.EVA)
			stats.Skipped++
			continue
		}

		rec, ok := records[ev.StopID]
		if !ok {
			rec = &timetable.StopRecord{ID: ev.StopID, EVA: ev.EVA}
			records[ev.StopID] = rec
			appendChange(rec, ev)
			stats.Inserted++
			if rec.Orphan() {
				trip, day, _ := ev.StopID.Parts()
				r.logger.Debug("change for unknown stop recorded as orphan",
					"stop_id", ev.StopID, "trip", trip, "trip_day", day)
			}
			continue
		}

		if latest := rec.LatestChange(ev.Kind); latest != nil && latest.SameObservation(ev) {
			stats.Unchanged++
			continue
		}
		appendChange(rec, ev)
		stats.Updated++
	}

	stats.Orphans = collectOrphans(records)
	return stats
}

func (r *Reconciler) setPlanned(rec *timetable.StopRecord, ev timetable.PlannedEvent) {
	ev.Time = ev.Time.Truncate(time.Minute)
	if ev.Kind == timetable.KindArrival {
		rec.Arrival = &ev
	} else {
		rec.Departure = &ev
	}
	if rec.EVA == 0 {
		rec.EVA = ev.EVA
	}
}

func appendChange(rec *timetable.StopRecord, ev timetable.ChangedEvent) {
	if ev.Kind == timetable.KindArrival {
		rec.ArrivalChanges = append(rec.ArrivalChanges, ev)
	} else {
		rec.DepartureChanges = append(rec.DepartureChanges, ev)
	}
	if rec.EVA == 0 {
		rec.EVA = ev.EVA
	}
}

// groupPlannedByHour buckets planned events by the hour of their
// scheduled time. Events with a zero time are excluded.
func groupPlannedByHour(events []timetable.PlannedEvent) map[time.Time][]timetable.PlannedEvent {
	buckets := make(map[time.Time][]timetable.PlannedEvent)
	for _, ev := range events {
		if ev.Time.IsZero() || ev.StopID == "" {
			continue
		}
		hour := ev.Time.Truncate(time.Hour)
		buckets[hour] = append(buckets[hour], ev)
	}
	return buckets
}

func countUnbucketable(logger *slog.Logger, events []timetable.PlannedEvent) int {
	skipped := 0
	for _, ev := range events {
		if ev.Time.IsZero() || ev.StopID == "" {
			logger.Warn("planned event cannot be bucketed, skipping",
				"stop_id", ev.StopID, "eva", ev.EVA, "kind", ev.Kind)
			skipped++
		}
	}
	return skipped
}

func collectOrphans(records map[timetable.StopID]*timetable.StopRecord) []timetable.StopID {
	var orphans []timetable.StopID
	for id, rec := range records {
		if rec.Orphan() {
			orphans = append(orphans, id)
		}
	}
	return orphans
}

func plannedEqual(a, b timetable.PlannedEvent) bool {
	if !a.Time.Equal(b.Time.Truncate(time.Minute)) {
		return false
	}
	if a.Platform != b.Platform || a.Hidden != b.Hidden {
		return false
	}
	if a.Category != b.Category || a.Number != b.Number || a.Line != b.Line ||
		a.Operator != b.Operator || a.Destination != b.Destination || a.Wings != b.Wings {
		return false
	}
	if len(a.Path) != len(b.Path) {
		return false
	}
	for i := range a.Path {
		if a.Path[i] != b.Path[i] {
			return false
		}
	}
	return true
}
