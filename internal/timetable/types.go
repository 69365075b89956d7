package timetable

import (
	"strings"
	"time"
)

// EventKind distinguishes arrival and departure events on a stop.
type EventKind string

const (
	// KindArrival is an arrival event at the monitored station
	KindArrival EventKind = "arrival"

	// KindDeparture is a departure event from the monitored station
	KindDeparture EventKind = "departure"
)

// StopID identifies one stop within one trip-day. The feed encodes it
// as "<dailyTripID>-<tripStartDate>-<stopIndex>", globally unique per
// trip-day (e.g. "123-2501010000-5").
type StopID string

// Parts splits the id into its daily trip id, trip start date and
// stop index components. The trip id itself may contain dashes, so
// the split is anchored on the last two separators.
func (id StopID) Parts() (tripID, startDate, index string) {
	s := string(id)
	last := strings.LastIndex(s, "-")
	if last < 0 {
		return s, "", ""
	}
	prev := strings.LastIndex(s[:last], "-")
	if prev < 0 {
		return s[:last], s[last+1:], ""
	}
	return s[:prev], s[prev+1 : last], s[last+1:]
}

// Station is the metadata of a monitored station, created on the
// first successful metadata fetch and owned by the store.
type Station struct {
	// EVA is the numeric station identifier used by the upstream feed
	EVA int64

	// Name is the display name of the station
	Name string

	// DS100 is the short operational code, empty if unknown
	DS100 string

	// Platforms is the number of platforms, 0 if unknown
	Platforms int
}

// PlannedEvent is a scheduled arrival or departure fact, fetched
// ahead of time in hourly slices. It is immutable once recorded for a
// given stop and kind unless a later planned fetch reports a
// different schedule (last writer wins).
type PlannedEvent struct {
	StopID StopID
	EVA    int64
	Kind   EventKind

	// Time is the scheduled time decoded from the feed's YYMMDDHHmm
	// encoding. A zero Time means the event could not be bucketed and
	// must be excluded from merging.
	Time time.Time

	// Platform is the scheduled platform, empty if not published
	Platform string

	// Path is the ordered list of station names along the trip
	Path []string

	// Trip label attributes
	Category    string
	Number      string
	Line        string
	Operator    string
	Destination string

	// Wings carries wing trip identifiers when the train runs joined
	Wings string

	// Hidden marks events the feed publishes but does not display
	Hidden bool
}

// ChangedEvent is a real-time update to a planned event. Changed
// events are append-only: each one represents the state as of its
// FetchedAt timestamp, and the current best-known value is the one
// with the latest FetchedAt.
type ChangedEvent struct {
	StopID StopID
	EVA    int64
	Kind   EventKind

	// Time is the observed time; nil when only a status or platform
	// changed.
	Time *time.Time

	// Platform is the observed platform, empty if unchanged
	Platform string

	// Status is the feed status code ("p" planned, "a" added,
	// "c" cancelled), empty if unchanged
	Status string

	// Path is the observed path when the route changed
	Path []string

	// Trip label attributes, when republished with the change
	Category    string
	Number      string
	Line        string
	Operator    string
	Destination string
	Wings       string
	Hidden      bool

	// FetchedAt records when this observation was retrieved
	FetchedAt time.Time
}

// SameObservation reports whether two changed events carry an
// identical observation (time, platform and status). Used by the dedup
// rule: a new event identical to the latest recorded one is dropped
// to keep idle polling from growing history without bound.
func (c ChangedEvent) SameObservation(o ChangedEvent) bool {
	if (c.Time == nil) != (o.Time == nil) {
		return false
	}
	if c.Time != nil && !c.Time.Equal(*o.Time) {
		return false
	}
	return c.Platform == o.Platform && c.Status == o.Status
}

// StopRecord is the unit of reconciliation: the merged per-stop view
// built from every planned and changed observation for one StopID.
// A record belongs to exactly one station and one hour-bucket derived
// from its planned time.
type StopRecord struct {
	ID  StopID
	EVA int64

	// Planned events per kind, nil until observed
	Arrival   *PlannedEvent
	Departure *PlannedEvent

	// Ordered change history per kind, oldest first
	ArrivalChanges   []ChangedEvent
	DepartureChanges []ChangedEvent
}

// Orphan reports whether the record carries changed events but no
// planned event yet, i.e. planned data for its trip has not been
// fetched.
func (r *StopRecord) Orphan() bool {
	return r.Arrival == nil && r.Departure == nil &&
		(len(r.ArrivalChanges) > 0 || len(r.DepartureChanges) > 0)
}

// HourBucket returns the persistence shard of the record: the hour of
// its planned departure when present, else its planned arrival. ok is
// false while no planned event is known; such records cannot be
// persisted into a shard yet.
func (r *StopRecord) HourBucket() (time.Time, bool) {
	switch {
	case r.Departure != nil && !r.Departure.Time.IsZero():
		return r.Departure.Time.Truncate(time.Hour), true
	case r.Arrival != nil && !r.Arrival.Time.IsZero():
		return r.Arrival.Time.Truncate(time.Hour), true
	}
	return time.Time{}, false
}

// Planned returns the planned event of the given kind, nil if none.
func (r *StopRecord) Planned(kind EventKind) *PlannedEvent {
	if kind == KindArrival {
		return r.Arrival
	}
	return r.Departure
}

// Changes returns the change history of the given kind.
func (r *StopRecord) Changes(kind EventKind) []ChangedEvent {
	if kind == KindArrival {
		return r.ArrivalChanges
	}
	return r.DepartureChanges
}

// LatestChange returns the most recent changed event of the given
// kind, nil if the history is empty.
func (r *StopRecord) LatestChange(kind EventKind) *ChangedEvent {
	changes := r.Changes(kind)
	if len(changes) == 0 {
		return nil
	}
	return &changes[len(changes)-1]
}
