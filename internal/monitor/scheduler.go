package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellwerk/stationwatch/internal/feed"
	"github.com/stellwerk/stationwatch/internal/reconcile"
	"github.com/stellwerk/stationwatch/internal/retry"
	"github.com/stellwerk/stationwatch/internal/store"
	"github.com/stellwerk/stationwatch/internal/telemetry"
	"github.com/stellwerk/stationwatch/internal/timetable"
)

// State is the scheduler's cadence state, observable for logging and
// tests. Transitions happen only inside Tick and Initialize.
type State string

const (
	// StateIdle means no fetch is running and no backoff is active
	StateIdle State = "idle"
	// StateFetchingPlanned means a planned-window fetch is in flight
	StateFetchingPlanned State = "fetching_planned"
	// StateFetchingChanges means a recent-changes fetch is in flight
	StateFetchingChanges State = "fetching_changes"
	// StateBackoff means the escalation window is active and all
	// fetches are skipped until it expires
	StateBackoff State = "backoff"
)

// Cadence configures one scheduler's fetch rhythm and escalation
// behaviour.
type Cadence struct {
	// PlannedInterval is the minimum time between planned fetches
	PlannedInterval time.Duration

	// ChangesInterval is the minimum time between recent-change fetches
	ChangesInterval time.Duration

	// Lookahead bounds the planned window forward from now
	Lookahead time.Duration

	// Lookbehind widens the first planned window backward from now
	Lookbehind time.Duration

	// OrphanLookback is how far back a supplementary planned fetch
	// reaches when orphan changes are observed
	OrphanLookback time.Duration

	// EscalationThreshold is the consecutive failed-tick count that
	// triggers the backoff window
	EscalationThreshold int

	// EscalationBackoff is the length of the backoff window
	EscalationBackoff time.Duration

	// MaxWideningFetches bounds how many supplementary planned fetches
	// a scheduler may issue over its lifetime
	MaxWideningFetches int
}

// DefaultCadence mirrors the intervals the upstream feed is built
// around: hourly planned slices, changes published every 30 seconds.
func DefaultCadence() Cadence {
	return Cadence{
		PlannedInterval:     time.Hour,
		ChangesInterval:     2 * time.Minute,
		Lookahead:           6 * time.Hour,
		Lookbehind:          time.Hour,
		OrphanLookback:      3 * time.Hour,
		EscalationThreshold: 5,
		EscalationBackoff:   10 * time.Minute,
		MaxWideningFetches:  3,
	}
}

// Scheduler owns one station's synchronization loop: cadence
// decisions, retried feed calls, reconciliation against a per-station
// write-through cache, and commits to the store.
//
// All mutation happens under mu; Tick uses TryLock so a slow tick is
// skipped rather than queued behind the previous one.
type Scheduler struct {
	eva     int64
	cadence Cadence

	feed       feed.Client
	store      store.Store
	executor   *retry.Executor
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	metrics    *telemetry.SyncMetrics

	now func() time.Time

	mu sync.Mutex

	// records is the station-scoped write-through cache ahead of the
	// store. Only the lock holder touches it.
	records map[timetable.StopID]*timetable.StopRecord

	state            State
	lastPlannedFetch time.Time
	lastChangesFetch time.Time
	escalationUntil  time.Time
	failureTally     int
	wideningBudget   int
	pendingWiden     bool
	initialized      bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerMetrics sets the metrics recorder. A nil recorder is a
// no-op.
func WithSchedulerMetrics(metrics *telemetry.SyncMetrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithSchedulerClock overrides the scheduler's clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler for one station.
func NewScheduler(
	eva int64,
	cadence Cadence,
	client feed.Client,
	st store.Store,
	executor *retry.Executor,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		eva:            eva,
		cadence:        cadence,
		feed:           client,
		store:          st,
		executor:       executor,
		logger:         slog.Default(),
		now:            time.Now,
		records:        make(map[timetable.StopID]*timetable.StopRecord),
		state:          StateIdle,
		wideningBudget: cadence.MaxWideningFetches,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("eva", eva)
	s.reconciler = reconcile.New(s.logger)
	return s
}

// EVA returns the station id this scheduler owns.
func (s *Scheduler) EVA() int64 {
	return s.eva
}

// State returns the current cadence state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize runs the strict first-run sequence: ensure station
// metadata exists, ensure the planned window covers the configured
// span, fetch the full change feed once, and scan the store for
// orphan changes left over from a previous run. It must complete (or
// fail) before the scheduler joins the tick loop; a failure leaves the
// scheduler usable, the regular cadence will catch up.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if err := s.ensureStation(ctx); err != nil {
		s.recordFailure(now, err)
		return fmt.Errorf("initializing station %d: %w", s.eva, err)
	}

	start := now.Add(-s.cadence.Lookbehind)
	end := now.Add(s.cadence.Lookahead)
	covered, err := retry.Do(ctx, s.executor, s.op("store_coverage_check"), func(ctx context.Context) (bool, error) {
		return s.store.HasPlannedCoverage(ctx, s.eva, start, end)
	})
	if err != nil {
		s.recordFailure(now, err)
		return fmt.Errorf("initializing station %d: %w", s.eva, err)
	}
	if !covered {
		if err := s.fetchPlanned(ctx, start, end); err != nil {
			s.recordFailure(now, err)
			return fmt.Errorf("initializing station %d: %w", s.eva, err)
		}
	}
	s.lastPlannedFetch = now

	if err := s.fetchChanges(ctx, true); err != nil {
		s.recordFailure(now, err)
		return fmt.Errorf("initializing station %d: %w", s.eva, err)
	}
	s.lastChangesFetch = now

	orphans, err := retry.Do(ctx, s.executor, s.op("store_orphan_scan"), func(ctx context.Context) ([]timetable.StopID, error) {
		return s.store.FindOrphanChanges(ctx, s.eva, now.Add(-s.cadence.OrphanLookback))
	})
	if err != nil {
		s.recordFailure(now, err)
		return fmt.Errorf("initializing station %d: %w", s.eva, err)
	}
	if len(orphans) > 0 {
		s.pendingWiden = true
		s.metrics.RecordOrphanStops(ctx, s.eva, len(orphans))
	}

	s.failureTally = 0
	s.initialized = true
	s.logger.Info("station initialized",
		"planned_covered", covered,
		"orphans", len(orphans))
	return nil
}

// Tick evaluates the cadence rules once. It returns immediately when
// the previous tick for this station is still running.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.mu.TryLock() {
		s.logger.Debug("previous tick still running, skipping")
		return
	}
	defer s.mu.Unlock()

	now := s.now()

	if now.Before(s.escalationUntil) {
		s.state = StateBackoff
		s.logger.Debug("in escalation backoff, skipping fetches",
			"until", s.escalationUntil)
		return
	}
	s.state = StateIdle

	if s.plannedDue(now) {
		s.state = StateFetchingPlanned
		start := now
		if s.lastPlannedFetch.IsZero() {
			start = now.Add(-s.cadence.Lookbehind)
		}
		if err := s.fetchPlanned(ctx, start, now.Add(s.cadence.Lookahead)); err != nil {
			s.recordFailure(now, err)
			s.state = s.currentState(now)
			return
		}
		s.lastPlannedFetch = now
		s.failureTally = 0
	}

	if s.changesDue(now) {
		s.state = StateFetchingChanges
		if err := s.fetchChanges(ctx, false); err != nil {
			s.recordFailure(now, err)
			s.state = s.currentState(now)
			return
		}
		s.lastChangesFetch = now
		s.failureTally = 0
	}

	if s.pendingWiden && s.wideningBudget > 0 {
		s.pendingWiden = false
		s.wideningBudget--
		start := now.Add(-s.cadence.OrphanLookback)
		s.logger.Info("fetching supplementary planned window for orphan changes",
			"start", start, "end", now, "budget_left", s.wideningBudget)
		if err := s.fetchPlanned(ctx, start, now); err != nil {
			s.recordFailure(now, err)
			s.state = s.currentState(now)
			return
		}
		s.failureTally = 0
	}

	s.state = StateIdle
}

func (s *Scheduler) plannedDue(now time.Time) bool {
	return s.lastPlannedFetch.IsZero() ||
		now.Sub(s.lastPlannedFetch) >= s.cadence.PlannedInterval
}

func (s *Scheduler) changesDue(now time.Time) bool {
	return s.lastChangesFetch.IsZero() ||
		now.Sub(s.lastChangesFetch) >= s.cadence.ChangesInterval
}

// recordFailure counts one failed tick operation and opens the
// escalation window once the tally reaches the threshold, or earlier
// when the retry layer reports that a single operation has been
// exhausted often enough in a row to escalate on its own. The caller
// holds mu.
func (s *Scheduler) recordFailure(now time.Time, err error) {
	s.failureTally++
	escalate := s.failureTally >= s.cadence.EscalationThreshold
	if exhausted, ok := retry.IsExhausted(err); ok && exhausted.Escalate {
		escalate = true
	}
	if !escalate {
		return
	}
	s.escalationUntil = now.Add(s.cadence.EscalationBackoff)
	s.failureTally = 0
	s.metrics.RecordEscalation(context.Background(), s.eva)
	s.logger.Error("escalating after repeated failures, backing off",
		"until", s.escalationUntil,
		"backoff", s.cadence.EscalationBackoff)
}

// op scopes a retry operation name to this scheduler's station so the
// shared failure tracker keeps one streak per station and operation.
func (s *Scheduler) op(name string) string {
	return fmt.Sprintf("%d:%s", s.eva, name)
}

// currentState reports the state a failed tick leaves behind: Backoff
// when the failure opened (or an earlier failure opened) the window,
// Idle otherwise. The caller holds mu.
func (s *Scheduler) currentState(now time.Time) State {
	if now.Before(s.escalationUntil) {
		return StateBackoff
	}
	return StateIdle
}

// ensureStation fetches and persists station metadata if the store
// does not have it yet. The caller holds mu.
func (s *Scheduler) ensureStation(ctx context.Context) error {
	exists, err := retry.Do(ctx, s.executor, s.op("store_station_check"), func(ctx context.Context) (bool, error) {
		return s.store.HasStation(ctx, s.eva)
	})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	station, err := retry.Do(ctx, s.executor, s.op("fetch_station_metadata"), func(ctx context.Context) (*timetable.Station, error) {
		return s.feed.FetchStationMetadata(ctx, s.eva)
	})
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, s.executor, s.op("store_station_upsert"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.UpsertStation(ctx, station)
	})
	if err != nil {
		return err
	}
	s.logger.Info("station metadata stored", "name", station.Name, "ds100", station.DS100)
	return nil
}

// fetchPlanned fetches one planned window, merges it and commits the
// touched records. The caller holds mu.
func (s *Scheduler) fetchPlanned(ctx context.Context, start, end time.Time) error {
	began := s.now()
	events, err := retry.Do(ctx, s.executor, s.op("fetch_planned"), func(ctx context.Context) ([]timetable.PlannedEvent, error) {
		return s.feed.FetchPlanned(ctx, s.eva, start, end)
	})
	s.metrics.RecordFetchDuration(ctx, s.eva, "fetch_planned", s.now().Sub(began), err == nil)
	if err != nil {
		return err
	}

	stats := s.reconciler.MergePlanned(s.records, events)
	return s.commit(ctx, plannedStopIDs(events), stats)
}

// fetchChanges fetches either the recent or the full change feed,
// merges it and commits the touched records. The caller holds mu.
func (s *Scheduler) fetchChanges(ctx context.Context, full bool) error {
	name := "fetch_changes_recent"
	fetch := s.feed.FetchChangesRecent
	if full {
		name = "fetch_changes_full"
		fetch = s.feed.FetchChangesFull
	}

	began := s.now()
	events, err := retry.Do(ctx, s.executor, s.op(name), func(ctx context.Context) ([]timetable.ChangedEvent, error) {
		return fetch(ctx, s.eva)
	})
	s.metrics.RecordFetchDuration(ctx, s.eva, name, s.now().Sub(began), err == nil)
	if err != nil {
		return err
	}

	stats := s.reconciler.MergeChanged(s.records, events)
	return s.commit(ctx, changedStopIDs(events), stats)
}

// commit persists the records touched by the incoming batch and turns
// the merge outcome into scheduler state: orphan stops arm the
// widen-window hint. The caller holds mu.
func (s *Scheduler) commit(ctx context.Context, touched []timetable.StopID, stats reconcile.Stats) error {
	seen := make(map[timetable.StopID]bool, len(touched))
	batch := make([]*timetable.StopRecord, 0, len(touched))
	for _, id := range touched {
		if seen[id] {
			continue
		}
		seen[id] = true
		if rec, ok := s.records[id]; ok {
			batch = append(batch, rec)
		}
	}

	if len(batch) > 0 {
		_, err := retry.Do(ctx, s.executor, s.op("store_upsert"), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.store.UpsertStopRecords(ctx, s.eva, batch)
		})
		if err != nil {
			return err
		}
	}

	s.metrics.RecordMergedRecords(ctx, s.eva, stats.Inserted, stats.Updated)
	if len(stats.Orphans) > 0 {
		s.pendingWiden = true
		s.metrics.RecordOrphanStops(ctx, s.eva, len(stats.Orphans))
		s.logger.Info("orphan changes observed, widening next planned window",
			"orphans", len(stats.Orphans))
	}

	s.logger.Debug("batch committed",
		"records", len(batch),
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped)
	return nil
}

func plannedStopIDs(events []timetable.PlannedEvent) []timetable.StopID {
	ids := make([]timetable.StopID, 0, len(events))
	for _, ev := range events {
		if ev.StopID != "" {
			ids = append(ids, ev.StopID)
		}
	}
	return ids
}

func changedStopIDs(events []timetable.ChangedEvent) []timetable.StopID {
	ids := make([]timetable.StopID, 0, len(events))
	for _, ev := range events {
		if ev.StopID != "" {
			ids = append(ids, ev.StopID)
		}
	}
	return ids
}
