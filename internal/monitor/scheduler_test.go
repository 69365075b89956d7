package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/stationwatch/internal/retry"
	"github.com/stellwerk/stationwatch/internal/store"
	"github.com/stellwerk/stationwatch/internal/timetable"
)

const testEVA = int64(8002549)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type window struct {
	start, end time.Time
}

// fakeFeed is a scriptable feed client. Nil hooks return empty
// results.
type fakeFeed struct {
	mu sync.Mutex

	plannedFn func(start, end time.Time) ([]timetable.PlannedEvent, error)
	recentFn  func() ([]timetable.ChangedEvent, error)
	fullFn    func() ([]timetable.ChangedEvent, error)

	station    *timetable.Station
	stationErr error

	plannedWindows []window
	plannedCalls   int
	recentCalls    int
	fullCalls      int
	stationCalls   int
}

func (f *fakeFeed) FetchPlanned(_ context.Context, _ int64, start, end time.Time) ([]timetable.PlannedEvent, error) {
	f.mu.Lock()
	f.plannedCalls++
	f.plannedWindows = append(f.plannedWindows, window{start: start, end: end})
	fn := f.plannedFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(start, end)
}

func (f *fakeFeed) FetchChangesRecent(context.Context, int64) ([]timetable.ChangedEvent, error) {
	f.mu.Lock()
	f.recentCalls++
	fn := f.recentFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

func (f *fakeFeed) FetchChangesFull(context.Context, int64) ([]timetable.ChangedEvent, error) {
	f.mu.Lock()
	f.fullCalls++
	fn := f.fullFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn()
}

func (f *fakeFeed) FetchStationMetadata(context.Context, int64) (*timetable.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stationCalls++
	if f.stationErr != nil {
		return nil, f.stationErr
	}
	if f.station != nil {
		return f.station, nil
	}
	return &timetable.Station{EVA: testEVA, Name: "Flensburg", DS100: "AFL"}, nil
}

func (f *fakeFeed) counts() (planned, recent, full, station int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plannedCalls, f.recentCalls, f.fullCalls, f.stationCalls
}

func (f *fakeFeed) windows() []window {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]window, len(f.plannedWindows))
	copy(out, f.plannedWindows)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor() *retry.Executor {
	policy := retry.Policy{
		MaxAttempts:         3,
		BaseDelay:           time.Millisecond,
		MaxDelay:            2 * time.Millisecond,
		Factor:              2.0,
		EscalationThreshold: 5,
	}
	return retry.NewExecutor(policy, retry.NewTracker(), quietLogger())
}

func testCadence() Cadence {
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

func newTestScheduler(ff *fakeFeed, st store.Store, clock *fakeClock) *Scheduler {
	return NewScheduler(testEVA, testCadence(), ff, st, testExecutor(),
		WithSchedulerLogger(quietLogger()),
		WithSchedulerClock(clock.Now),
	)
}

func TestSchedulerFirstTickFetchesBoth(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	ff := &fakeFeed{}
	s := newTestScheduler(ff, store.NewMemoryStore(), clock)

	s.Tick(context.Background())

	planned, recent, _, _ := ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 1, recent)
	assert.Equal(t, StateIdle, s.State())

	// The first planned window is widened backward.
	windows := ff.windows()
	require.Len(t, windows, 1)
	assert.Equal(t, base.Add(-time.Hour), windows[0].start)
	assert.Equal(t, base.Add(6*time.Hour), windows[0].end)
}

func TestSchedulerCadence(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	ff := &fakeFeed{}
	s := newTestScheduler(ff, store.NewMemoryStore(), clock)
	ctx := context.Background()

	s.Tick(ctx)

	// Inside both intervals nothing is due.
	clock.Advance(30 * time.Second)
	s.Tick(ctx)
	planned, recent, _, _ := ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 1, recent)

	// Past the changes interval only the change feed is due.
	clock.Advance(2 * time.Minute)
	s.Tick(ctx)
	planned, recent, _, _ = ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 2, recent)

	// Past the planned interval both are due again.
	clock.Advance(time.Hour)
	s.Tick(ctx)
	planned, recent, _, _ = ff.counts()
	assert.Equal(t, 2, planned)
	assert.Equal(t, 3, recent)

	// The second planned window starts at now, no lookbehind.
	windows := ff.windows()
	require.Len(t, windows, 2)
	assert.Equal(t, clock.Now(), windows[1].start)
}

func TestSchedulerBackoffEscalation(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	ff := &fakeFeed{
		plannedFn: func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
			return nil, errors.New("upstream down")
		},
	}
	s := newTestScheduler(ff, store.NewMemoryStore(), clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Tick(ctx)
	}
	assert.Equal(t, StateBackoff, s.State())
	assert.True(t, s.escalationUntil.After(clock.Now()))

	// No fetch happens inside the backoff window.
	planned, _, _, _ := ff.counts()
	s.Tick(ctx)
	assert.Equal(t, StateBackoff, s.State())
	plannedAfter, recentAfter, _, _ := ff.counts()
	assert.Equal(t, planned, plannedAfter)
	assert.Equal(t, 0, recentAfter)

	// After the window expires and the upstream recovers the
	// scheduler returns to its normal rhythm.
	ff.mu.Lock()
	ff.plannedFn = nil
	ff.mu.Unlock()
	clock.Advance(11 * time.Minute)
	s.Tick(ctx)
	assert.Equal(t, StateIdle, s.State())
	plannedAfter, recentAfter, _, _ = ff.counts()
	assert.Equal(t, planned+1, plannedAfter)
	assert.Equal(t, 1, recentAfter)
	assert.Equal(t, 0, s.failureTally)
}

func TestSchedulerEscalatesOnOperationStreak(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	ff := &fakeFeed{
		plannedFn: func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
			return nil, errors.New("upstream down")
		},
	}

	// The retry layer's own streak threshold sits below the tick tally
	// threshold, so the exhaustion signal opens the window first.
	policy := retry.Policy{
		MaxAttempts:         1,
		BaseDelay:           time.Millisecond,
		MaxDelay:            2 * time.Millisecond,
		Factor:              2.0,
		EscalationThreshold: 3,
	}
	exec := retry.NewExecutor(policy, retry.NewTracker(), quietLogger())
	cadence := testCadence()
	cadence.EscalationThreshold = 10

	s := NewScheduler(testEVA, cadence, ff, store.NewMemoryStore(), exec,
		WithSchedulerLogger(quietLogger()),
		WithSchedulerClock(clock.Now),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Tick(ctx)
	}
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 0, s.failureTally)

	planned, _, _, _ := ff.counts()
	s.Tick(ctx)
	plannedAfter, _, _, _ := ff.counts()
	assert.Equal(t, planned, plannedAfter, "no fetch inside the backoff window")
}

func TestSchedulerRecommitDoesNotDuplicateHistory(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	st := store.NewMemoryStore()

	stopID := timetable.StopID("123-2501010000-5")
	departure := base.Add(30 * time.Minute)

	// Each poll observes a new delay; the fourth repeats the third. The
	// scheduler commits the record's full history every time, so the
	// store must recognize the replayed rows.
	poll := 0
	ff := &fakeFeed{}
	ff.plannedFn = func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
		return []timetable.PlannedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: departure, Platform: "4",
		}}, nil
	}
	ff.recentFn = func() ([]timetable.ChangedEvent, error) {
		poll++
		n := poll
		if n > 3 {
			n = 3
		}
		observed := departure.Add(time.Duration(n) * 5 * time.Minute)
		return []timetable.ChangedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: &observed, Status: "p",
			FetchedAt: base.Add(time.Duration(poll) * 2 * time.Minute),
		}}, nil
	}

	s := newTestScheduler(ff, st, clock)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Tick(ctx)
		clock.Advance(2 * time.Minute)
	}

	history := st.ChangeHistory(stopID, timetable.KindDeparture)
	require.Len(t, history, 3, "replayed commits must not grow the history")
	for i, want := range []time.Duration{5, 10, 15} {
		require.NotNil(t, history[i].Time)
		assert.Equal(t, departure.Add(want*time.Minute), *history[i].Time)
	}
}

func TestSchedulerOrphanTriggersSupplementaryFetch(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	st := store.NewMemoryStore()

	stopID := timetable.StopID("123-2501010000-5")
	plannedTime := base.Add(-2 * time.Hour)
	observed := base.Add(7 * time.Minute)

	ff := &fakeFeed{}
	ff.plannedFn = func(start, end time.Time) ([]timetable.PlannedEvent, error) {
		// Only the supplementary backward window contains the
		// delayed trip's plan.
		if !start.Before(plannedTime) || !end.After(plannedTime) {
			return nil, nil
		}
		return []timetable.PlannedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: plannedTime, Platform: "2",
		}}, nil
	}
	ff.recentFn = func() ([]timetable.ChangedEvent, error) {
		return []timetable.ChangedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: &observed, Status: "p", FetchedAt: base,
		}}, nil
	}

	s := newTestScheduler(ff, st, clock)
	s.Tick(context.Background())

	// The orphan change armed one supplementary planned fetch within
	// the same tick, reaching back by the configured lookback.
	windows := ff.windows()
	require.Len(t, windows, 2)
	assert.Equal(t, base.Add(-3*time.Hour), windows[1].start)
	assert.Equal(t, base, windows[1].end)
	assert.Equal(t, testCadence().MaxWideningFetches-1, s.wideningBudget)
	assert.False(t, s.pendingWiden)

	// The record is now complete in the store.
	planned, ok := st.PlannedEvent(stopID, timetable.KindDeparture)
	require.True(t, ok)
	assert.Equal(t, plannedTime, planned.Time)
	history := st.ChangeHistory(stopID, timetable.KindDeparture)
	require.Len(t, history, 1)
	assert.Equal(t, "p", history[0].Status)
}

func TestSchedulerWideningBudgetExhausted(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)

	// Changes always reference unknown stops and no planned window
	// ever resolves them.
	tick := 0
	ff := &fakeFeed{}
	ff.recentFn = func() ([]timetable.ChangedEvent, error) {
		tick++
		observed := base.Add(time.Duration(tick) * time.Minute)
		return []timetable.ChangedEvent{{
			StopID: timetable.StopID("999-2501010000-1"), EVA: testEVA,
			Kind: timetable.KindArrival, Time: &observed, FetchedAt: observed,
		}}, nil
	}

	s := newTestScheduler(ff, store.NewMemoryStore(), clock)
	ctx := context.Background()

	budget := testCadence().MaxWideningFetches
	for i := 0; i < budget+3; i++ {
		s.Tick(ctx)
		clock.Advance(2 * time.Minute)
	}

	// One regular planned fetch plus at most the budgeted number of
	// supplementary ones.
	planned, _, _, _ := ff.counts()
	assert.Equal(t, 1+budget, planned)
	assert.Equal(t, 0, s.wideningBudget)
}

func TestSchedulerInitialize(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	st := store.NewMemoryStore()
	ff := &fakeFeed{}
	s := newTestScheduler(ff, st, clock)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))

	planned, recent, full, station := ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 0, recent)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, station)

	stored, ok := st.Station(testEVA)
	require.True(t, ok)
	assert.Equal(t, "Flensburg", stored.Name)

	windows := ff.windows()
	require.Len(t, windows, 1)
	assert.Equal(t, base.Add(-time.Hour), windows[0].start)
	assert.Equal(t, base.Add(6*time.Hour), windows[0].end)

	// The first run also primes the cadence timestamps.
	s.Tick(ctx)
	planned, recent, _, _ = ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 0, recent)
}

func TestSchedulerInitializeSkipsCoveredWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	st := store.NewMemoryStore()
	ctx := context.Background()

	// Pre-existing planned data inside the initialization window.
	covered := &timetable.StopRecord{
		ID:  "77-2501010000-2",
		EVA: testEVA,
		Departure: &timetable.PlannedEvent{
			StopID: "77-2501010000-2", EVA: testEVA,
			Kind: timetable.KindDeparture, Time: base.Add(time.Hour),
		},
	}
	require.NoError(t, st.UpsertStation(ctx, &timetable.Station{EVA: testEVA, Name: "Flensburg"}))
	require.NoError(t, st.UpsertStopRecords(ctx, testEVA, []*timetable.StopRecord{covered}))

	ff := &fakeFeed{}
	s := newTestScheduler(ff, st, clock)
	require.NoError(t, s.Initialize(ctx))

	planned, _, full, station := ff.counts()
	assert.Equal(t, 0, planned)
	assert.Equal(t, 1, full)
	assert.Equal(t, 0, station)
}

func TestSchedulerInitializeFailureLeavesSchedulerUsable(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	ff := &fakeFeed{stationErr: errors.New("metadata unavailable")}
	s := newTestScheduler(ff, store.NewMemoryStore(), clock)
	ctx := context.Background()

	err := s.Initialize(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, s.failureTally)

	// The regular cadence catches up once the upstream recovers.
	ff.mu.Lock()
	ff.stationErr = nil
	ff.mu.Unlock()
	s.Tick(ctx)
	planned, recent, _, _ := ff.counts()
	assert.Equal(t, 1, planned)
	assert.Equal(t, 1, recent)
	assert.Equal(t, 0, s.failureTally)
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	started := make(chan struct{})
	release := make(chan struct{})

	ff := &fakeFeed{}
	ff.plannedFn = func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
		close(started)
		<-release
		return nil, nil
	}
	s := newTestScheduler(ff, store.NewMemoryStore(), clock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(context.Background())
	}()

	<-started
	// A tick while the previous one is still in flight returns
	// without fetching.
	s.Tick(context.Background())
	planned, _, _, _ := ff.counts()
	assert.Equal(t, 1, planned)

	close(release)
	<-done
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerPersistsMergedRecords(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	st := store.NewMemoryStore()

	stopID := timetable.StopID("123-2501010000-5")
	departure := time.Date(2025, 1, 1, 14, 30, 0, 0, time.UTC)
	observed := time.Date(2025, 1, 1, 14, 37, 0, 0, time.UTC)

	ff := &fakeFeed{}
	ff.plannedFn = func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
		return []timetable.PlannedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: departure, Platform: "4",
		}}, nil
	}
	ff.recentFn = func() ([]timetable.ChangedEvent, error) {
		return []timetable.ChangedEvent{{
			StopID: stopID, EVA: testEVA, Kind: timetable.KindDeparture,
			Time: &observed, Status: "p", FetchedAt: base,
		}}, nil
	}

	s := newTestScheduler(ff, st, clock)
	s.Tick(context.Background())

	planned, ok := st.PlannedEvent(stopID, timetable.KindDeparture)
	require.True(t, ok)
	assert.Equal(t, departure, planned.Time)
	assert.Equal(t, "4", planned.Platform)

	history := st.ChangeHistory(stopID, timetable.KindDeparture)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Time)
	assert.Equal(t, observed, *history[0].Time)
	assert.Equal(t, "p", history[0].Status)
}
