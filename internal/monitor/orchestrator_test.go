package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellwerk/stationwatch/internal/store"
	"github.com/stellwerk/stationwatch/internal/timetable"
)

func newNamedScheduler(eva int64, ff *fakeFeed, st store.Store, clock *fakeClock) *Scheduler {
	return NewScheduler(eva, testCadence(), ff, st, testExecutor(),
		WithSchedulerLogger(quietLogger()),
		WithSchedulerClock(clock.Now),
	)
}

func TestOrchestratorFairnessUnderPartialFailure(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)

	feedA := &fakeFeed{}
	feedC := &fakeFeed{}
	feedB := &fakeFeed{
		plannedFn: func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
			return nil, errors.New("station B feed down")
		},
	}

	o := NewOrchestrator([]*Scheduler{
		newNamedScheduler(1, feedA, store.NewMemoryStore(), clock),
		newNamedScheduler(2, feedB, store.NewMemoryStore(), clock),
		newNamedScheduler(3, feedC, store.NewMemoryStore(), clock),
	}, time.Second, WithOrchestratorLogger(quietLogger()))

	ctx := context.Background()
	const ticks = 3
	for i := 0; i < ticks; i++ {
		o.tickAll(ctx)
		o.wg.Wait()
		clock.Advance(2 * time.Minute)
	}

	// The healthy stations are served every tick despite B failing
	// every tick.
	_, recentA, _, _ := feedA.counts()
	_, recentB, _, _ := feedB.counts()
	_, recentC, _, _ := feedC.counts()
	assert.Equal(t, ticks, recentA)
	assert.Equal(t, ticks, recentC)
	assert.Equal(t, 0, recentB)
}

func TestOrchestratorRecoversFromSchedulerPanic(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)

	panicky := &fakeFeed{
		plannedFn: func(time.Time, time.Time) ([]timetable.PlannedEvent, error) {
			panic("boom")
		},
	}
	healthy := &fakeFeed{}

	o := NewOrchestrator([]*Scheduler{
		newNamedScheduler(1, panicky, store.NewMemoryStore(), clock),
		newNamedScheduler(2, healthy, store.NewMemoryStore(), clock),
	}, time.Second, WithOrchestratorLogger(quietLogger()))

	o.tickAll(context.Background())
	o.wg.Wait()

	_, recent, _, _ := healthy.counts()
	assert.Equal(t, 1, recent)
}

func TestOrchestratorInitializeContinuesPastFailures(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 14, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)

	broken := &fakeFeed{stationErr: errors.New("metadata unavailable")}
	healthy := &fakeFeed{}
	healthyStore := store.NewMemoryStore()

	o := NewOrchestrator([]*Scheduler{
		newNamedScheduler(1, broken, store.NewMemoryStore(), clock),
		newNamedScheduler(2, healthy, healthyStore, clock),
	}, time.Second,
		WithOrchestratorLogger(quietLogger()),
		WithInitConcurrency(2),
	)

	o.initialize(context.Background())

	_, ok := healthyStore.Station(2)
	assert.True(t, ok)
	_, _, full, _ := healthy.counts()
	assert.Equal(t, 1, full)
}

func TestOrchestratorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ff := &fakeFeed{}
	s := NewScheduler(testEVA, testCadence(), ff, store.NewMemoryStore(), testExecutor(),
		WithSchedulerLogger(quietLogger()),
	)
	o := NewOrchestrator([]*Scheduler{s}, 10*time.Millisecond,
		WithOrchestratorLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := o.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Initialization ran before the loop started.
	_, _, full, station := ff.counts()
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, station)
}
