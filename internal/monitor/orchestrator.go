package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultInitConcurrency = 8

// Orchestrator drives one Scheduler per monitored station on a fixed
// tick. Schedulers are evaluated concurrently and independently; one
// station's failure or latency never delays the others.
type Orchestrator struct {
	schedulers []*Scheduler
	interval   time.Duration
	logger     *slog.Logger

	// initConcurrency bounds how many stations initialize at once
	initConcurrency int

	wg sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithInitConcurrency bounds concurrent station initializations.
func WithInitConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.initConcurrency = n
		}
	}
}

// NewOrchestrator creates an orchestrator over the given schedulers.
func NewOrchestrator(schedulers []*Scheduler, interval time.Duration, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		schedulers:      schedulers,
		interval:        interval,
		logger:          slog.Default(),
		initConcurrency: defaultInitConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run initializes every station and then drives the tick loop until
// the context is cancelled. It returns after all in-flight scheduler
// work has drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.initialize(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	o.logger.Info("orchestrator started",
		"stations", len(o.schedulers),
		"tick_interval", o.interval)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	// An immediate first round so fresh stations do not wait a full
	// interval before their first fetch.
	o.tickAll(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping, draining in-flight work")
			o.wg.Wait()
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tickAll(ctx)
		}
	}
}

// initialize runs every scheduler's first-run sequence concurrently.
// A station that fails to initialize is logged and still joins the
// tick loop; the regular cadence will catch up.
func (o *Orchestrator) initialize(ctx context.Context) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(o.initConcurrency)

	for _, s := range o.schedulers {
		group.Go(func() error {
			if err := s.Initialize(ctx); err != nil {
				o.logger.Error("station initialization failed, continuing",
					"eva", s.EVA(), "error", err)
			}
			return nil
		})
	}
	// Initialization errors are logged, never propagated.
	_ = group.Wait()
}

// tickAll fans out one evaluation per scheduler. It does not wait for
// the spawned work: a slow station must not delay the next tick for
// its siblings. Scheduler-level overlap is prevented inside Tick.
func (o *Orchestrator) tickAll(ctx context.Context) {
	for _, s := range o.schedulers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("scheduler panicked, station skipped this tick",
						"eva", s.EVA(), "panic", r)
				}
			}()
			s.Tick(ctx)
		}()
	}
}
