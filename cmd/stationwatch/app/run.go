package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/stellwerk/stationwatch/internal/config"
	"github.com/stellwerk/stationwatch/internal/feed"
	"github.com/stellwerk/stationwatch/internal/monitor"
	"github.com/stellwerk/stationwatch/internal/retry"
	"github.com/stellwerk/stationwatch/internal/store"
	"github.com/stellwerk/stationwatch/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring the configured stations",
	Long: `Start the synchronization loop for every configured station.

The command requires a configuration file (--config) that specifies:
- The stations to monitor (EVA numbers)
- Feed credentials and fetch cadence
- Database connection settings

The loop runs until interrupted (SIGINT/SIGTERM); in-flight fetches
drain before the process exits.`,
	RunE: runWatch,
}

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	runCmd.Flags().Bool("memory", false, "Use an in-memory store instead of PostgreSQL (data is lost on exit)")
	runCmd.Flags().Bool("metrics", false, "Collect metrics and log a snapshot on shutdown")

	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}
	if err := viper.BindPFlag("memory", runCmd.Flags().Lookup("memory")); err != nil {
		slog.Error("Error binding memory flag", "error", err)
	}
	if err := viper.BindPFlag("metrics", runCmd.Flags().Lookup("metrics")); err != nil {
		slog.Error("Error binding metrics flag", "error", err)
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runWatch(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("configuration loaded", "stations", len(cfg.Stations))

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	client, err := buildFeedClient(cfg, logger)
	if err != nil {
		return err
	}

	var reader *sdkmetric.ManualReader
	var metrics *telemetry.SyncMetrics
	if viper.GetBool("metrics") {
		reader = sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		metrics, err = telemetry.NewSyncMetrics(provider)
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer logMetricsSnapshot(reader, logger)
	}

	executor := retry.NewExecutor(retry.Policy{
		MaxAttempts:         cfg.Retry.GetMaxAttempts(),
		BaseDelay:           cfg.Retry.GetBaseDelay(),
		MaxDelay:            cfg.Retry.GetMaxDelay(),
		Factor:              cfg.Retry.GetBackoffFactor(),
		EscalationThreshold: cfg.Retry.GetEscalationThreshold(),
	}, retry.NewTracker(), logger)

	cadence := monitor.Cadence{
		PlannedInterval:     cfg.Sync.GetPlannedInterval(),
		ChangesInterval:     cfg.Sync.GetChangesInterval(),
		Lookahead:           cfg.Sync.GetLookahead(),
		Lookbehind:          cfg.Sync.GetLookbehind(),
		OrphanLookback:      cfg.Sync.GetOrphanLookback(),
		EscalationThreshold: cfg.Retry.GetEscalationThreshold(),
		EscalationBackoff:   cfg.Retry.GetEscalationBackoff(),
		MaxWideningFetches:  cfg.Sync.GetMaxWideningFetches(),
	}

	schedulers := make([]*monitor.Scheduler, 0, len(cfg.Stations))
	for _, station := range cfg.Stations {
		schedulers = append(schedulers, monitor.NewScheduler(
			station.EVA, cadence, client, st, executor,
			monitor.WithSchedulerLogger(logger),
			monitor.WithSchedulerMetrics(metrics),
		))
	}

	orchestrator := monitor.NewOrchestrator(schedulers, cfg.Sync.GetTickInterval(),
		monitor.WithOrchestratorLogger(logger))

	err = orchestrator.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

// buildStore opens the configured store: PostgreSQL when database
// settings are present, the in-memory store when --memory is set or
// no database is configured.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if viper.GetBool("memory") || cfg.Database == nil {
		logger.Warn("using in-memory store, data is lost on exit")
		return store.NewMemoryStore(), nil
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build database connection string: %w", err)
	}

	var lifetime time.Duration
	if cfg.Database.ConnMaxLifetime != "" {
		lifetime, err = time.ParseDuration(cfg.Database.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid database.connMaxLifetime: %w", err)
		}
	}

	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		ConnString:      connString,
		MaxOpenConns:    int(cfg.Database.MaxOpenConns),
		MaxIdleConns:    int(cfg.Database.MaxIdleConns),
		ConnMaxLifetime: lifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("database is not reachable: %w", err)
	}
	return st, nil
}

func buildFeedClient(cfg *config.Config, logger *slog.Logger) (*feed.HTTPClient, error) {
	apiKey, err := cfg.Feed.GetAPIKey()
	if err != nil {
		return nil, err
	}

	opts := []feed.HTTPOption{
		feed.WithTimeout(cfg.Feed.GetTimeout()),
		feed.WithLogger(logger),
	}
	if cfg.Feed.BaseURL != "" {
		opts = append(opts, feed.WithBaseURL(cfg.Feed.BaseURL))
	}

	return feed.NewHTTPClient(feed.Credentials{
		APIKey:   apiKey,
		ClientID: cfg.Feed.ClientID,
	}, opts...), nil
}

// logMetricsSnapshot collects the accumulated metrics once and logs a
// compact summary, one line per instrument.
func logMetricsSnapshot(reader *sdkmetric.ManualReader, logger *slog.Logger) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		logger.Error("failed to collect metrics snapshot", "error", err)
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, point := range data.DataPoints {
					total += point.Value
				}
				logger.Info("metric snapshot", "name", m.Name, "total", total)
			case metricdata.Gauge[int64]:
				for _, point := range data.DataPoints {
					logger.Info("metric snapshot", "name", m.Name, "value", point.Value)
				}
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, point := range data.DataPoints {
					count += point.Count
					sum += point.Sum
				}
				logger.Info("metric snapshot", "name", m.Name, "count", count, "sum_seconds", sum)
			}
		}
	}
}
