// Package config provides configuration loading and management for the
// station watcher.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted for secrets when no file is
// configured.
const (
	// EnvDatabasePassword holds the database password
	EnvDatabasePassword = "STW_DATABASE_PASSWORD"

	// EnvFeedAPIKey holds the upstream feed API key
	EnvFeedAPIKey = "STW_FEED_API_KEY"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Stations lists the stations to monitor
	Stations []StationConfig `yaml:"stations"`

	// Feed configures the upstream timetable API
	Feed FeedConfig `yaml:"feed"`

	// Sync configures the fetch cadence
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Retry configures backoff and escalation
	Retry RetryConfig `yaml:"retry,omitempty"`

	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// StationConfig identifies one monitored station
type StationConfig struct {
	// EVA is the numeric station identifier used by the feed
	EVA int64 `yaml:"eva"`

	// Name is an optional display name used only for logging; the
	// authoritative name comes from the station metadata endpoint
	Name string `yaml:"name,omitempty"`
}

// FeedConfig defines the upstream timetable API settings
type FeedConfig struct {
	// BaseURL overrides the default API endpoint, mainly for tests
	BaseURL string `yaml:"baseURL,omitempty"`

	// ClientID is the API client identifier sent with every request
	ClientID string `yaml:"clientID"`

	// APIKeyFile is the path to a file containing the API key.
	// This is the recommended approach for production deployments.
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// Timeout is the per-call HTTP timeout (e.g., "10s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetAPIKey returns the feed API key using the following priority:
// 1. Read from APIKeyFile if specified
// 2. Read from the STW_FEED_API_KEY environment variable
//
// The key from file will have leading/trailing whitespace trimmed.
func (f *FeedConfig) GetAPIKey() (string, error) {
	if f.APIKeyFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(f.APIKeyFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read API key from file %s: %w", f.APIKeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envKey := os.Getenv(EnvFeedAPIKey); envKey != "" {
		return envKey, nil
	}

	return "", fmt.Errorf(
		"no feed API key configured: set apiKeyFile or the %s environment variable", EnvFeedAPIKey,
	)
}

// GetTimeout returns the per-call timeout, defaulting to 10 seconds.
func (f *FeedConfig) GetTimeout() time.Duration {
	return durationOrDefault(f.Timeout, 10*time.Second)
}

// SyncConfig defines the fetch cadence. All durations are strings in
// Go duration syntax; zero values fall back to the documented
// defaults.
type SyncConfig struct {
	// TickInterval is the orchestrator tick (default "30s")
	TickInterval string `yaml:"tickInterval,omitempty"`

	// PlannedInterval is the minimum time between planned fetches
	// (default "1h", matching the feed's hourly slices)
	PlannedInterval string `yaml:"plannedInterval,omitempty"`

	// ChangesInterval is the minimum time between recent-change
	// fetches (default "2m")
	ChangesInterval string `yaml:"changesInterval,omitempty"`

	// Lookahead bounds the planned window forward (default "6h")
	Lookahead string `yaml:"lookahead,omitempty"`

	// Lookbehind widens the first planned window backward (default "1h")
	Lookbehind string `yaml:"lookbehind,omitempty"`

	// OrphanLookback is the backward reach of a supplementary planned
	// fetch triggered by orphan changes (default "3h")
	OrphanLookback string `yaml:"orphanLookback,omitempty"`

	// MaxWideningFetches bounds supplementary fetches per station
	// (default 3)
	MaxWideningFetches int `yaml:"maxWideningFetches,omitempty"`
}

// GetTickInterval returns the orchestrator tick interval.
func (s *SyncConfig) GetTickInterval() time.Duration {
	return durationOrDefault(s.TickInterval, 30*time.Second)
}

// GetPlannedInterval returns the planned fetch interval.
func (s *SyncConfig) GetPlannedInterval() time.Duration {
	return durationOrDefault(s.PlannedInterval, time.Hour)
}

// GetChangesInterval returns the recent-change fetch interval.
func (s *SyncConfig) GetChangesInterval() time.Duration {
	return durationOrDefault(s.ChangesInterval, 2*time.Minute)
}

// GetLookahead returns the forward planned window bound.
func (s *SyncConfig) GetLookahead() time.Duration {
	return durationOrDefault(s.Lookahead, 6*time.Hour)
}

// GetLookbehind returns the first-run backward window bound.
func (s *SyncConfig) GetLookbehind() time.Duration {
	return durationOrDefault(s.Lookbehind, time.Hour)
}

// GetOrphanLookback returns the supplementary fetch lookback.
func (s *SyncConfig) GetOrphanLookback() time.Duration {
	return durationOrDefault(s.OrphanLookback, 3*time.Hour)
}

// GetMaxWideningFetches returns the supplementary fetch budget.
func (s *SyncConfig) GetMaxWideningFetches() int {
	if s.MaxWideningFetches <= 0 {
		return 3
	}
	return s.MaxWideningFetches
}

// RetryConfig defines backoff and escalation settings
type RetryConfig struct {
	// MaxAttempts is the attempt bound per call (default 3)
	MaxAttempts uint `yaml:"maxAttempts,omitempty"`

	// BaseDelay is the delay before the first retry (default "1s")
	BaseDelay string `yaml:"baseDelay,omitempty"`

	// MaxDelay caps the delay between retries (default "1m")
	MaxDelay string `yaml:"maxDelay,omitempty"`

	// BackoffFactor is the exponential multiplier (default 2.0)
	BackoffFactor float64 `yaml:"backoffFactor,omitempty"`

	// EscalationThreshold is the consecutive-failure count that opens
	// the backoff window (default 5)
	EscalationThreshold int `yaml:"escalationThreshold,omitempty"`

	// EscalationBackoff is the length of the backoff window
	// (default "10m")
	EscalationBackoff string `yaml:"escalationBackoff,omitempty"`
}

// GetMaxAttempts returns the attempt bound.
func (r *RetryConfig) GetMaxAttempts() uint {
	if r.MaxAttempts == 0 {
		return 3
	}
	return r.MaxAttempts
}

// GetBaseDelay returns the first retry delay.
func (r *RetryConfig) GetBaseDelay() time.Duration {
	return durationOrDefault(r.BaseDelay, time.Second)
}

// GetMaxDelay returns the retry delay cap.
func (r *RetryConfig) GetMaxDelay() time.Duration {
	return durationOrDefault(r.MaxDelay, time.Minute)
}

// GetBackoffFactor returns the exponential multiplier.
func (r *RetryConfig) GetBackoffFactor() float64 {
	if r.BackoffFactor < 1 {
		return 2.0
	}
	return r.BackoffFactor
}

// GetEscalationThreshold returns the escalation trigger count.
func (r *RetryConfig) GetEscalationThreshold() int {
	if r.EscalationThreshold <= 0 {
		return 5
	}
	return r.EscalationThreshold
}

// GetEscalationBackoff returns the backoff window length.
func (r *RetryConfig) GetEscalationBackoff() time.Duration {
	return durationOrDefault(r.EscalationBackoff, 10*time.Minute)
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the STW_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv(EnvDatabasePassword); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or the %s environment variable", EnvDatabasePassword,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Stations) == 0 {
		return fmt.Errorf("at least one station must be configured")
	}

	seen := make(map[int64]bool)
	for i, station := range c.Stations {
		if station.EVA <= 0 {
			return fmt.Errorf("station[%d]: eva must be a positive station number", i)
		}
		if seen[station.EVA] {
			return fmt.Errorf("station[%d]: duplicate station %d", i, station.EVA)
		}
		seen[station.EVA] = true
	}

	if c.Feed.ClientID == "" {
		return fmt.Errorf("feed.clientID is required")
	}

	if err := validateDurations(map[string]string{
		"feed.timeout":            c.Feed.Timeout,
		"sync.tickInterval":       c.Sync.TickInterval,
		"sync.plannedInterval":    c.Sync.PlannedInterval,
		"sync.changesInterval":    c.Sync.ChangesInterval,
		"sync.lookahead":          c.Sync.Lookahead,
		"sync.lookbehind":         c.Sync.Lookbehind,
		"sync.orphanLookback":     c.Sync.OrphanLookback,
		"retry.baseDelay":         c.Retry.BaseDelay,
		"retry.maxDelay":          c.Retry.MaxDelay,
		"retry.escalationBackoff": c.Retry.EscalationBackoff,
	}); err != nil {
		return err
	}

	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoffFactor must be at least 1, got %g", c.Retry.BackoffFactor)
	}

	return nil
}

// validateDurations checks every non-empty value parses as a Go
// duration.
func validateDurations(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '30s', '1h'): %w", name, err)
		}
	}
	return nil
}

// durationOrDefault parses a duration string validated at load time,
// falling back to the default for empty or unparseable values.
func durationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
