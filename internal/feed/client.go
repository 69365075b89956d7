package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

const (
	// DefaultBaseURL is the production endpoint of the Timetables API
	DefaultBaseURL = "https://apis.deutschebahn.com/db-api-marketplace/apis/timetables/v1"

	// DefaultTimeout is the per-call HTTP timeout when none is
	// configured
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds a single response body (10MB); hourly
	// slices are small, anything larger is a broken upstream
	maxResponseSize = 10 * 1024 * 1024

	// userAgent identifies the monitor to the upstream API
	userAgent = "stationwatch/1.0"
)

// Credentials carries the API marketplace authentication pair.
type Credentials struct {
	APIKey   string
	ClientID string
}

// HTTPClient fetches timetable data from the upstream API. Safe for
// concurrent use.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	creds   Credentials
	logger  *slog.Logger
	now     func() time.Time
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL overrides the upstream endpoint, used by tests and
// proxies.
func WithBaseURL(url string) HTTPOption {
	return func(c *HTTPClient) {
		c.baseURL = url
	}
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// NewHTTPClient creates a feed client for the upstream Timetables
// API.
func NewHTTPClient(creds Credentials, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		client:  &http.Client{Timeout: DefaultTimeout},
		baseURL: DefaultBaseURL,
		creds:   creds,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPlanned walks the hour slices of [start, end] and collects the
// planned events of every slice. A 404 on a slice means the feed has
// no data for that hour and is not an error.
func (c *HTTPClient) FetchPlanned(
	ctx context.Context, eva int64, start, end time.Time,
) ([]timetable.PlannedEvent, error) {
	var events []timetable.PlannedEvent

	slice := start.Truncate(time.Hour)
	for !slice.After(end) {
		url := fmt.Sprintf("%s/plan/%d/%s/%s",
			c.baseURL, eva, timetable.FormatFeedDate(slice), timetable.FormatFeedHour(slice))

		body, err := c.get(ctx, url)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				c.logger.Debug("no planned data for hour slice",
					"eva", eva, "slice", slice)
				slice = slice.Add(time.Hour)
				continue
			}
			return nil, newError("fetch_planned", eva, err)
		}

		sliceEvents, err := parsePlanned(body, eva)
		if err != nil {
			return nil, newError("fetch_planned", eva, err)
		}
		events = append(events, sliceEvents...)
		slice = slice.Add(time.Hour)
	}

	c.logger.Debug("fetched planned events",
		"eva", eva, "window_start", start, "window_end", end, "count", len(events))
	return events, nil
}

// FetchChangesRecent returns the changes the feed accumulated over
// the last couple of minutes.
func (c *HTTPClient) FetchChangesRecent(ctx context.Context, eva int64) ([]timetable.ChangedEvent, error) {
	return c.fetchChanges(ctx, eva, "rchg", "fetch_changes_recent")
}

// FetchChangesFull returns every change known for the current day.
func (c *HTTPClient) FetchChangesFull(ctx context.Context, eva int64) ([]timetable.ChangedEvent, error) {
	return c.fetchChanges(ctx, eva, "fchg", "fetch_changes_full")
}

func (c *HTTPClient) fetchChanges(
	ctx context.Context, eva int64, endpoint, operation string,
) ([]timetable.ChangedEvent, error) {
	url := fmt.Sprintf("%s/%s/%d", c.baseURL, endpoint, eva)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, newError(operation, eva, err)
	}

	events, err := parseChanges(body, eva, c.now())
	if err != nil {
		return nil, newError(operation, eva, err)
	}

	c.logger.Debug("fetched changed events", "eva", eva, "endpoint", endpoint, "count", len(events))
	return events, nil
}

// FetchStationMetadata returns the station's display name, short code
// and platform count.
func (c *HTTPClient) FetchStationMetadata(ctx context.Context, eva int64) (*timetable.Station, error) {
	url := fmt.Sprintf("%s/station/%d", c.baseURL, eva)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, newError("fetch_station_metadata", eva, err)
	}

	station, err := parseStation(body, eva)
	if err != nil {
		return nil, newError("fetch_station_metadata", eva, err)
	}
	return station, nil
}

func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("DB-Api-Key", c.creds.APIKey)
	req.Header.Set("DB-Client-Id", c.creds.ClientID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url, Status: resp.Status}
	}

	limited := io.LimitReader(resp.Body, maxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > maxResponseSize {
		return nil, fmt.Errorf("response exceeds maximum allowed size of %d bytes", maxResponseSize)
	}
	return body, nil
}

var _ Client = (*HTTPClient)(nil)
