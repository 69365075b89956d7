package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(
		Credentials{APIKey: "test-key", ClientID: "test-client"},
		WithBaseURL(server.URL),
		WithTimeout(2*time.Second),
	)
}

func TestFetchPlannedWalksHourSlices(t *testing.T) {
	t.Parallel()

	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("DB-Api-Key"))
		assert.Equal(t, "test-client", r.Header.Get("DB-Client-Id"))
		assert.Equal(t, "application/xml", r.Header.Get("Accept"))

		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(planXML))
	})

	start := time.Date(2025, 1, 1, 14, 10, 0, 0, time.Local)
	end := time.Date(2025, 1, 1, 16, 0, 0, 0, time.Local)
	events, err := client.FetchPlanned(context.Background(), 8002549, start, end)

	require.NoError(t, err)
	// Slices 14, 15 and 16, three stops with planned times each.
	assert.Equal(t, []string{
		"/plan/8002549/250101/14",
		"/plan/8002549/250101/15",
		"/plan/8002549/250101/16",
	}, paths)
	assert.Len(t, events, 9)
}

func TestFetchPlannedSkips404Slices(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plan/8002549/250101/14" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(planXML))
	})

	start := time.Date(2025, 1, 1, 14, 0, 0, 0, time.Local)
	end := time.Date(2025, 1, 1, 15, 0, 0, 0, time.Local)
	events, err := client.FetchPlanned(context.Background(), 8002549, start, end)

	require.NoError(t, err, "a missing hour slice is not an error")
	assert.Len(t, events, 3)
}

func TestFetchPlannedServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	now := time.Now()
	_, err := client.FetchPlanned(context.Background(), 8002549, now, now)

	require.Error(t, err)
	var feedErr *Error
	require.ErrorAs(t, err, &feedErr)
	assert.Equal(t, "fetch_planned", feedErr.Operation)
	assert.Equal(t, int64(8002549), feedErr.EVA)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestFetchChangesRecent(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rchg/8002549", r.URL.Path)
		_, _ = w.Write([]byte(changesXML))
	})

	events, err := client.FetchChangesRecent(context.Background(), 8002549)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.False(t, events[0].FetchedAt.IsZero())
}

func TestFetchChangesFull(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fchg/8002549", r.URL.Path)
		_, _ = w.Write([]byte(changesXML))
	})

	events, err := client.FetchChangesFull(context.Background(), 8002549)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFetchChangesMalformedPayload(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<timetable><s`))
	})

	_, err := client.FetchChangesRecent(context.Background(), 8002549)
	require.Error(t, err)
	var feedErr *Error
	assert.ErrorAs(t, err, &feedErr)
}

func TestFetchStationMetadata(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/station/8002549", r.URL.Path)
		_, _ = w.Write([]byte(stationXML))
	})

	station, err := client.FetchStationMetadata(context.Background(), 8002549)
	require.NoError(t, err)
	assert.Equal(t, "Hannover Hbf", station.Name)
	assert.Equal(t, "HH", station.DS100)
}

func TestFetchRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.FetchChangesRecent(ctx, 8002549)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
