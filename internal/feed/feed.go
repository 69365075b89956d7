// Package feed implements the timetable feed collaborator: it talks
// to the upstream Timetables API over authenticated HTTP and decodes
// the XML responses into domain records. The engine core only depends
// on the Client interface; the HTTP implementation lives behind it.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

// Client is the feed capability consumed by the synchronization
// engine. All calls either return decoded records or a *feed.Error.
//
// FetchPlanned may issue one upstream call per hour slice of the
// window; the engine treats it as a single logical call.
type Client interface {
	// FetchPlanned returns the planned events published for the
	// station inside the [start, end] window.
	FetchPlanned(ctx context.Context, eva int64, start, end time.Time) ([]timetable.PlannedEvent, error)

	// FetchChangesRecent returns the changes of the last few minutes.
	FetchChangesRecent(ctx context.Context, eva int64) ([]timetable.ChangedEvent, error)

	// FetchChangesFull returns every change known for the current
	// day. Used once at initialization.
	FetchChangesFull(ctx context.Context, eva int64) ([]timetable.ChangedEvent, error)

	// FetchStationMetadata returns the station's metadata.
	FetchStationMetadata(ctx context.Context, eva int64) (*timetable.Station, error)
}

// Error is the feed failure taxonomy surfaced to the engine: network
// errors, non-2xx responses and malformed payloads all land here.
type Error struct {
	Operation string
	EVA       int64
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("feed %s for station %d: %v", e.Operation, e.EVA, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(operation string, eva int64, err error) *Error {
	return &Error{Operation: operation, EVA: eva, Err: err}
}

// HTTPError reports a non-success status code from the upstream API.
type HTTPError struct {
	StatusCode int
	URL        string
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Status)
}
