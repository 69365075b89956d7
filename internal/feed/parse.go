package feed

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/stellwerk/stationwatch/internal/timetable"
)

// XML shapes of the Timetables API v1. Planned and changed responses
// share the <timetable><s id=...> structure; the attributes on the
// <ar>/<dp> children differ (pt/pp/ppth for plan, ct/cp/cs/cpth for
// changes).
type xmlTimetable struct {
	XMLName xml.Name  `xml:"timetable"`
	Station string    `xml:"station,attr"`
	EVA     int64     `xml:"eva,attr"`
	Stops   []xmlStop `xml:"s"`
}

type xmlStop struct {
	ID        string        `xml:"id,attr"`
	EVA       int64         `xml:"eva,attr"`
	TripLabel *xmlTripLabel `xml:"tl"`
	Arrival   *xmlEvent     `xml:"ar"`
	Departure *xmlEvent     `xml:"dp"`
}

type xmlTripLabel struct {
	Category string `xml:"c,attr"`
	Number   string `xml:"n,attr"`
	Operator string `xml:"o,attr"`
	Type     string `xml:"t,attr"`
}

type xmlEvent struct {
	PlannedTime     string `xml:"pt,attr"`
	PlannedPlatform string `xml:"pp,attr"`
	PlannedPath     string `xml:"ppth,attr"`
	ChangedTime     string `xml:"ct,attr"`
	ChangedPlatform string `xml:"cp,attr"`
	ChangedPath     string `xml:"cpth,attr"`
	ChangedStatus   string `xml:"cs,attr"`
	Line            string `xml:"l,attr"`
	Wings           string `xml:"wings,attr"`
	Hidden          string `xml:"hi,attr"`
}

type xmlStations struct {
	XMLName  xml.Name     `xml:"stations"`
	Stations []xmlStation `xml:"station"`
}

type xmlStation struct {
	Name      string `xml:"name,attr"`
	EVA       int64  `xml:"eva,attr"`
	DS100     string `xml:"ds100,attr"`
	Platforms string `xml:"p,attr"`
}

// parsePlanned decodes a /plan response into planned events. A stop
// contributes one event per present <ar>/<dp> child carrying a
// planned time; anything without one is ignored.
func parsePlanned(body []byte, eva int64) ([]timetable.PlannedEvent, error) {
	var tt xmlTimetable
	if err := xml.Unmarshal(body, &tt); err != nil {
		return nil, fmt.Errorf("malformed plan payload: %w", err)
	}

	var events []timetable.PlannedEvent
	for _, stop := range tt.Stops {
		stopEVA := stop.EVA
		if stopEVA == 0 {
			stopEVA = eva
		}
		if ev, ok := plannedFromXML(stop, stop.Arrival, timetable.KindArrival, stopEVA); ok {
			events = append(events, ev)
		}
		if ev, ok := plannedFromXML(stop, stop.Departure, timetable.KindDeparture, stopEVA); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func plannedFromXML(stop xmlStop, elem *xmlEvent, kind timetable.EventKind, eva int64) (timetable.PlannedEvent, bool) {
	if elem == nil || elem.PlannedTime == "" {
		return timetable.PlannedEvent{}, false
	}
	pt, err := timetable.ParseFeedTime(elem.PlannedTime)
	if err != nil {
		// Leave the time zero; the reconciler counts and skips it.
		pt = time.Time{}
	}

	ev := timetable.PlannedEvent{
		StopID:   timetable.StopID(stop.ID),
		EVA:      eva,
		Kind:     kind,
		Time:     pt,
		Platform: elem.PlannedPlatform,
		Path:     splitPath(elem.PlannedPath),
		Line:     elem.Line,
		Wings:    elem.Wings,
		Hidden:   elem.Hidden == "1",
	}
	if label := stop.TripLabel; label != nil {
		ev.Category = label.Category
		ev.Number = label.Number
		ev.Operator = label.Operator
	}
	if path := ev.Path; len(path) > 0 {
		ev.Destination = path[len(path)-1]
	}
	return ev, true
}

// parseChanges decodes an /rchg or /fchg response into changed
// events. A stop contributes one event per <ar>/<dp> child carrying a
// changed time or a changed status.
func parseChanges(body []byte, eva int64, fetchedAt time.Time) ([]timetable.ChangedEvent, error) {
	var tt xmlTimetable
	if err := xml.Unmarshal(body, &tt); err != nil {
		return nil, fmt.Errorf("malformed change payload: %w", err)
	}

	var events []timetable.ChangedEvent
	for _, stop := range tt.Stops {
		stopEVA := stop.EVA
		if stopEVA == 0 {
			stopEVA = eva
		}
		if ev, ok := changedFromXML(stop, stop.Arrival, timetable.KindArrival, stopEVA, fetchedAt); ok {
			events = append(events, ev)
		}
		if ev, ok := changedFromXML(stop, stop.Departure, timetable.KindDeparture, stopEVA, fetchedAt); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func changedFromXML(
	stop xmlStop, elem *xmlEvent, kind timetable.EventKind, eva int64, fetchedAt time.Time,
) (timetable.ChangedEvent, bool) {
	if elem == nil || (elem.ChangedTime == "" && elem.ChangedStatus == "") {
		return timetable.ChangedEvent{}, false
	}

	ev := timetable.ChangedEvent{
		StopID:    timetable.StopID(stop.ID),
		EVA:       eva,
		Kind:      kind,
		Platform:  elem.ChangedPlatform,
		Status:    elem.ChangedStatus,
		Line:      elem.Line,
		Wings:     elem.Wings,
		Hidden:    elem.Hidden == "1",
		FetchedAt: fetchedAt,
	}
	if elem.ChangedTime != "" {
		if ct, err := timetable.ParseFeedTime(elem.ChangedTime); err == nil {
			ev.Time = &ct
		}
	}
	// The changed path supersedes the planned one when present.
	path := elem.ChangedPath
	if path == "" {
		path = elem.PlannedPath
	}
	ev.Path = splitPath(path)
	if len(ev.Path) > 0 {
		ev.Destination = ev.Path[len(ev.Path)-1]
	}
	if label := stop.TripLabel; label != nil {
		ev.Category = label.Category
		ev.Number = label.Number
		ev.Operator = label.Operator
	}
	return ev, true
}

// parseStation decodes a /station response. The feed may return
// several candidates; the first one wins.
func parseStation(body []byte, eva int64) (*timetable.Station, error) {
	var st xmlStations
	if err := xml.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("malformed station payload: %w", err)
	}
	if len(st.Stations) == 0 {
		return nil, fmt.Errorf("no station data for EVA %d", eva)
	}

	first := st.Stations[0]
	station := &timetable.Station{
		EVA:   first.EVA,
		Name:  first.Name,
		DS100: first.DS100,
	}
	if station.EVA == 0 {
		station.EVA = eva
	}
	if first.Platforms != "" {
		station.Platforms = len(strings.Split(first.Platforms, "|"))
	}
	return station, nil
}

// splitPath turns the feed's pipe-separated station list into an
// ordered slice, nil when empty.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "|")
}
