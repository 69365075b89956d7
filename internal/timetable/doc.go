// Package timetable defines the domain model shared by the feed
// client, the reconciler and the store: stations, stop records,
// planned and changed events, and the fixed-width time encoding used
// by the upstream timetable feed.
package timetable
