package timetable

import (
	"fmt"
	"strconv"
	"time"
)

// feedTimeWidth is the fixed width of the feed's decimal time
// encoding YYMMDDHHmm.
const feedTimeWidth = 10

// ParseFeedTime decodes the feed's fixed-width YYMMDDHHmm timestamp,
// e.g. "2501011430" for 2025-01-01 14:30. Two-digit years below 50
// are mapped to 2000+YY, the rest to 1900+YY.
func ParseFeedTime(s string) (time.Time, error) {
	if len(s) != feedTimeWidth {
		return time.Time{}, fmt.Errorf("feed time %q: expected %d digits", s, feedTimeWidth)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("feed time %q: non-decimal character", s)
		}
	}

	yy, _ := strconv.Atoi(s[0:2])
	month, _ := strconv.Atoi(s[2:4])
	day, _ := strconv.Atoi(s[4:6])
	hour, _ := strconv.Atoi(s[6:8])
	minute, _ := strconv.Atoi(s[8:10])

	year := 1900 + yy
	if yy < 50 {
		year = 2000 + yy
	}

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("feed time %q: out of range", s)
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.Local), nil
}

// FormatFeedTime encodes a timestamp back into the feed's YYMMDDHHmm
// form.
func FormatFeedTime(t time.Time) string {
	return t.Format("0601021504")
}

// FormatFeedDate encodes the YYMMDD date component used by the hourly
// plan endpoint.
func FormatFeedDate(t time.Time) string {
	return t.Format("060102")
}

// FormatFeedHour encodes the two-digit hour component used by the
// hourly plan endpoint.
func FormatFeedHour(t time.Time) string {
	return t.Format("15")
}
