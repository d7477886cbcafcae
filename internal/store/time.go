package store

import "time"

// TimeLayout is the timestamp encoding used in every store column.
// Fixed-width UTC with microseconds so lexicographic order matches
// chronological order, which the pending-message index relies on.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time encoded with TimeLayout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// FormatTime encodes t with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
