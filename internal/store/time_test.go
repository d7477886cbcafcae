package store

import (
	"testing"
	"time"
)

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	encoded := FormatTime(now)

	decoded, err := ParseTime(encoded)
	if err != nil {
		t.Fatalf("ParseTime(%q): %v", encoded, err)
	}
	if !decoded.Equal(now) {
		t.Errorf("round trip changed time: got %v, want %v", decoded, now)
	}
}

func TestTimeLexicographicOrder(t *testing.T) {
	// The store compares timestamps as strings; the fixed-width layout
	// must keep string order equal to time order across digit rollovers.
	times := []time.Time{
		time.Date(2026, 1, 9, 23, 59, 59, 999999000, time.UTC),
		time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 10, 0, 0, 0, 1000, time.UTC),
		time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		prev, next := FormatTime(times[i-1]), FormatTime(times[i])
		if !(prev < next) {
			t.Errorf("string order broken: %q should sort before %q", prev, next)
		}
	}
}

func TestNowIsParseable(t *testing.T) {
	if _, err := ParseTime(Now()); err != nil {
		t.Fatalf("Now() not parseable: %v", err)
	}
}
