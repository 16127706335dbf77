package types

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// TimeLayout is the canonical timestamp format used throughout the store:
// UTC, no zone suffix, microsecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Now returns the current instant truncated to the store's timestamp
// precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FormatTime renders t in the canonical storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp, tolerating the legacy suffixed
// forms ("Z", "+00:00") in addition to the canonical bare format.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{
		TimeLayout,
		"2006-01-02T15:04:05",
		time.RFC3339,
		time.RFC3339Nano,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, lastErr)
}

// DateProjection returns the YYYY-MM-DD projection used by _updated_date /
// _accessed_date.
func DateProjection(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

var durationTokenRE = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseSince parses a "since"/"until" argument: either a bare date
// (YYYY-MM-DD, interpreted as a point in the past relative to now) or an
// ISO-8601 duration token (P7D, P1W, PT1H, P1DT12H, …), returned as the
// absolute instant it denotes.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if d, ok := parseDurationToken(s); ok {
		return now.Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return ParseTime(s)
}

// parseDurationToken parses an ISO-8601 duration token into a
// time.Duration. Years/months are approximated as 365/30 days, consistent
// with this engine's use of durations purely as lookback windows, not
// calendar arithmetic.
func parseDurationToken(s string) (time.Duration, bool) {
	m := durationTokenRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	if s == "P" {
		return 0, false
	}
	var days, hours, minutes, seconds int64
	atoi := func(s string) int64 {
		if s == "" {
			return 0
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	years := atoi(m[1])
	months := atoi(m[2])
	weeks := atoi(m[3])
	days = atoi(m[4])
	hours = atoi(m[5])
	minutes = atoi(m[6])
	seconds = atoi(m[7])

	days += years*365 + months*30 + weeks*7
	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return total, true
}

// DecayFactor implements the recency decay:
// 0.5 ^ (elapsed / halfLife). halfLife == 0 disables decay (factor 1).
func DecayFactor(elapsed time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	exp := elapsed.Seconds() / halfLife.Seconds()
	return math.Pow(0.5, exp)
}
