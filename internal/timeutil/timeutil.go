// Package timeutil provides the ISO-8601 timestamp conversions shared by the
// state database, the WDB driver and the WDB2TS driver.
package timeutil

import (
	"fmt"
	"time"
)

// ISO8601 is the wire format used by productstatus events, WDB2TS update
// URLs and reference times: e.g. "2015-01-19T16:04:40Z".
const ISO8601 = "2006-01-02T15:04:05Z"

// ParseISO8601 parses a UTC timestamp in ISO8601 layout.
func ParseISO8601(s string) (time.Time, error) {
	t, err := time.Parse(ISO8601, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatISO8601 renders t (converted to UTC) in ISO8601 layout.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Age returns how long ago t was, relative to now.
func Age(t, now time.Time) time.Duration {
	return now.Sub(t)
}
