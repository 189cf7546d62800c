package cwmp

import (
	"time"
)

// UnknownTime is the sentinel standing in for "not yet known" in
// StartTime/CompleteTime fields and persisted transfer records.
const UnknownTime = "0001-01-01T00:00:00Z"

// FormatTime renders a timestamp the way CWMP messages carry them:
// ISO-8601 with a numeric offset, second resolution.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// CurrentTime returns the wall clock in wire format. Used for the Inform
// CurrentTime element and for stamping transfer completion times.
func CurrentTime() string {
	return FormatTime(time.Now())
}

// IsUnknownTime reports whether s is the sentinel (or empty, which legacy
// backup files may contain in place of it).
func IsUnknownTime(s string) bool {
	return s == "" || s == UnknownTime
}
