package utils

import (
	"time"
)

// Clock lets tests pin "now".
type Clock func() time.Time

// Now returns the current UTC time truncated to microseconds so values
// round-trip through every supported database unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// UnixTimeToTime converts a Unix timestamp to a time.Time object
func UnixTimeToTime(unixTime int64) time.Time {
	return time.Unix(unixTime, 0).UTC()
}
