package catalog

import (
	"math"
	"time"
)

// The backend counts dates and timestamps from 2000-01-01 UTC.
const (
	epochUnixSeconds = 946684800
	epochUnixMicros  = epochUnixSeconds * 1_000_000
	epochUnixDays    = epochUnixSeconds / 86400

	microsPerDay = 86400 * 1_000_000
)

// Infinite date and timestamp values.
const (
	DateInfinity         int64 = math.MaxInt32
	DateNegInfinity      int64 = math.MinInt32
	TimestampInfinity    int64 = math.MaxInt64
	TimestampNegInfinity int64 = math.MinInt64
)

// DateFromTime returns the backend day number of t's calendar date.
func DateFromTime(t time.Time) int64 {
	y, m, d := t.Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
	return floorDiv(u, 86400) - epochUnixDays
}

// TimeFromDate returns midnight UTC of a backend day number.
func TimeFromDate(days int64) time.Time {
	return time.Unix((days+epochUnixDays)*86400, 0).UTC()
}

// TimestampFromTime returns microseconds since the backend epoch.
func TimestampFromTime(t time.Time) int64 {
	return t.UnixMicro() - epochUnixMicros
}

// TimeFromTimestamp converts microseconds since the backend epoch to UTC time.
func TimeFromTimestamp(us int64) time.Time {
	return time.UnixMicro(us + epochUnixMicros).UTC()
}

// DurationFromTimeOfDay converts a time-of-day value to a Duration since midnight.
func DurationFromTimeOfDay(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// TimeOfDayFromDuration converts a Duration since midnight to microseconds.
// It returns false when d lies outside [0, 24h].
func TimeOfDayFromDuration(d time.Duration) (int64, bool) {
	us := d.Microseconds()
	if us < 0 || us > microsPerDay {
		return 0, false
	}
	return us, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
