package models

import (
	"strings"
	"time"
)

// timeFormat is ISO-8601 UTC with millisecond resolution and a trailing Z
const timeFormat = "2006-01-02T15:04:05.000Z"

// Timestamp marshals as UTC ISO-8601 with millisecond precision
type Timestamp time.Time

// Now returns the current time as a Timestamp
func Now() Timestamp {
	return Timestamp(time.Now().UTC())
}

// Time returns the underlying time.Time
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// IsZero reports whether the timestamp is unset
func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

// String returns the wire format used in logs and bundles
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(timeFormat)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(timeFormat) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed.UTC())
	return nil
}
