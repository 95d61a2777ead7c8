// Package localtime converts between clinic-local wall-clock values and
// absolute instants. Both directions use the same rule: build or read the
// calendar components in the clinic's location, never in the host's.
package localtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	dateLayout    = "2006-01-02"
	MinutesPerDay = 24 * 60
)

// InvalidInputError reports a malformed or non-existent date or time value.
type InvalidInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Instant is an absolute point in time at minute precision, counted in
// minutes since the Unix epoch. Two instants are equal iff they fall in the
// same minute.
type Instant int64

// InstantOf truncates t to the minute.
func InstantOf(t time.Time) Instant {
	sec := t.Unix()
	m := sec / 60
	if sec%60 < 0 {
		m--
	}
	return Instant(m)
}

// Time returns the instant as a UTC time.Time.
func (i Instant) Time() time.Time { return time.Unix(int64(i)*60, 0).UTC() }

// Add returns the instant shifted by the given number of minutes.
func (i Instant) Add(minutes int) Instant { return i + Instant(minutes) }

// Sub returns i-j in minutes.
func (i Instant) Sub(j Instant) int { return int(i - j) }

func (i Instant) Before(j Instant) bool { return i < j }
func (i Instant) After(j Instant) bool { return i > j }

func (i Instant) String() string { return i.Time().Format(time.RFC3339) }

func (i Instant) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

func (i *Instant) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return &InvalidInputError{Field: "instant", Value: string(b), Reason: "expected RFC 3339 string"}
	}
	v, err := ParseInstant(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// ParseInstant parses an RFC 3339 timestamp. Seconds are discarded.
func ParseInstant(s string) (Instant, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, &InvalidInputError{Field: "instant", Value: s, Reason: "expected RFC 3339"}
	}
	return InstantOf(t), nil
}

// Date is a calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses YYYY-MM-DD. Dates that do not exist (2025-02-30) fail.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, &InvalidInputError{Field: "date", Value: s, Reason: "expected YYYY-MM-DD"}
	}
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}, nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// Weekday is computed on the proleptic Gregorian calendar and needs no zone.
func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the date n calendar days later.
func (d Date) AddDays(n int) Date {
	y, m, day := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC).Date()
	return Date{Year: y, Month: m, Day: day}
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeOfDay is a clinic-local hour:minute, stored as minutes since midnight.
type TimeOfDay int

// NewTimeOfDay validates hour 0-23 and minute 0-59.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, &InvalidInputError{
			Field:  "time",
			Value:  fmt.Sprintf("%d:%d", hour, minute),
			Reason: "hour must be 0-23 and minute 0-59",
		}
	}
	return TimeOfDay(hour*60 + minute), nil
}

// ParseTimeOfDay parses a strict two-digit HH:MM value.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	bad := &InvalidInputError{Field: "time", Value: s, Reason: "expected HH:MM"}
	if len(s) != 5 || s[2] != ':' {
		return 0, bad
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, bad
		}
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	tod, err := NewTimeOfDay(h, m)
	if err != nil {
		return 0, bad
	}
	return tod, nil
}

// MustTimeOfDay is ParseTimeOfDay for constants; it panics on bad input.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

func (t TimeOfDay) Hour() int { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
