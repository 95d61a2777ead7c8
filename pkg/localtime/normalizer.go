package localtime

import (
	"fmt"
	"time"
)

// Normalizer maps wall-clock values read in one clinic location to instants
// and back.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer returns a normalizer for loc. A nil loc means UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// LoadNormalizer resolves an IANA zone name such as "America/Chicago".
func LoadNormalizer(zone string) (*Normalizer, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load clinic timezone %q: %w", zone, err)
	}
	return NewNormalizer(loc), nil
}

func (n *Normalizer) Location() *time.Location { return n.loc }

// ToInstant builds the instant an observer in the clinic reads as d at tod.
// Wall-clock times skipped by a daylight-saving jump do not exist and are
// rejected rather than shifted.
func (n *Normalizer) ToInstant(d Date, tod TimeOfDay) (Instant, error) {
	if tod < 0 || int(tod) >= MinutesPerDay {
		return 0, &InvalidInputError{Field: "time", Value: tod.String(), Reason: "out of range"}
	}
	t := time.Date(d.Year, d.Month, d.Day, tod.Hour(), tod.Minute(), 0, 0, n.loc)
	inst := InstantOf(t)

	gotDate, gotTOD := n.ToLocal(inst)
	if gotDate != d {
		return 0, &InvalidInputError{Field: "date", Value: d.String(), Reason: "no such calendar date"}
	}
	if gotTOD != tod {
		return 0, &InvalidInputError{
			Field:  "time",
			Value:  d.String() + " " + tod.String(),
			Reason: "wall-clock time does not exist in " + n.loc.String(),
		}
	}
	return inst, nil
}

// ToLocal reads the calendar date and time of day off the clinic's clock.
func (n *Normalizer) ToLocal(i Instant) (Date, TimeOfDay) {
	t := i.Time().In(n.loc)
	y, m, d := t.Date()
	hh, mm, _ := t.Clock()
	return Date{Year: y, Month: m, Day: d}, TimeOfDay(hh*60 + mm)
}

// Parse normalizes raw "YYYY-MM-DD" and "HH:MM" strings.
func (n *Normalizer) Parse(date, timeOfDay string) (Instant, error) {
	d, err := ParseDate(date)
	if err != nil {
		return 0, err
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return 0, err
	}
	return n.ToInstant(d, tod)
}

// DayBounds returns [start of d, start of the following day) in the clinic
// location. The span is not always 24h.
func (n *Normalizer) DayBounds(d Date) (Instant, Instant) {
	next := d.AddDays(1)
	from := InstantOf(time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, n.loc))
	to := InstantOf(time.Date(next.Year, next.Month, next.Day, 0, 0, 0, 0, n.loc))
	return from, to
}

// Weekday returns the clinic-local weekday of i.
func (n *Normalizer) Weekday(i Instant) time.Weekday {
	d, _ := n.ToLocal(i)
	return d.Weekday()
}
