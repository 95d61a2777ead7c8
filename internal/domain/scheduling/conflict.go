package scheduling

import (
	"fmt"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// Interval is the half-open span [Start, End).
type Interval struct {
	Start localtime.Instant `json:"start"`
	End   localtime.Instant `json:"end"`
}

func NewInterval(start localtime.Instant, durationMinutes int) Interval {
	return Interval{Start: start, End: start.Add(durationMinutes)}
}

func (iv Interval) Minutes() int { return iv.End.Sub(iv.Start) }

func (iv Interval) String() string { return fmt.Sprintf("[%s, %s)", iv.Start, iv.End) }

// Overlaps reports a true overlap. Intervals that only share an endpoint are
// back-to-back and do not overlap.
func Overlaps(a, b Interval) bool {
	intersects := a.Start < b.End && a.End > b.Start
	touching := a.End == b.Start || a.Start == b.End
	return intersects && !touching
}

// FindConflict returns the first existing appointment interval that the
// proposed slot overlaps. Only reserving appointments of the same provider
// count. The caller supplies the candidates, normally the provider's
// appointments on the same clinic day.
func FindConflict(providerID string, start localtime.Instant, durationMinutes int, existing []*Appointment) (Interval, bool) {
	proposed := NewInterval(start, durationMinutes)
	for _, a := range existing {
		if a == nil || a.ProviderID != providerID || !a.Status.Reserving() {
			continue
		}
		if iv := a.Interval(); Overlaps(proposed, iv) {
			return iv, true
		}
	}
	return Interval{}, false
}

// HasConflict is FindConflict without the conflicting interval.
func HasConflict(providerID string, start localtime.Instant, durationMinutes int, existing []*Appointment) bool {
	_, found := FindConflict(providerID, start, durationMinutes, existing)
	return found
}
