package scheduling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// ClinicHours are the outer bounds no provider window may exceed.
type ClinicHours struct {
	Open  localtime.TimeOfDay
	Close localtime.TimeOfDay
}

func DefaultClinicHours() ClinicHours {
	return ClinicHours{Open: localtime.MustTimeOfDay("08:00"), Close: localtime.MustTimeOfDay("19:00")}
}

// Length is the clinic day in minutes.
func (h ClinicHours) Length() int { return int(h.Close - h.Open) }

// ValidateWindow checks ordering and clinic bounds. Closed days always pass.
func (h ClinicHours) ValidateWindow(wd time.Weekday, w DayWindow) error {
	if !w.IsAvailable {
		return nil
	}
	if w.Start >= w.End {
		return &InvalidWindowError{Weekday: wd, Window: w, Reason: "start must be before end"}
	}
	if w.Start < h.Open || w.End > h.Close {
		return &InvalidWindowError{
			Weekday: wd,
			Window:  w,
			Reason:  fmt.Sprintf("window must lie within clinic hours %s-%s", h.Open, h.Close),
		}
	}
	return nil
}

// WithinWindow reports whether [start, start+duration) lies inside w on the
// clinic-local day of start. A slot that crosses midnight never fits.
func WithinWindow(norm *localtime.Normalizer, w DayWindow, start localtime.Instant, durationMinutes int) bool {
	if !w.IsAvailable || durationMinutes <= 0 {
		return false
	}
	startDate, startTOD := norm.ToLocal(start)
	endDate, endTOD := norm.ToLocal(start.Add(durationMinutes))
	if endDate != startDate {
		return false
	}
	return w.Start <= startTOD && endTOD <= w.End && startTOD < endTOD
}

// ParseWeekday accepts 0-6 (Sunday = 0) or an English day name.
func ParseWeekday(s string) (time.Weekday, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n <= 6 {
			return time.Weekday(n), nil
		}
		return 0, &ValidationError{Field: "weekday", Message: "must be 0-6"}
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return wd, nil
		}
	}
	return 0, &ValidationError{Field: "weekday", Message: "unknown weekday " + s}
}

// Availability answers window questions for providers. It has no locking of
// its own; window writes are atomic per (provider, weekday) in every store.
type Availability struct {
	repo  ScheduleRepository
	norm  *localtime.Normalizer
	hours ClinicHours
}

func NewAvailability(repo ScheduleRepository, norm *localtime.Normalizer, hours ClinicHours) *Availability {
	if norm == nil {
		norm = localtime.NewNormalizer(nil)
	}
	return &Availability{repo: repo, norm: norm, hours: hours}
}

func (a *Availability) Hours() ClinicHours { return a.hours }

// Schedule returns the provider's weekly schedule; never-configured providers
// get a schedule closed on every day.
func (a *Availability) Schedule(ctx context.Context, providerID string) (*ProviderSchedule, error) {
	sched, err := a.repo.GetSchedule(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load schedule for %s: %w", providerID, err)
	}
	if sched == nil {
		sched = NewProviderSchedule(providerID)
	}
	return sched, nil
}

func (a *Availability) GetWindow(ctx context.Context, providerID string, wd time.Weekday) (DayWindow, error) {
	sched, err := a.Schedule(ctx, providerID)
	if err != nil {
		return Unavailable, err
	}
	return sched.Window(wd), nil
}

// SetWindow validates and overwrites one weekday. Closed days are stored with
// zeroed bounds.
func (a *Availability) SetWindow(ctx context.Context, providerID string, wd time.Weekday, w DayWindow, updatedBy string) error {
	if wd < time.Sunday || wd > time.Saturday {
		return &ValidationError{Field: "weekday", Message: "must be 0-6"}
	}
	if err := a.hours.ValidateWindow(wd, w); err != nil {
		return err
	}
	if !w.IsAvailable {
		w = Unavailable
	}
	return a.repo.PutWindow(ctx, providerID, wd, w, updatedBy)
}

// IsWithinAvailability resolves the provider's window for the weekday of
// start and tests the slot against it. The window is returned for error
// reporting.
func (a *Availability) IsWithinAvailability(ctx context.Context, providerID string, start localtime.Instant, durationMinutes int) (bool, time.Weekday, DayWindow, error) {
	wd := a.norm.Weekday(start)
	w, err := a.GetWindow(ctx, providerID, wd)
	if err != nil {
		return false, wd, Unavailable, err
	}
	return WithinWindow(a.norm, w, start, durationMinutes), wd, w, nil
}
