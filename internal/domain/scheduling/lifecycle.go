package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusInquiry    Status = "inquiry"
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// transitions is the complete table of legal moves. Terminal states have no
// entry.
var transitions = map[Status]map[Status]bool{
	StatusInquiry:    {StatusScheduled: true, StatusCancelled: true},
	StatusScheduled:  {StatusConfirmed: true, StatusCancelled: true, StatusNoShow: true},
	StatusConfirmed:  {StatusInProgress: true, StatusCancelled: true, StatusNoShow: true},
	StatusInProgress: {StatusCompleted: true, StatusCancelled: true},
}

var allStatuses = []Status{
	StatusInquiry, StatusScheduled, StatusConfirmed, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusNoShow,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: "unknown status " + s}
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Reserving reports whether an appointment in s occupies the provider's time.
func (s Status) Reserving() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusInProgress
}

func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// NextStatuses lists the legal targets from s.
func NextStatuses(s Status) []Status {
	var out []Status
	for _, st := range allStatuses {
		if transitions[s][st] {
			out = append(out, st)
		}
	}
	return out
}

// ApplyTransition moves a to the target status and returns the history entry
// to append. On error a is left untouched.
func ApplyTransition(a *Appointment, to Status, performedBy, details string, at time.Time) (*HistoryEntry, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status " + string(to)}
	}
	if !CanTransition(a.Status, to) {
		return nil, &IllegalTransitionError{From: a.Status, To: to}
	}
	prev := a.Status
	a.Status = to
	a.UpdatedAt = at
	if to == StatusCompleted {
		completed := at
		a.CompletedAt = &completed
	}
	return &HistoryEntry{
		ID:             uuid.New(),
		AppointmentID:  a.ID,
		PreviousStatus: &prev,
		NewStatus:      to,
		PerformedBy:    performedBy,
		PerformedAt:    at,
		Details:        details,
	}, nil
}

// creationEntry is the first history line of a new appointment.
func creationEntry(a *Appointment, performedBy, details string) *HistoryEntry {
	return &HistoryEntry{
		ID:            uuid.New(),
		AppointmentID: a.ID,
		NewStatus:     a.Status,
		PerformedBy:   performedBy,
		PerformedAt:   a.CreatedAt,
		Details:       details,
	}
}
