package scheduling

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// AppointmentType is the kind of visit being booked.
type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeProcedure    AppointmentType = "procedure"
	TypeCleaning     AppointmentType = "cleaning"
	TypeEmergency    AppointmentType = "emergency"
	TypeTelehealth   AppointmentType = "telehealth"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeConsultation: true, TypeFollowUp: true, TypeProcedure: true,
	TypeCleaning: true, TypeEmergency: true, TypeTelehealth: true,
}

func (t AppointmentType) Valid() bool { return validAppointmentTypes[t] }

// DayWindow is one weekday's open interval. When IsAvailable is false the
// bounds carry no meaning.
type DayWindow struct {
	IsAvailable bool                `json:"is_available" bson:"is_available"`
	Start       localtime.TimeOfDay `json:"start" bson:"start_minute"`
	End         localtime.TimeOfDay `json:"end" bson:"end_minute"`
}

// Unavailable is the window of a weekday nobody has configured.
var Unavailable = DayWindow{}

// ProviderSchedule is a provider's current weekly availability, indexed by
// time.Weekday (Sunday = 0).
type ProviderSchedule struct {
	ProviderID string
	Windows    [7]DayWindow
	UpdatedAt  *time.Time
}

// NewProviderSchedule returns a schedule closed on every day.
func NewProviderSchedule(providerID string) *ProviderSchedule {
	return &ProviderSchedule{ProviderID: providerID}
}

func (s *ProviderSchedule) Window(wd time.Weekday) DayWindow {
	if wd < time.Sunday || wd > time.Saturday {
		return Unavailable
	}
	return s.Windows[wd]
}

type weekdayWindow struct {
	Weekday string `json:"weekday"`
	DayWindow
}

func (s *ProviderSchedule) MarshalJSON() ([]byte, error) {
	days := make([]weekdayWindow, 0, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		days = append(days, weekdayWindow{Weekday: strings.ToLower(wd.String()), DayWindow: s.Windows[wd]})
	}
	return json.Marshal(struct {
		ProviderID string          `json:"provider_id"`
		Days       []weekdayWindow `json:"days"`
		UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
	}{s.ProviderID, days, s.UpdatedAt})
}

// Appointment is one reservation of a provider's time. Appointments are
// never deleted; cancellation is a status.
type Appointment struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	ProviderID      string            `db:"provider_id" json:"provider_id"`
	PatientID       string            `db:"patient_id" json:"patient_id"`
	Start           localtime.Instant `db:"start_at" json:"start"`
	DurationMinutes int               `db:"duration_minutes" json:"duration_minutes"`
	Status          Status            `db:"status" json:"status"`
	Type            AppointmentType   `db:"type" json:"type"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) End() localtime.Instant { return a.Start.Add(a.DurationMinutes) }

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End()}
}

// HistoryEntry is one immutable line of an appointment's audit trail.
// PreviousStatus is nil for the entry written at creation.
type HistoryEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	AppointmentID  uuid.UUID `db:"appointment_id" json:"appointment_id"`
	PreviousStatus *Status   `db:"previous_status" json:"previous_status"`
	NewStatus      Status    `db:"new_status" json:"new_status"`
	PerformedBy    string    `db:"performed_by" json:"performed_by"`
	PerformedAt    time.Time `db:"performed_at" json:"performed_at"`
	Details        string    `db:"details" json:"details,omitempty"`
}

// ProviderRecord is what scheduling needs to know about a provider.
type ProviderRecord struct {
	ID     string
	Role   string
	Active bool
}

var bookableRoles = map[string]bool{
	"physician": true, "dentist": true, "hygienist": true,
	"therapist": true, "nurse_practitioner": true,
}

// IsBookableRole reports whether providers with role take appointments.
func IsBookableRole(role string) bool { return bookableRoles[role] }

// BookingRequest carries a normalized booking request.
type BookingRequest struct {
	ProviderID      string
	PatientID       string
	Start           localtime.Instant
	DurationMinutes int
	Type            AppointmentType
	RequestedStatus Status
	RequestedBy     string
	Details         string
}

// SlotCheck is the answer to a read-only availability pre-check.
type SlotCheck struct {
	Available bool       `json:"available"`
	Kind      ErrorKind  `json:"kind,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Window    *DayWindow `json:"window,omitempty"`
	Conflict  *Interval  `json:"conflict,omitempty"`
}
