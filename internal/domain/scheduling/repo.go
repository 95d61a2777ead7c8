package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// ErrStaleStatus is returned by UpdateStatus when the stored status no longer
// matches the status the caller transitioned from.
var ErrStaleStatus = errors.New("appointment status changed concurrently")

type ScheduleRepository interface {
	// GetSchedule returns nil, nil for a provider that never configured one.
	GetSchedule(ctx context.Context, providerID string) (*ProviderSchedule, error)
	PutWindow(ctx context.Context, providerID string, weekday time.Weekday, w DayWindow, updatedBy string) error
}

type AppointmentRepository interface {
	// InProviderTx runs fn inside one store transaction that is serialized
	// with every other InProviderTx for the same provider. Repository calls
	// made with the ctx passed to fn join the transaction.
	InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context) error) error
	// Create persists a and its first history entry as a single unit.
	Create(ctx context.Context, a *Appointment, initial *HistoryEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListOverlapping returns every appointment of the provider, in any
	// status, whose interval intersects [from, to), ordered by start.
	ListOverlapping(ctx context.Context, providerID string, from, to localtime.Instant) ([]*Appointment, error)
	// UpdateStatus stores a's new status and appends entry, provided the
	// stored status still equals previous.
	UpdateStatus(ctx context.Context, a *Appointment, previous Status, entry *HistoryEntry) error
	History(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error)
}

// ProviderDirectory resolves provider identities owned elsewhere.
type ProviderDirectory interface {
	// LookupProvider returns a *NotFoundError for unknown ids.
	LookupProvider(ctx context.Context, id string) (*ProviderRecord, error)
}
