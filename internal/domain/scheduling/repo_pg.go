package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicsched/clinicsched/internal/platform/db"
	"github.com/clinicsched/clinicsched/pkg/localtime"
)

// PGStore keeps schedules, appointments and history in Postgres.
type PGStore struct {
	db          db.DB
	lockTimeout time.Duration
}

// NewPGStore returns a store whose provider transactions give up waiting for
// the provider's advisory lock after lockTimeout.
func NewPGStore(pool db.DB, lockTimeout time.Duration) *PGStore {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &PGStore{db: pool, lockTimeout: lockTimeout}
}

func (r *PGStore) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

// =========== Schedules ===========

func (r *PGStore) GetSchedule(ctx context.Context, providerID string) (*ProviderSchedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT weekday, is_available, start_minute, end_minute, updated_at
		FROM provider_schedule_window WHERE provider_id = $1 ORDER BY weekday`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sched *ProviderSchedule
	for rows.Next() {
		var weekday, startMin, endMin int
		var w DayWindow
		var updatedAt time.Time
		if err := rows.Scan(&weekday, &w.IsAvailable, &startMin, &endMin, &updatedAt); err != nil {
			return nil, err
		}
		if weekday < 0 || weekday > 6 {
			return nil, fmt.Errorf("provider %s has a window for weekday %d", providerID, weekday)
		}
		if sched == nil {
			sched = NewProviderSchedule(providerID)
		}
		w.Start, w.End = localtime.TimeOfDay(startMin), localtime.TimeOfDay(endMin)
		sched.Windows[weekday] = w
		if sched.UpdatedAt == nil || updatedAt.After(*sched.UpdatedAt) {
			u := updatedAt
			sched.UpdatedAt = &u
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sched, nil
}

func (r *PGStore) PutWindow(ctx context.Context, providerID string, weekday time.Weekday, w DayWindow, updatedBy string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO provider_schedule_window (provider_id, weekday, is_available, start_minute, end_minute, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider_id, weekday) DO UPDATE SET
			is_available = EXCLUDED.is_available, start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute, updated_by = EXCLUDED.updated_by, updated_at = NOW()`,
		providerID, int(weekday), w.IsAvailable, int(w.Start), int(w.End), updatedBy)
	return err
}

// =========== Appointments ===========

const apptCols = `id, provider_id, patient_id, start_at, duration_minutes, status, type,
	completed_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start time.Time
	var status, typ string
	if err := row.Scan(&a.ID, &a.ProviderID, &a.PatientID, &start, &a.DurationMinutes, &status, &typ,
		&a.CompletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Start = localtime.InstantOf(start)
	a.Status = Status(status)
	a.Type = AppointmentType(typ)
	return &a, nil
}

// InProviderTx serializes on a transaction-scoped advisory lock keyed by the
// provider id. Waiting longer than the lock timeout yields a
// ContendedSlotError.
func (r *PGStore) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := db.RunInTx(ctx, r.db, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, providerID); err != nil {
			return err
		}
		return fn(ctx)
	})
	if pgErr, ok := db.PgError(err); ok && pgErr.Code == db.CodeLockNotAvailable {
		return &ContendedSlotError{ProviderID: providerID, Waited: time.Since(started), Err: err}
	}
	return err
}

// overlapError maps the appointment overlap guards to a SlotConflictError.
func overlapError(err error, requested Interval) error {
	if pgErr, ok := db.PgError(err); ok {
		switch pgErr.Code {
		case db.CodeUniqueViolation, db.CodeExclusionViolation:
			return &SlotConflictError{Requested: requested}
		}
	}
	return err
}

func (r *PGStore) insertHistory(ctx context.Context, h *HistoryEntry) error {
	var prev *string
	if h.PreviousStatus != nil {
		s := string(*h.PreviousStatus)
		prev = &s
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_history (id, appointment_id, previous_status, new_status, performed_by, performed_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.AppointmentID, prev, string(h.NewStatus), h.PerformedBy, h.PerformedAt, h.Details)
	return err
}

func (r *PGStore) Create(ctx context.Context, a *Appointment, initial *HistoryEntry) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context) error {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO appointment (id, provider_id, patient_id, start_at, end_at, duration_minutes,
				status, type, reserving, completed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			a.ID, a.ProviderID, a.PatientID, a.Start.Time(), a.End().Time(), a.DurationMinutes,
			string(a.Status), string(a.Type), a.Status.Reserving(), a.CompletedAt, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return overlapError(err, a.Interval())
		}
		return r.insertHistory(ctx, initial)
	})
}

func (r *PGStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	return a, err
}

func (r *PGStore) ListOverlapping(ctx context.Context, providerID string, from, to localtime.Instant) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE provider_id = $1 AND start_at < $3 AND end_at > $2
		ORDER BY start_at, created_at`, providerID, from.Time(), to.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *PGStore) UpdateStatus(ctx context.Context, a *Appointment, previous Status, entry *HistoryEntry) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE appointment SET status = $2, reserving = $3, completed_at = $4, updated_at = $5
			WHERE id = $1 AND status = $6`,
			a.ID, string(a.Status), a.Status.Reserving(), a.CompletedAt, a.UpdatedAt, string(previous))
		if err != nil {
			return overlapError(err, a.Interval())
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointment WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return &NotFoundError{Resource: "appointment", ID: a.ID.String()}
			}
			return ErrStaleStatus
		}
		return r.insertHistory(ctx, entry)
	})
}

const histCols = `id, appointment_id, previous_status, new_status, performed_by, performed_at, details`

func (r *PGStore) History(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+histCols+` FROM appointment_history
		WHERE appointment_id = $1 ORDER BY seq`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var prev *string
		var next string
		if err := rows.Scan(&h.ID, &h.AppointmentID, &prev, &next, &h.PerformedBy, &h.PerformedAt, &h.Details); err != nil {
			return nil, err
		}
		if prev != nil {
			p := Status(*prev)
			h.PreviousStatus = &p
		}
		h.NewStatus = Status(next)
		items = append(items, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Every appointment is created with one entry.
	if len(items) == 0 {
		return nil, &NotFoundError{Resource: "appointment", ID: appointmentID.String()}
	}
	return items, nil
}
