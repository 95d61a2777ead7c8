package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicsched/clinicsched/internal/platform/events"
	"github.com/clinicsched/clinicsched/internal/platform/lock"
	"github.com/clinicsched/clinicsched/internal/platform/telemetry"
	"github.com/clinicsched/clinicsched/pkg/localtime"
)

const (
	EventAppointmentCompleted    = "appointment.completed"
	EventAppointmentTransitioned = "appointment.transitioned"

	maxStaleRetries = 3
)

// ServiceConfig holds the collaborators and policy knobs of the Service.
// Zero values fall back to in-process defaults.
type ServiceConfig struct {
	Normalizer   *localtime.Normalizer
	Hours        ClinicHours
	Locker       lock.Locker
	LockTimeout  time.Duration
	RetryBackoff time.Duration
	Publisher    events.Publisher
	Metrics      *telemetry.SchedulingMetrics
	Logger       zerolog.Logger
	Now          func() time.Time
}

type Service struct {
	availability *Availability
	appointments AppointmentRepository
	providers    ProviderDirectory

	norm         *localtime.Normalizer
	locker       lock.Locker
	lockTimeout  time.Duration
	retryBackoff time.Duration
	publisher    events.Publisher
	metrics      *telemetry.SchedulingMetrics
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

func NewService(schedules ScheduleRepository, appts AppointmentRepository, providers ProviderDirectory, cfg ServiceConfig) *Service {
	if cfg.Normalizer == nil {
		cfg.Normalizer = localtime.NewNormalizer(nil)
	}
	if cfg.Hours == (ClinicHours{}) {
		cfg.Hours = DefaultClinicHours()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 150 * time.Millisecond
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		availability: NewAvailability(schedules, cfg.Normalizer, cfg.Hours),
		appointments: appts,
		providers:    providers,
		norm:         cfg.Normalizer,
		locker:       cfg.Locker,
		lockTimeout:  cfg.LockTimeout,
		retryBackoff: cfg.RetryBackoff,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracer:       telemetry.Tracer(),
		now:          cfg.Now,
	}
}

func (s *Service) Normalizer() *localtime.Normalizer { return s.norm }
func (s *Service) Hours() ClinicHours                { return s.availability.Hours() }

// -- Availability --

func (s *Service) GetSchedule(ctx context.Context, providerID string) (*ProviderSchedule, error) {
	if err := s.requireProvider(ctx, providerID, false); err != nil {
		return nil, err
	}
	return s.availability.Schedule(ctx, providerID)
}

func (s *Service) GetWindow(ctx context.Context, providerID string, wd time.Weekday) (DayWindow, error) {
	if err := s.requireProvider(ctx, providerID, false); err != nil {
		return Unavailable, err
	}
	return s.availability.GetWindow(ctx, providerID, wd)
}

func (s *Service) SetDayWindow(ctx context.Context, providerID string, wd time.Weekday, w DayWindow, performedBy string) error {
	ctx, span := s.tracer.Start(ctx, "scheduling.SetDayWindow", trace.WithAttributes(
		attribute.String("provider.id", providerID),
		attribute.String("weekday", wd.String()),
	))
	defer span.End()

	if err := s.requireProvider(ctx, providerID, false); err != nil {
		return s.fail(span, err)
	}
	if err := s.availability.SetWindow(ctx, providerID, wd, w, performedBy); err != nil {
		return s.fail(span, err)
	}
	s.logger.Info().
		Str("provider_id", providerID).
		Str("weekday", wd.String()).
		Bool("is_available", w.IsAvailable).
		Str("start", w.Start.String()).
		Str("end", w.End.String()).
		Str("performed_by", performedBy).
		Msg("availability window updated")
	return nil
}

// -- Slot evaluation --

func (s *Service) validateSlot(providerID string, durationMinutes int) error {
	if strings.TrimSpace(providerID) == "" {
		return &ValidationError{Field: "provider_id", Message: "is required"}
	}
	if durationMinutes <= 0 {
		return &ValidationError{Field: "duration_minutes", Message: "must be greater than zero"}
	}
	if limit := s.availability.Hours().Length(); durationMinutes > limit {
		return &ValidationError{Field: "duration_minutes", Message: fmt.Sprintf("must not exceed the clinic day (%d minutes)", limit)}
	}
	return nil
}

// requireProvider resolves the provider through the directory. When bookable
// is set the provider must also be active and hold a bookable role.
func (s *Service) requireProvider(ctx context.Context, providerID string, bookable bool) error {
	if strings.TrimSpace(providerID) == "" {
		return &ValidationError{Field: "provider_id", Message: "is required"}
	}
	if s.providers == nil {
		return nil
	}
	p, err := s.providers.LookupProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !bookable {
		return nil
	}
	if !p.Active {
		return &ProviderUnavailableError{ProviderID: providerID, Reason: "provider is inactive"}
	}
	if !bookableRoles[p.Role] {
		return &ProviderUnavailableError{ProviderID: providerID, Reason: "role " + p.Role + " does not take appointments"}
	}
	return nil
}

// evaluateSlot runs the availability and conflict checks shared by booking,
// slot checks and inquiry promotion. exclude skips one appointment, the one
// being promoted.
func (s *Service) evaluateSlot(ctx context.Context, providerID string, start localtime.Instant, durationMinutes int, exclude uuid.UUID) error {
	requested := NewInterval(start, durationMinutes)

	ok, wd, window, err := s.availability.IsWithinAvailability(ctx, providerID, start, durationMinutes)
	if err != nil {
		return err
	}
	if !ok {
		return &OutsideAvailabilityError{ProviderID: providerID, Weekday: wd, Window: window, Requested: requested}
	}

	day, _ := s.norm.ToLocal(start)
	from, to := s.norm.DayBounds(day)
	existing, err := s.appointments.ListOverlapping(ctx, providerID, from, to)
	if err != nil {
		return fmt.Errorf("list appointments for %s on %s: %w", providerID, day, err)
	}
	if exclude != uuid.Nil {
		kept := existing[:0]
		for _, a := range existing {
			if a.ID != exclude {
				kept = append(kept, a)
			}
		}
		existing = kept
	}
	if iv, found := FindConflict(providerID, start, durationMinutes, existing); found {
		return &SlotConflictError{Requested: requested, Conflicting: &iv}
	}
	return nil
}

// CheckSlot answers whether a slot could be booked right now, without
// reserving it.
func (s *Service) CheckSlot(ctx context.Context, providerID string, start localtime.Instant, durationMinutes int) (*SlotCheck, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CheckSlot", trace.WithAttributes(
		attribute.String("provider.id", providerID),
		attribute.String("slot.start", start.String()),
		attribute.Int("slot.duration_minutes", durationMinutes),
	))
	defer span.End()

	err := s.validateSlot(providerID, durationMinutes)
	if err == nil {
		err = s.requireProvider(ctx, providerID, true)
	}
	if err == nil {
		err = s.evaluateSlot(ctx, providerID, start, durationMinutes, uuid.Nil)
	}
	if err == nil {
		s.metrics.ObserveSlotCheck("available")
		return &SlotCheck{Available: true}, nil
	}

	kind := KindOf(err)
	switch kind {
	case KindOutsideAvailability, KindSlotConflict, KindProviderUnavailable:
		s.metrics.ObserveSlotCheck(string(kind))
		check := &SlotCheck{Available: false, Kind: kind, Reason: err.Error()}
		var oa *OutsideAvailabilityError
		if errors.As(err, &oa) {
			w := oa.Window
			check.Window = &w
		}
		var sc *SlotConflictError
		if errors.As(err, &sc) {
			check.Conflict = sc.Conflicting
		}
		return check, nil
	default:
		return nil, s.fail(span, err)
	}
}

// -- Booking --

func (s *Service) validateBooking(req BookingRequest) error {
	if err := s.validateSlot(req.ProviderID, req.DurationMinutes); err != nil {
		return err
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return &ValidationError{Field: "patient_id", Message: "is required"}
	}
	if !req.Type.Valid() {
		return &ValidationError{Field: "type", Message: "unknown appointment type " + string(req.Type)}
	}
	if req.RequestedStatus != StatusInquiry && req.RequestedStatus != StatusScheduled {
		return &ValidationError{Field: "status", Message: "new appointments start as inquiry or scheduled"}
	}
	return nil
}

// RequestBooking validates the request, serializes on the provider, checks
// availability and conflicts, and persists the appointment with its first
// history entry. A ContendedSlotError is retried once after a short backoff.
func (s *Service) RequestBooking(ctx context.Context, req BookingRequest) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.RequestBooking", trace.WithAttributes(
		attribute.String("provider.id", req.ProviderID),
		attribute.String("slot.start", req.Start.String()),
		attribute.Int("slot.duration_minutes", req.DurationMinutes),
		attribute.String("appointment.status", string(req.RequestedStatus)),
	))
	defer span.End()

	if err := s.validateBooking(req); err != nil {
		s.metrics.ObserveBooking(string(KindValidation))
		return nil, s.fail(span, err)
	}

	var appt *Appointment
	attempts := 0
	op := func() error {
		attempts++
		a, err := s.bookOnce(ctx, req)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		appt = a
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)); err != nil {
		outcome := string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		s.metrics.ObserveBooking(outcome)
		if Retryable(err) {
			s.logger.Warn().Err(err).
				Str("provider_id", req.ProviderID).
				Int("attempts", attempts).
				Msg("booking lock still contended after retry")
		}
		return nil, s.fail(span, err)
	}

	s.metrics.ObserveBooking("booked")
	span.SetAttributes(attribute.String("appointment.id", appt.ID.String()))
	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID).
		Str("status", string(appt.Status)).
		Str("start", appt.Start.String()).
		Int("duration_minutes", appt.DurationMinutes).
		Int("attempts", attempts).
		Msg("appointment booked")
	return appt, nil
}

func (s *Service) bookOnce(ctx context.Context, req BookingRequest) (*Appointment, error) {
	release, err := s.acquire(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, req.ProviderID, release)

	var appt *Appointment
	err = s.appointments.InProviderTx(ctx, req.ProviderID, func(ctx context.Context) error {
		if err := s.requireProvider(ctx, req.ProviderID, true); err != nil {
			return err
		}
		if err := s.evaluateSlot(ctx, req.ProviderID, req.Start, req.DurationMinutes, uuid.Nil); err != nil {
			return err
		}
		now := s.now()
		a := &Appointment{
			ID:              uuid.New(),
			ProviderID:      req.ProviderID,
			PatientID:       req.PatientID,
			Start:           req.Start,
			DurationMinutes: req.DurationMinutes,
			Status:          req.RequestedStatus,
			Type:            req.Type,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.appointments.Create(ctx, a, creationEntry(a, req.RequestedBy, req.Details)); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *Service) acquire(ctx context.Context, providerID string) (lock.Release, error) {
	start := time.Now()
	release, err := s.locker.Acquire(ctx, "provider:"+providerID, s.lockTimeout)
	s.metrics.ObserveLockWait(time.Since(start))
	if errors.Is(err, lock.ErrLockTimeout) {
		return nil, &ContendedSlotError{ProviderID: providerID, Waited: time.Since(start), Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire booking lock for %s: %w", providerID, err)
	}
	return release, nil
}

func (s *Service) release(ctx context.Context, providerID string, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error().Err(err).Str("provider_id", providerID).Msg("release booking lock")
	}
}

// -- Lifecycle --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	return s.appointments.History(ctx, id)
}

// TransitionAppointment moves an appointment through the lifecycle and
// appends the history entry atomically. Promotion from inquiry to a
// reserving status re-validates the slot under the provider lock.
func (s *Service) TransitionAppointment(ctx context.Context, id uuid.UUID, to Status, performedBy, details string) (*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.TransitionAppointment", trace.WithAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("appointment.to", string(to)),
	))
	defer span.End()

	if strings.TrimSpace(performedBy) == "" {
		return nil, s.fail(span, &ValidationError{Field: "performed_by", Message: "is required"})
	}
	if !to.Valid() {
		return nil, s.fail(span, &ValidationError{Field: "status", Message: "unknown status " + string(to)})
	}

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		a, from, err := s.transitionOnce(ctx, id, to, performedBy, details)
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			var ite *IllegalTransitionError
			if errors.As(err, &ite) {
				s.logger.Warn().
					Str("appointment_id", id.String()).
					Str("from", string(ite.From)).
					Str("to", string(ite.To)).
					Str("performed_by", performedBy).
					Msg("illegal appointment transition rejected")
			}
			return nil, s.fail(span, err)
		}

		s.metrics.ObserveTransition(string(from), string(to))
		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("performed_by", performedBy).
			Msg("appointment transitioned")
		s.publishTransition(ctx, a, from)
		return a, nil
	}
	return nil, s.fail(span, fmt.Errorf("transition appointment %s: %w", id, ErrStaleStatus))
}

func (s *Service) transitionOnce(ctx context.Context, id uuid.UUID, to Status, performedBy, details string) (*Appointment, Status, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from := a.Status
	if !CanTransition(from, to) {
		return nil, from, &IllegalTransitionError{From: from, To: to}
	}

	if from.Reserving() || !to.Reserving() {
		entry, err := ApplyTransition(a, to, performedBy, details, s.now())
		if err != nil {
			return nil, from, err
		}
		if err := s.appointments.UpdateStatus(ctx, a, from, entry); err != nil {
			return nil, from, err
		}
		return a, from, nil
	}

	// The appointment starts reserving time now, so the slot must still be free.
	release, err := s.acquire(ctx, a.ProviderID)
	if err != nil {
		return nil, from, err
	}
	defer s.release(ctx, a.ProviderID, release)

	err = s.appointments.InProviderTx(ctx, a.ProviderID, func(ctx context.Context) error {
		if err := s.evaluateSlot(ctx, a.ProviderID, a.Start, a.DurationMinutes, a.ID); err != nil {
			return err
		}
		entry, err := ApplyTransition(a, to, performedBy, details, s.now())
		if err != nil {
			return err
		}
		return s.appointments.UpdateStatus(ctx, a, from, entry)
	})
	if err != nil {
		return nil, from, err
	}
	return a, from, nil
}

// publishTransition emits the transition event, plus the billing trigger on
// completion. Failures are logged and never undo the committed change.
func (s *Service) publishTransition(ctx context.Context, a *Appointment, from Status) {
	ctx = context.WithoutCancel(ctx)
	data := map[string]interface{}{
		"appointment_id": a.ID.String(),
		"provider_id":    a.ProviderID,
		"from":           string(from),
		"to":             string(a.Status),
		"updated_at":     a.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, events.New(EventAppointmentTransitioned, data)); err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("publish transition event")
	}
	if a.Status != StatusCompleted {
		return
	}
	billing := map[string]interface{}{
		"appointment_id":   a.ID.String(),
		"provider_id":      a.ProviderID,
		"patient_id":       a.PatientID,
		"type":             string(a.Type),
		"start":            a.Start.String(),
		"duration_minutes": a.DurationMinutes,
		"completed_at":     a.CompletedAt,
	}
	if err := s.publisher.Publish(ctx, events.New(EventAppointmentCompleted, billing)); err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("publish completion event")
	}
}

// -- Listing --

// ListProviderDay returns the provider's appointments on a clinic-local date,
// in every status, paged by limit and offset.
func (s *Service) ListProviderDay(ctx context.Context, providerID string, day localtime.Date, limit, offset int) ([]*Appointment, int, error) {
	if err := s.requireProvider(ctx, providerID, false); err != nil {
		return nil, 0, err
	}
	from, to := s.norm.DayBounds(day)
	all, err := s.appointments.ListOverlapping(ctx, providerID, from, to)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if k := KindOf(err); k != "" {
		span.SetAttributes(attribute.String("error.kind", string(k)))
	}
	return err
}
