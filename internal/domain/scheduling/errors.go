package scheduling

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind discriminates scheduling failures so callers can branch without
// matching on message text.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindInvalidWindow       ErrorKind = "invalid_window"
	KindOutsideAvailability ErrorKind = "outside_availability"
	KindSlotConflict        ErrorKind = "slot_conflict"
	KindIllegalTransition   ErrorKind = "illegal_transition"
	KindContendedSlot       ErrorKind = "contended_slot"
	KindNotFound            ErrorKind = "not_found"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
)

// KindOf returns the kind of a scheduling error anywhere in err's chain, or
// "" for anything else.
func KindOf(err error) ErrorKind {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// Retryable reports whether the request may succeed unchanged on a retry.
func Retryable(err error) bool { return KindOf(err) == KindContendedSlot }

type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error   { return e.Err }
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

type InvalidWindowError struct {
	Weekday time.Weekday
	Window  DayWindow
	Reason  string
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid %s window %s-%s: %s",
		strings.ToLower(e.Weekday.String()), e.Window.Start, e.Window.End, e.Reason)
}

func (e *InvalidWindowError) Kind() ErrorKind { return KindInvalidWindow }

// OutsideAvailabilityError carries the provider's actual window for the
// requested weekday so the caller can offer alternatives.
type OutsideAvailabilityError struct {
	ProviderID string
	Weekday    time.Weekday
	Window     DayWindow
	Requested  Interval
}

func (e *OutsideAvailabilityError) Error() string {
	day := strings.ToLower(e.Weekday.String())
	if !e.Window.IsAvailable {
		return fmt.Sprintf("provider %s is not available on %s", e.ProviderID, day)
	}
	return fmt.Sprintf("requested slot is outside provider %s hours on %s (%s-%s)",
		e.ProviderID, day, e.Window.Start, e.Window.End)
}

func (e *OutsideAvailabilityError) Kind() ErrorKind { return KindOutsideAvailability }

// SlotConflictError names the interval that is already taken, never the
// appointment or patient that holds it. Conflicting is nil when the store's
// overlap guard fired and the holder's interval is unknown.
type SlotConflictError struct {
	Requested   Interval
	Conflicting *Interval
}

func (e *SlotConflictError) Error() string {
	if e.Conflicting == nil {
		return fmt.Sprintf("requested slot %s overlaps an existing appointment", e.Requested)
	}
	return fmt.Sprintf("requested slot %s overlaps existing appointment at %s", e.Requested, *e.Conflicting)
}

func (e *SlotConflictError) Kind() ErrorKind { return KindSlotConflict }

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

func (e *IllegalTransitionError) Kind() ErrorKind { return KindIllegalTransition }

// ContendedSlotError means the provider's booking lock could not be taken in
// time. It is safe to retry.
type ContendedSlotError struct {
	ProviderID string
	Waited     time.Duration
	Err        error
}

func (e *ContendedSlotError) Error() string {
	return fmt.Sprintf("provider %s is busy with another booking (waited %s)", e.ProviderID, e.Waited)
}

func (e *ContendedSlotError) Unwrap() error   { return e.Err }
func (e *ContendedSlotError) Kind() ErrorKind { return KindContendedSlot }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string   { return fmt.Sprintf("%s %s not found", e.Resource, e.ID) }
func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

type ProviderUnavailableError struct {
	ProviderID string
	Reason     string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s cannot take appointments: %s", e.ProviderID, e.Reason)
}

func (e *ProviderUnavailableError) Kind() ErrorKind { return KindProviderUnavailable }
