package queue

import (
	"errors"
	"fmt"

	"qms/clinic-queue/internal/store"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrClinicNotFound    = errors.New("clinic not found")
	ErrClinicInactive    = errors.New("clinic inactive")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrStaleTicketState  = errors.New("stale ticket state")
	ErrNoTicketsWaiting  = errors.New("no tickets waiting")
	ErrClinicBusy        = errors.New("clinic already attending a ticket")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// translate maps store errors onto the queue taxonomy. Anything the store
// does not name is reported as ErrStoreUnavailable.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTicketNotFound):
		return ErrTicketNotFound
	case errors.Is(err, store.ErrClinicNotFound):
		return ErrClinicNotFound
	case errors.Is(err, store.ErrPatientNotFound):
		return ErrPatientNotFound
	case errors.Is(err, store.ErrNoTicketWaiting):
		return ErrNoTicketsWaiting
	case isQueueError(err):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func isQueueError(err error) bool {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return true
	}
	for _, sentinel := range []error{
		ErrTicketNotFound, ErrClinicNotFound, ErrClinicInactive, ErrPatientNotFound,
		ErrInvalidTransition, ErrStaleTicketState, ErrNoTicketsWaiting, ErrClinicBusy,
		ErrStoreUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
