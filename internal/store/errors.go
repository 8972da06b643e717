package store

import (
	"errors"
	"fmt"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrClinicNotFound  = errors.New("clinic not found")
	ErrPatientNotFound = errors.New("patient not found")
	ErrNoTicketWaiting = errors.New("no ticket waiting")
	ErrStateConflict   = errors.New("ticket state conflict")
)

// ConflictError is returned by CompareAndSetState when the ticket exists but
// is not in the expected state. It matches ErrStateConflict.
type ConflictError struct {
	TicketID string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ticket %s is %s, expected %s", e.TicketID, e.Current, e.Expected)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStateConflict
}
