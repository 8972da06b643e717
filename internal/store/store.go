package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

// Stamp names the timestamp column a transition sets together with the state.
type Stamp int

const (
	StampNone Stamp = iota
	StampCalledAt
	StampFinishedAt
)

type NewTicket struct {
	TicketID    string
	ClinicID    string
	ClinicName  string
	PatientID   string
	PatientName string
	Number      int
	Reason      *string
	CreatedBy   string
	ServiceDay  string
	CreatedAt   time.Time
}

type Transition struct {
	TicketID string
	Expected string
	Next     string
	Stamp    Stamp
	At       time.Time
}

// TicketFilter selects the tickets of one service day, optionally narrowed to
// a single clinic.
type TicketFilter struct {
	ServiceDay string
	ClinicID   string
}

// TicketStore is the durable record of tickets. Methods called with a context
// obtained inside WithinTx run in that transaction.
type TicketStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// AllocateNumber increments and returns the counter of (clinicID, day).
	// A day without a counter starts at 1.
	AllocateNumber(ctx context.Context, clinicID, day string) (int, error)
	InsertTicket(ctx context.Context, ticket NewTicket) (models.Ticket, error)
	SelectByID(ctx context.Context, ticketID string) (models.Ticket, error)
	SelectOldestWaiting(ctx context.Context, clinicID, day string) (models.Ticket, error)
	// SelectInProgress returns in-progress tickets, most recently called first.
	SelectInProgress(ctx context.Context, clinicID, day string) ([]models.Ticket, error)
	// CompareAndSetState applies the transition only when the ticket is still in
	// the expected state. A mismatch yields *ConflictError.
	CompareAndSetState(ctx context.Context, transition Transition) (models.Ticket, error)
	// SelectActive returns waiting and in-progress tickets ordered by number.
	SelectActive(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	// SelectHistory returns every ticket of the day, newest first.
	SelectHistory(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)

	GetClinic(ctx context.Context, clinicID string) (models.Clinic, error)
	// LockClinic reads the clinic and holds it until the surrounding
	// transaction ends, serializing call-next decisions per clinic.
	LockClinic(ctx context.Context, clinicID string) (models.Clinic, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	ClinicStats(ctx context.Context, clinicID, day string) (models.ClinicStats, error)
}
