package memory

import (
	"context"
	"sort"
	"sync"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type txKey struct{}

// Store keeps tickets in process memory. Every operation, and every
// transaction as a whole, runs under one lock; a transaction whose function
// fails is rolled back to the state it started from.
type Store struct {
	mu        sync.Mutex
	clinics   map[string]models.Clinic
	patients  map[string]models.Patient
	tickets   map[string]models.Ticket
	sequences map[string]int
}

var _ store.TicketStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		clinics:   make(map[string]models.Clinic),
		patients:  make(map[string]models.Patient),
		tickets:   make(map[string]models.Ticket),
		sequences: make(map[string]int),
	}
}

func (s *Store) PutClinic(clinic models.Clinic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[clinic.ClinicID] = clinic
}

func (s *Store) PutPatient(patient models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.PatientID] = patient
}

type snapshot struct {
	tickets   map[string]models.Ticket
	sequences map[string]int
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.tickets = saved.tickets
		s.sequences = saved.sequences
		return err
	}
	return nil
}

func (s *Store) AllocateNumber(ctx context.Context, clinicID, day string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer s.enter(ctx)()

	key := clinicID + "|" + day
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket store.NewTicket) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	defer s.enter(ctx)()

	if _, ok := s.clinics[ticket.ClinicID]; !ok {
		return models.Ticket{}, store.ErrClinicNotFound
	}
	if _, ok := s.patients[ticket.PatientID]; !ok {
		return models.Ticket{}, store.ErrPatientNotFound
	}
	record := models.Ticket{
		TicketID:   ticket.TicketID,
		Number:     ticket.Number,
		ClinicID:   ticket.ClinicID,
		PatientID:  ticket.PatientID,
		State:      models.StateWaiting,
		Reason:     ticket.Reason,
		CreatedBy:  ticket.CreatedBy,
		ServiceDay: ticket.ServiceDay,
		CreatedAt:  ticket.CreatedAt,
	}
	s.tickets[record.TicketID] = record
	return s.view(record), nil
}

func (s *Store) SelectByID(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	defer s.enter(ctx)()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return s.view(ticket), nil
}

func (s *Store) SelectOldestWaiting(ctx context.Context, clinicID, day string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	defer s.enter(ctx)()

	var oldest *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.ClinicID != clinicID || ticket.ServiceDay != day || ticket.State != models.StateWaiting {
			continue
		}
		if oldest == nil || ticket.Number < oldest.Number {
			candidate := ticket
			oldest = &candidate
		}
	}
	if oldest == nil {
		return models.Ticket{}, store.ErrNoTicketWaiting
	}
	return s.view(*oldest), nil
}

func (s *Store) SelectInProgress(ctx context.Context, clinicID, day string) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.enter(ctx)()

	tickets := s.filter(func(t models.Ticket) bool {
		return t.ClinicID == clinicID && t.ServiceDay == day && t.State == models.StateInProgress
	})
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CalledAt.After(*tickets[j].CalledAt)
	})
	return tickets, nil
}

func (s *Store) CompareAndSetState(ctx context.Context, transition store.Transition) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	defer s.enter(ctx)()

	ticket, ok := s.tickets[transition.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.State != transition.Expected {
		return models.Ticket{}, &store.ConflictError{
			TicketID: ticket.TicketID,
			Expected: transition.Expected,
			Current:  ticket.State,
		}
	}
	ticket.State = transition.Next
	at := transition.At
	switch transition.Stamp {
	case store.StampCalledAt:
		ticket.CalledAt = &at
	case store.StampFinishedAt:
		ticket.FinishedAt = &at
	}
	s.tickets[ticket.TicketID] = ticket
	return s.view(ticket), nil
}

func (s *Store) SelectActive(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.enter(ctx)()

	tickets := s.filter(func(t models.Ticket) bool {
		if t.ServiceDay != filter.ServiceDay || (filter.ClinicID != "" && t.ClinicID != filter.ClinicID) {
			return false
		}
		return t.State == models.StateWaiting || t.State == models.StateInProgress
	})
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].Number != tickets[j].Number {
			return tickets[i].Number < tickets[j].Number
		}
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets, nil
}

func (s *Store) SelectHistory(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.enter(ctx)()

	tickets := s.filter(func(t models.Ticket) bool {
		return t.ServiceDay == filter.ServiceDay && (filter.ClinicID == "" || t.ClinicID == filter.ClinicID)
	})
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
		}
		return tickets[i].Number > tickets[j].Number
	})
	return tickets, nil
}

func (s *Store) GetClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	if err := ctx.Err(); err != nil {
		return models.Clinic{}, err
	}
	defer s.enter(ctx)()

	clinic, ok := s.clinics[clinicID]
	if !ok {
		return models.Clinic{}, store.ErrClinicNotFound
	}
	return clinic, nil
}

// LockClinic is GetClinic here: a transaction already holds the store lock.
func (s *Store) LockClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	return s.GetClinic(ctx, clinicID)
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	if err := ctx.Err(); err != nil {
		return models.Patient{}, err
	}
	defer s.enter(ctx)()

	patient, ok := s.patients[patientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return patient, nil
}

func (s *Store) ClinicStats(ctx context.Context, clinicID, day string) (models.ClinicStats, error) {
	if err := ctx.Err(); err != nil {
		return models.ClinicStats{}, err
	}
	defer s.enter(ctx)()

	if _, ok := s.clinics[clinicID]; !ok {
		return models.ClinicStats{}, store.ErrClinicNotFound
	}
	stats := models.ClinicStats{ClinicID: clinicID, ServiceDay: day}
	for _, ticket := range s.tickets {
		if ticket.ClinicID != clinicID || ticket.ServiceDay != day {
			continue
		}
		stats.Total++
		switch ticket.State {
		case models.StateWaiting:
			stats.Waiting++
		case models.StateInProgress:
			stats.InProgress++
		case models.StateFinished:
			stats.Finished++
		case models.StateAbsent:
			stats.Absent++
		}
	}
	return stats, nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// enter takes the store lock unless ctx belongs to a transaction that already
// holds it. The returned func releases what was taken.
func (s *Store) enter(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) snapshot() snapshot {
	saved := snapshot{
		tickets:   make(map[string]models.Ticket, len(s.tickets)),
		sequences: make(map[string]int, len(s.sequences)),
	}
	for id, ticket := range s.tickets {
		saved.tickets[id] = ticket
	}
	for key, value := range s.sequences {
		saved.sequences[key] = value
	}
	return saved
}

func (s *Store) filter(keep func(models.Ticket) bool) []models.Ticket {
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if keep(ticket) {
			tickets = append(tickets, s.view(ticket))
		}
	}
	return tickets
}

func (s *Store) view(ticket models.Ticket) models.Ticket {
	ticket.ClinicName = s.clinics[ticket.ClinicID].Name
	ticket.PatientName = s.patients[ticket.PatientID].FullName
	return ticket
}
