package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/fanout"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/sequence"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxReasonLength = 500

type Publisher interface {
	Publish(event fanout.Event) error
}

type Options struct {
	// Location is the facility time zone that decides the service day.
	Location *time.Location
	// SingleOccupancy rejects call-next while the clinic already has a ticket
	// in progress today.
	SingleOccupancy bool
	Logger          *slog.Logger
}

type Service struct {
	store           store.TicketStore
	sequence        sequence.Generator
	publisher       Publisher
	clock           clock.Clock
	location        *time.Location
	singleOccupancy bool
	logger          *slog.Logger
	tracer          trace.Tracer
	locks           *clinicLocks
}

func NewService(st store.TicketStore, gen sequence.Generator, publisher Publisher, clk clock.Clock, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		store:           st,
		sequence:        gen,
		publisher:       publisher,
		clock:           clk,
		location:        opts.Location,
		singleOccupancy: opts.SingleOccupancy,
		logger:          opts.Logger.With("component", "queue"),
		tracer:          otel.Tracer("qms/clinic-queue/queue"),
		locks:           newClinicLocks(),
	}
}

type CreateTicketInput struct {
	PatientID string
	ClinicID  string
	Reason    string
	StaffID   string
}

// Today is the current service day in the facility time zone.
func (s *Service) Today() string {
	return clock.Day(s.clock.Now(), s.location)
}

func (s *Service) CreateTicket(ctx context.Context, input CreateTicketInput) (ticket models.Ticket, err error) {
	ctx, done := s.begin(ctx, "create_ticket", attribute.String("clinic_id", input.ClinicID))
	defer func() { done(err) }()

	input.PatientID = strings.TrimSpace(input.PatientID)
	input.ClinicID = strings.TrimSpace(input.ClinicID)
	input.StaffID = strings.TrimSpace(input.StaffID)
	if err := validateCreate(input); err != nil {
		return models.Ticket{}, err
	}
	var reason *string
	if trimmed := strings.TrimSpace(input.Reason); trimmed != "" {
		reason = &trimmed
	}

	unlock := s.locks.lock(input.ClinicID)
	defer unlock()

	now := s.clock.Now()
	day := clock.Day(now, s.location)
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		clinic, err := s.store.GetClinic(ctx, input.ClinicID)
		if err != nil {
			return err
		}
		if !clinic.Active {
			return ErrClinicInactive
		}
		patient, err := s.store.GetPatient(ctx, input.PatientID)
		if err != nil {
			return err
		}
		number, err := s.sequence.Next(ctx, clinic.ClinicID, day)
		if err != nil {
			return err
		}
		ticket, err = s.store.InsertTicket(ctx, store.NewTicket{
			TicketID:    uuid.NewString(),
			ClinicID:    clinic.ClinicID,
			ClinicName:  clinic.Name,
			PatientID:   patient.PatientID,
			PatientName: patient.FullName,
			Number:      number,
			Reason:      reason,
			CreatedBy:   input.StaffID,
			ServiceDay:  day,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return models.Ticket{}, translate(err)
	}

	s.logger.InfoContext(ctx, "ticket created",
		"ticket_id", ticket.TicketID,
		"clinic_id", ticket.ClinicID,
		"number", ticket.Number,
		"staff_id", input.StaffID)
	s.publish(ctx, fanout.TicketCreated, ticket)
	return ticket, nil
}

// ListActive returns today's waiting and in-progress tickets ordered by
// number. An empty clinicID lists every clinic.
func (s *Service) ListActive(ctx context.Context, clinicID string) (tickets []models.Ticket, err error) {
	ctx, done := s.begin(ctx, "list_active", attribute.String("clinic_id", clinicID))
	defer func() { done(err) }()

	tickets, err = s.store.SelectActive(ctx, store.TicketFilter{ServiceDay: s.Today(), ClinicID: strings.TrimSpace(clinicID)})
	if err != nil {
		return nil, translate(err)
	}
	return nonNil(tickets), nil
}

// CallNext moves the lowest-numbered waiting ticket of the clinic for today
// into attention.
func (s *Service) CallNext(ctx context.Context, clinicID string) (ticket models.Ticket, err error) {
	ctx, done := s.begin(ctx, "call_next", attribute.String("clinic_id", clinicID))
	defer func() { done(err) }()

	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return models.Ticket{}, invalid("clinic_id", "required")
	}

	unlock := s.locks.lock(clinicID)
	defer unlock()

	now := s.clock.Now()
	day := clock.Day(now, s.location)
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.LockClinic(ctx, clinicID); err != nil {
			return err
		}
		if s.singleOccupancy {
			current, err := s.store.SelectInProgress(ctx, clinicID, day)
			if err != nil {
				return err
			}
			if len(current) > 0 {
				return ErrClinicBusy
			}
		}
		next, err := s.store.SelectOldestWaiting(ctx, clinicID, day)
		if err != nil {
			return err
		}
		ticket, err = apply(ctx, s.store, ActionCallNext, next.TicketID, now)
		return err
	})
	if err != nil {
		return models.Ticket{}, translate(err)
	}

	s.logger.InfoContext(ctx, "ticket called",
		"ticket_id", ticket.TicketID,
		"clinic_id", ticket.ClinicID,
		"number", ticket.Number)
	s.publish(ctx, fanout.TicketCalled, ticket)
	return ticket, nil
}

func (s *Service) Finish(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.resolve(ctx, "finish", ActionFinish, fanout.TicketFinished, ticketID)
}

func (s *Service) MarkAbsent(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.resolve(ctx, "mark_absent", ActionMarkAbsent, fanout.TicketMarkedAbsent, ticketID)
}

func (s *Service) resolve(ctx context.Context, operation string, action Action, kind fanout.Kind, ticketID string) (ticket models.Ticket, err error) {
	ctx, done := s.begin(ctx, operation, attribute.String("ticket_id", ticketID))
	defer func() { done(err) }()

	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return models.Ticket{}, invalid("ticket_id", "required")
	}
	current, err := s.store.SelectByID(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, translate(err)
	}

	unlock := s.locks.lock(current.ClinicID)
	defer unlock()

	ticket, err = apply(ctx, s.store, action, ticketID, s.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}

	s.logger.InfoContext(ctx, "ticket resolved",
		"ticket_id", ticket.TicketID,
		"clinic_id", ticket.ClinicID,
		"state", ticket.State)
	s.publish(ctx, kind, ticket)
	return ticket, nil
}

// History lists every ticket of day (today when empty), newest first.
func (s *Service) History(ctx context.Context, day, clinicID string) (tickets []models.Ticket, err error) {
	ctx, done := s.begin(ctx, "history", attribute.String("clinic_id", clinicID), attribute.String("day", day))
	defer func() { done(err) }()

	day, err = s.dayOrToday(day)
	if err != nil {
		return nil, err
	}
	tickets, err = s.store.SelectHistory(ctx, store.TicketFilter{ServiceDay: day, ClinicID: strings.TrimSpace(clinicID)})
	if err != nil {
		return nil, translate(err)
	}
	return nonNil(tickets), nil
}

// CurrentInProgress returns the most recently called ticket of the clinic
// still in progress today. The bool is false when there is none.
func (s *Service) CurrentInProgress(ctx context.Context, clinicID string) (ticket models.Ticket, found bool, err error) {
	ctx, done := s.begin(ctx, "current_in_progress", attribute.String("clinic_id", clinicID))
	defer func() { done(err) }()

	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return models.Ticket{}, false, invalid("clinic_id", "required")
	}
	tickets, err := s.store.SelectInProgress(ctx, clinicID, s.Today())
	if err != nil {
		return models.Ticket{}, false, translate(err)
	}
	if len(tickets) == 0 {
		return models.Ticket{}, false, nil
	}
	return tickets[0], true, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (ticket models.Ticket, err error) {
	ctx, done := s.begin(ctx, "get_ticket", attribute.String("ticket_id", ticketID))
	defer func() { done(err) }()

	ticket, err = s.store.SelectByID(ctx, strings.TrimSpace(ticketID))
	if err != nil {
		return models.Ticket{}, translate(err)
	}
	return ticket, nil
}

func (s *Service) ClinicStats(ctx context.Context, clinicID, day string) (stats models.ClinicStats, err error) {
	ctx, done := s.begin(ctx, "clinic_stats", attribute.String("clinic_id", clinicID))
	defer func() { done(err) }()

	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return models.ClinicStats{}, invalid("clinic_id", "required")
	}
	day, err = s.dayOrToday(day)
	if err != nil {
		return models.ClinicStats{}, err
	}
	stats, err = s.store.ClinicStats(ctx, clinicID, day)
	if err != nil {
		return models.ClinicStats{}, translate(err)
	}
	return stats, nil
}

func (s *Service) publish(ctx context.Context, kind fanout.Kind, ticket models.Ticket) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(fanout.Event{Kind: kind, Ticket: ticket}); err != nil {
		publishFailures.WithLabelValues(string(kind)).Inc()
		s.logger.WarnContext(ctx, "publish failed",
			"kind", kind,
			"ticket_id", ticket.TicketID,
			"error", err)
	}
}

// begin opens the span and metrics of one operation. The returned func closes
// them with the operation's outcome.
func (s *Service) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "queue."+operation, trace.WithAttributes(attrs...))
	started := time.Now()
	return ctx, func(err error) {
		operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
		operationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, ErrStoreUnavailable) {
				s.logger.ErrorContext(ctx, "store failure", "operation", operation, "error", err)
			}
		}
		span.End()
	}
}

func (s *Service) dayOrToday(day string) (string, error) {
	day = strings.TrimSpace(day)
	if day == "" {
		return s.Today(), nil
	}
	parsed, err := clock.ParseDay(day)
	if err != nil {
		return "", invalid("date", "expected YYYY-MM-DD")
	}
	return parsed, nil
}

func validateCreate(input CreateTicketInput) error {
	if input.PatientID == "" {
		return invalid("patient_id", "required")
	}
	if input.ClinicID == "" {
		return invalid("clinic_id", "required")
	}
	if input.StaffID == "" {
		return invalid("staff_id", "required")
	}
	if utf8.RuneCountInString(input.Reason) > maxReasonLength {
		return invalid("reason", "too long")
	}
	return nil
}

func resultLabel(err error) string {
	var validation *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "invalid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_error"
	default:
		return "rejected"
	}
}

func nonNil(tickets []models.Ticket) []models.Ticket {
	if tickets == nil {
		return []models.Ticket{}
	}
	return tickets
}
