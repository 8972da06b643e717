package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `
	t.ticket_id, t.number, t.clinic_id, c.name, t.patient_id, p.full_name, t.state, t.reason,
	t.created_by, t.service_day::text, t.created_at, t.called_at, t.finished_at`

const ticketFrom = `
	FROM tickets t
	JOIN clinics c ON c.clinic_id = t.clinic_id
	JOIN patients p ON p.patient_id = t.patient_id`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.TicketStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type txKey struct{}

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithinTx runs fn in a transaction carried by the context passed to it.
// Nested calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) AllocateNumber(ctx context.Context, clinicID, day string) (int, error) {
	var next int
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO ticket_sequences (clinic_id, service_day, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (clinic_id, service_day)
		DO UPDATE SET last_number = ticket_sequences.last_number + 1
		RETURNING last_number
	`, clinicID, day)
	if err := row.Scan(&next); err != nil {
		if isForeignKeyViolation(err) {
			return 0, store.ErrClinicNotFound
		}
		return 0, err
	}
	return next, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket store.NewTicket) (models.Ticket, error) {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, clinic_id, patient_id, number, service_day, state, reason, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ticket.TicketID, ticket.ClinicID, ticket.PatientID, ticket.Number, ticket.ServiceDay,
		models.StateWaiting, ticket.Reason, ticket.CreatedBy, ticket.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			if pgErr.ConstraintName == "tickets_patient_id_fkey" {
				return models.Ticket{}, store.ErrPatientNotFound
			}
			return models.Ticket{}, store.ErrClinicNotFound
		}
		return models.Ticket{}, err
	}
	return models.Ticket{
		TicketID:    ticket.TicketID,
		Number:      ticket.Number,
		ClinicID:    ticket.ClinicID,
		ClinicName:  ticket.ClinicName,
		PatientID:   ticket.PatientID,
		PatientName: ticket.PatientName,
		State:       models.StateWaiting,
		Reason:      ticket.Reason,
		CreatedBy:   ticket.CreatedBy,
		ServiceDay:  ticket.ServiceDay,
		CreatedAt:   ticket.CreatedAt,
	}, nil
}

func (s *Store) SelectByID(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+ticketColumns+ticketFrom+` WHERE t.ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) SelectOldestWaiting(ctx context.Context, clinicID, day string) (models.Ticket, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT `+ticketColumns+ticketFrom+`
		WHERE t.clinic_id = $1 AND t.service_day = $2 AND t.state = 'waiting'
		ORDER BY t.number ASC
		LIMIT 1
		FOR UPDATE OF t`, clinicID, day)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrNoTicketWaiting
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) SelectInProgress(ctx context.Context, clinicID, day string) ([]models.Ticket, error) {
	return s.queryTickets(ctx, `SELECT `+ticketColumns+ticketFrom+`
		WHERE t.clinic_id = $1 AND t.service_day = $2 AND t.state = 'in_progress'
		ORDER BY t.called_at DESC`, clinicID, day)
}

func (s *Store) CompareAndSetState(ctx context.Context, transition store.Transition) (models.Ticket, error) {
	stamp := ""
	switch transition.Stamp {
	case store.StampCalledAt:
		stamp = ", called_at = $4"
	case store.StampFinishedAt:
		stamp = ", finished_at = $4"
	}
	query := `
		WITH updated AS (
			UPDATE tickets
			SET state = $1` + stamp + `
			WHERE ticket_id = $2 AND state = $3
			RETURNING *
		)
		SELECT ` + ticketColumns + `
		FROM updated t
		JOIN clinics c ON c.clinic_id = t.clinic_id
		JOIN patients p ON p.patient_id = t.patient_id`
	args := []any{transition.Next, transition.TicketID, transition.Expected}
	if stamp != "" {
		args = append(args, transition.At)
	}

	db := s.conn(ctx)
	ticket, err := scanTicket(db.QueryRow(ctx, query, args...))
	if err == nil {
		return ticket, nil
	}
	if isInvalidText(err) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, err
	}

	current, exists, err := loadTicketState(ctx, db, transition.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !exists {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return models.Ticket{}, &store.ConflictError{
		TicketID: transition.TicketID,
		Expected: transition.Expected,
		Current:  current,
	}
}

func (s *Store) SelectActive(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ticketFrom + `
		WHERE t.service_day = $1 AND t.state IN ('waiting','in_progress')`
	args := []any{filter.ServiceDay}
	if filter.ClinicID != "" {
		query += " AND t.clinic_id = $2"
		args = append(args, filter.ClinicID)
	}
	query += " ORDER BY t.number ASC, t.created_at ASC"
	return s.queryTickets(ctx, query, args...)
}

func (s *Store) SelectHistory(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ticketFrom + `
		WHERE t.service_day = $1`
	args := []any{filter.ServiceDay}
	if filter.ClinicID != "" {
		query += " AND t.clinic_id = $2"
		args = append(args, filter.ClinicID)
	}
	query += " ORDER BY t.created_at DESC, t.number DESC"
	return s.queryTickets(ctx, query, args...)
}

func (s *Store) GetClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	return s.selectClinic(ctx, clinicID, "")
}

func (s *Store) LockClinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	return s.selectClinic(ctx, clinicID, " FOR UPDATE")
}

func (s *Store) selectClinic(ctx context.Context, clinicID, suffix string) (models.Clinic, error) {
	var clinic models.Clinic
	var staffNull sql.NullString
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT clinic_id, name, assigned_staff_id, active
		FROM clinics
		WHERE clinic_id = $1`+suffix, clinicID)
	if err := row.Scan(&clinic.ClinicID, &clinic.Name, &staffNull, &clinic.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	clinic.AssignedStaffID = nullStringPtr(staffNull)
	return clinic, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	var patient models.Patient
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, full_name FROM patients WHERE patient_id = $1
	`, patientID)
	if err := row.Scan(&patient.PatientID, &patient.FullName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) ClinicStats(ctx context.Context, clinicID, day string) (models.ClinicStats, error) {
	if _, err := s.GetClinic(ctx, clinicID); err != nil {
		return models.ClinicStats{}, err
	}
	stats := models.ClinicStats{ClinicID: clinicID, ServiceDay: day}
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'waiting'),
			COUNT(*) FILTER (WHERE state = 'in_progress'),
			COUNT(*) FILTER (WHERE state = 'finished'),
			COUNT(*) FILTER (WHERE state = 'absent')
		FROM tickets
		WHERE clinic_id = $1 AND service_day = $2
	`, clinicID, day)
	if err := row.Scan(&stats.Total, &stats.Waiting, &stats.InProgress, &stats.Finished, &stats.Absent); err != nil {
		return models.ClinicStats{}, err
	}
	return stats, nil
}

// Migrate applies the embedded schema migrations not yet recorded in
// schema_migrations, each in its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	all, err := migrations.All()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, migration := range all {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return applied, err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, migration.Name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return applied, err
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			continue
		}
		if _, err := tx.Exec(ctx, migration.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply %s: %w", migration.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, err
		}
		applied = append(applied, migration.Name)
	}
	return applied, nil
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...any) ([]models.Ticket, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var reasonNull sql.NullString
	var calledAtNull sql.NullTime
	var finishedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.Number, &ticket.ClinicID, &ticket.ClinicName,
		&ticket.PatientID, &ticket.PatientName, &ticket.State, &reasonNull, &ticket.CreatedBy,
		&ticket.ServiceDay, &ticket.CreatedAt, &calledAtNull, &finishedAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Reason = nullStringPtr(reasonNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	return ticket, nil
}

func loadTicketState(ctx context.Context, db executor, ticketID string) (string, bool, error) {
	var state string
	row := db.QueryRow(ctx, `SELECT state FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return state, true, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// isInvalidText reports a malformed uuid literal.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
