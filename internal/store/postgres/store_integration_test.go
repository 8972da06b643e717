package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testDay = "2026-03-02"

func TestAllocateNumberConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID := seedClinic(t, ctx, pool, true)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan allocResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var number int
			err := st.WithinTx(ctx, func(ctx context.Context) error {
				var err error
				number, err = st.AllocateNumber(ctx, clinicID, testDay)
				return err
			})
			results <- allocResult{number: number, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("allocate error: %v", result.err)
		}
		if seen[result.number] {
			t.Fatalf("duplicate number %d", result.number)
		}
		seen[result.number] = true
	}
	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("missing number %d", n)
		}
	}

	next, err := st.AllocateNumber(ctx, clinicID, "2026-03-03")
	if err != nil {
		t.Fatalf("allocate next day: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected next day to start at 1, got %d", next)
	}
}

func TestRolledBackCreationKeepsCounter(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID := seedClinic(t, ctx, pool, true)
	err := st.WithinTx(ctx, func(ctx context.Context) error {
		number, err := st.AllocateNumber(ctx, clinicID, testDay)
		if err != nil {
			return err
		}
		_, err = st.InsertTicket(ctx, store.NewTicket{
			TicketID:   uuid.NewString(),
			ClinicID:   clinicID,
			PatientID:  "missing-patient",
			Number:     number,
			CreatedBy:  "staff-1",
			ServiceDay: testDay,
			CreatedAt:  time.Now().UTC(),
		})
		return err
	})
	if !errors.Is(err, store.ErrPatientNotFound) {
		t.Fatalf("expected patient not found, got %v", err)
	}

	number, err := st.AllocateNumber(ctx, clinicID, testDay)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if number != 1 {
		t.Fatalf("expected rolled back counter, got %d", number)
	}
}

func TestCompareAndSetStateRace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID := seedClinic(t, ctx, pool, true)
	patientID := seedPatient(t, ctx, pool)
	ticket := insertTicket(t, ctx, st, clinicID, patientID, 1)

	called, err := st.CompareAndSetState(ctx, store.Transition{
		TicketID: ticket.TicketID, Expected: models.StateWaiting, Next: models.StateInProgress,
		Stamp: store.StampCalledAt, At: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.CalledAt == nil || called.PatientName != "Ana Gomez" {
		t.Fatalf("unexpected called ticket: %+v", called)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CompareAndSetState(ctx, store.Transition{
				TicketID: ticket.TicketID, Expected: models.StateInProgress, Next: models.StateFinished,
				Stamp: store.StampFinishedAt, At: time.Now().UTC(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		var conflict *store.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
			conflicts++
			if conflict.Current != models.StateFinished {
				t.Fatalf("expected current finished, got %s", conflict.Current)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got %d/%d", wins, conflicts)
	}

	_, err = st.CompareAndSetState(ctx, store.Transition{TicketID: uuid.NewString(), Expected: models.StateWaiting, Next: models.StateInProgress})
	if !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSelectQueries(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID := seedClinic(t, ctx, pool, true)
	patientID := seedPatient(t, ctx, pool)
	first := insertTicket(t, ctx, st, clinicID, patientID, 1)
	insertTicket(t, ctx, st, clinicID, patientID, 2)

	oldest, err := st.SelectOldestWaiting(ctx, clinicID, testDay)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest.TicketID != first.TicketID {
		t.Fatalf("expected ticket 1 first")
	}

	active, err := st.SelectActive(ctx, store.TicketFilter{ServiceDay: testDay, ClinicID: clinicID})
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 || active[0].Number != 1 || active[1].Number != 2 {
		t.Fatalf("unexpected active list: %+v", active)
	}
	if active[0].ServiceDay != testDay {
		t.Fatalf("expected service day %s, got %s", testDay, active[0].ServiceDay)
	}

	history, err := st.SelectHistory(ctx, store.TicketFilter{ServiceDay: testDay})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Number != 2 {
		t.Fatalf("expected newest first, got %+v", history)
	}

	stats, err := st.ClinicStats(ctx, clinicID, testDay)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Waiting != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := st.SelectByID(ctx, "not-a-uuid"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
}

type allocResult struct {
	number int
	err    error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool), pool, cleanup
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

func seedClinic(t *testing.T, ctx context.Context, pool *pgxpool.Pool, active bool) string {
	t.Helper()
	clinicID := "clinic-" + uuid.NewString()[:8]
	if _, err := pool.Exec(ctx, `
		INSERT INTO clinics (clinic_id, name, active) VALUES ($1, 'General Medicine', $2)
	`, clinicID, active); err != nil {
		t.Fatalf("insert clinic: %v", err)
	}
	return clinicID
}

func seedPatient(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	patientID := "patient-" + uuid.NewString()[:8]
	if _, err := pool.Exec(ctx, `
		INSERT INTO patients (patient_id, full_name) VALUES ($1, 'Ana Gomez')
	`, patientID); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	return patientID
}

func insertTicket(t *testing.T, ctx context.Context, st *Store, clinicID, patientID string, number int) models.Ticket {
	t.Helper()
	ticket, err := st.InsertTicket(ctx, store.NewTicket{
		TicketID:   uuid.NewString(),
		ClinicID:   clinicID,
		PatientID:  patientID,
		Number:     number,
		CreatedBy:  "staff-1",
		ServiceDay: testDay,
		CreatedAt:  time.Now().UTC().Add(time.Duration(number) * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	return ticket
}
