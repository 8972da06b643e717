package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
)

type memoryIdempotency struct {
	mu       sync.Mutex
	entries  map[string]*StoredResponse
	beginErr error
	aborted  []string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{entries: make(map[string]*StoredResponse)}
}

func (m *memoryIdempotency) Begin(ctx context.Context, key string) (*StoredResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return nil, false, m.beginErr
	}
	entry, ok := m.entries[key]
	if !ok {
		m.entries[key] = nil
		return nil, true, nil
	}
	return entry, false, nil
}

func (m *memoryIdempotency) Complete(ctx context.Context, key string, resp StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &resp
	return nil
}

func (m *memoryIdempotency) Abort(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.aborted = append(m.aborted, key)
	return nil
}

func TestRateLimitPerIP(t *testing.T) {
	router := newTestRouter(fakeService{}, RouterOptions{RateLimit: RateLimitConfig{IPPerMinute: 1, IPBurst: 1}})

	first := serve(router, httptest.NewRequest(http.MethodGet, "/api/tickets/active", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", first.Code)
	}
	second := serve(router, httptest.NewRequest(http.MethodGet, "/api/tickets/active", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", second.Code)
	}
	if code := decodeError(t, second).Error.Code; code != "rate_limited" {
		t.Fatalf("expected error code rate_limited, got %s", code)
	}

	other := httptest.NewRequest(http.MethodGet, "/api/tickets/active", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	if resp := serve(router, other); resp.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", resp.Code)
	}
}

func TestRateLimitPerClinic(t *testing.T) {
	router := newTestRouter(fakeService{}, RouterOptions{RateLimit: RateLimitConfig{
		IPPerMinute:     600,
		IPBurst:         100,
		ClinicPerMinute: 1,
		ClinicBurst:     1,
	}})

	path := "/api/clinics/" + testClinicID + "/current"
	if resp := serve(router, httptest.NewRequest(http.MethodGet, path, nil)); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if resp := serve(router, httptest.NewRequest(http.MethodGet, path, nil)); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", resp.Code)
	}
	if resp := serve(router, httptest.NewRequest(http.MethodGet, "/api/clinics/other-clinic/current", nil)); resp.Code != http.StatusNoContent {
		t.Fatalf("expected other clinic to pass, got %d", resp.Code)
	}
}

func TestIdempotencyReplaysCompletedRequest(t *testing.T) {
	calls := 0
	svc := fakeService{
		createFn: func(ctx context.Context, input queue.CreateTicketInput) (models.Ticket, error) {
			calls++
			return models.Ticket{TicketID: testTicketID, Number: calls, State: models.StateWaiting}, nil
		},
	}
	router := newTestRouter(svc, RouterOptions{Idempotency: newMemoryIdempotency()})

	send := func() *httptest.ResponseRecorder {
		req := createRequest(t, map[string]string{"patient_id": "p1", "clinic_id": testClinicID})
		req.Header.Set(idempotencyHeader, "key-1")
		return serve(router, req)
	}

	first := send()
	second := send()
	if calls != 1 {
		t.Fatalf("expected one ticket to be created, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Header().Get(idempotencyHitHeader) != "true" {
		t.Fatalf("expected replayed 201, got %d hit=%q", second.Code, second.Header().Get(idempotencyHitHeader))
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Fatalf("replayed body differs: %q vs %q", first.Body.String(), second.Body.String())
	}
}

func TestIdempotencyRejectsInFlightDuplicate(t *testing.T) {
	store := newMemoryIdempotency()
	store.entries["staff-1:/api/tickets:key-1"] = nil
	router := newTestRouter(fakeService{}, RouterOptions{Idempotency: store})

	req := createRequest(t, map[string]string{"patient_id": "p1", "clinic_id": testClinicID})
	req.Header.Set(idempotencyHeader, "key-1")
	resp := serve(router, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if code := decodeError(t, resp).Error.Code; code != "duplicate_request" {
		t.Fatalf("expected error code duplicate_request, got %s", code)
	}
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := newMemoryIdempotency()
	svc := fakeService{
		createFn: func(ctx context.Context, input queue.CreateTicketInput) (models.Ticket, error) {
			return models.Ticket{}, queue.ErrStoreUnavailable
		},
	}
	router := newTestRouter(svc, RouterOptions{Idempotency: store})

	req := createRequest(t, map[string]string{"patient_id": "p1", "clinic_id": testClinicID})
	req.Header.Set(idempotencyHeader, "key-2")
	if resp := serve(router, req); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	if len(store.aborted) != 1 {
		t.Fatalf("expected key to be released, aborted=%v", store.aborted)
	}
}

func TestIdempotencyStoreDownPassesThrough(t *testing.T) {
	store := newMemoryIdempotency()
	store.beginErr = errors.New("redis down")
	calls := 0
	svc := fakeService{
		createFn: func(ctx context.Context, input queue.CreateTicketInput) (models.Ticket, error) {
			calls++
			return models.Ticket{TicketID: testTicketID}, nil
		},
	}
	router := newTestRouter(svc, RouterOptions{Idempotency: store})

	for i := 0; i < 2; i++ {
		req := createRequest(t, map[string]string{"patient_id": "p1", "clinic_id": testClinicID})
		req.Header.Set(idempotencyHeader, "key-3")
		if resp := serve(router, req); resp.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", resp.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach the service, got %d", calls)
	}
}
