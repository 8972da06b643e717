package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type QueueService interface {
	CreateTicket(ctx context.Context, input queue.CreateTicketInput) (models.Ticket, error)
	ListActive(ctx context.Context, clinicID string) ([]models.Ticket, error)
	CallNext(ctx context.Context, clinicID string) (models.Ticket, error)
	Finish(ctx context.Context, ticketID string) (models.Ticket, error)
	MarkAbsent(ctx context.Context, ticketID string) (models.Ticket, error)
	History(ctx context.Context, day, clinicID string) ([]models.Ticket, error)
	CurrentInProgress(ctx context.Context, clinicID string) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ClinicStats(ctx context.Context, clinicID, day string) (models.ClinicStats, error)
}

type Handler struct {
	service QueueService
}

type createTicketRequest struct {
	PatientID string `json:"patient_id"`
	ClinicID  string `json:"clinic_id"`
	Reason    string `json:"reason"`
}

type ticketListResponse struct {
	Tickets []models.Ticket `json:"tickets"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service QueueService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	staffID, ok := requireStaff(w, r)
	if !ok {
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	if req.PatientID == "" || req.ClinicID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "patient_id and clinic_id are required")
		return
	}

	ticket, err := h.service.CreateTicket(r.Context(), queue.CreateTicketInput{
		PatientID: req.PatientID,
		ClinicID:  req.ClinicID,
		Reason:    req.Reason,
		StaffID:   staffID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.service.ListActive(r.Context(), strings.TrimSpace(r.URL.Query().Get("clinic_id")))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticketListResponse{Tickets: tickets})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tickets, err := h.service.History(r.Context(), strings.TrimSpace(query.Get("date")), strings.TrimSpace(query.Get("clinic_id")))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticketListResponse{Tickets: tickets})
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDParam(w, r)
	if !ok {
		return
	}
	ticket, err := h.service.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	h.handleResolve(w, r, h.service.Finish)
}

func (h *Handler) handleMarkAbsent(w http.ResponseWriter, r *http.Request) {
	h.handleResolve(w, r, h.service.MarkAbsent)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, resolve func(context.Context, string) (models.Ticket, error)) {
	ticketID, ok := ticketIDParam(w, r)
	if !ok {
		return
	}
	ticket, err := resolve(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	ticket, err := h.service.CallNext(r.Context(), clinicID)
	if errors.Is(err, queue.ErrNoTicketsWaiting) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	ticket, found, err := h.service.CurrentInProgress(r.Context(), clinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	clinicID := strings.TrimSpace(chi.URLParam(r, "clinicID"))
	stats, err := h.service.ClinicStats(r.Context(), clinicID, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func ticketIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ticketID := strings.TrimSpace(chi.URLParam(r, "ticketID"))
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return "", false
	}
	return ticketID, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFromRequest(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, queue.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, queue.ErrClinicNotFound):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, queue.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, queue.ErrClinicInactive):
		return http.StatusConflict, "clinic_inactive", "clinic is not accepting tickets"
	case errors.Is(err, queue.ErrStaleTicketState):
		return http.StatusConflict, "stale_ticket_state", "ticket was already moved by another request"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrClinicBusy):
		return http.StatusConflict, "clinic_busy", "clinic is already attending a ticket"
	case errors.Is(err, queue.ErrNoTicketsWaiting):
		return http.StatusNotFound, "no_tickets_waiting", "no tickets waiting"
	case errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "ticket store unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
