/*
handlers.go - HTTP API handlers for the benefit engine

PURPOSE:
  Exposes the reconciliation service via REST API. Handles HTTP
  request/response and JSON serialization, and delegates everything else
  to reconcile.Service.

ENDPOINTS:
  Benefits:
    GET    /api/benefits                 List benefits
    POST   /api/benefits                 Create benefit from source JSON
    GET    /api/benefits/{id}            Get one benefit
    GET    /api/benefits/{id}/history    Usage history, oldest first

  Actions:
    POST   /api/benefits/{id}/use        Mark used
    POST   /api/benefits/{id}/undo       Undo the latest mark used
    POST   /api/benefits/{id}/snooze     {"days": 3}
    PUT    /api/benefits/{id}/frequency  {"frequency": "quarterly"}

  Reconciliation:
    POST   /api/reconcile                Run a pass and wait for it
    GET    /api/reconcile/status         Health snapshot
    GET    /api/reconcile/runs?limit=20  Run history, newest first

  Reminders:
    GET    /api/reminders                Pending reminders
    POST   /api/reminders/{handle}/action {"action": "done" | "snooze", "days": 1}

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Benefit or reminder not found
  - 409: Concurrent modification, duplicate id
  - 422: Transition refused (already used, undo window passed)
  - 503: Storage or notification center unavailable
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - reconcile/actions.go: The operations behind each endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/clock"
	"github.com/warp/benefit-engine/factory"
	"github.com/warp/benefit-engine/reconcile"
)

// defaultRunLimit caps GET /api/reconcile/runs without a limit parameter.
const defaultRunLimit = 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *reconcile.Service
	Factory *factory.BenefitFactory
	Clock   clock.Clock

	log logrus.FieldLogger
}

// NewHandler creates a handler over the service. clk should be the clock
// the service runs on.
func NewHandler(svc *reconcile.Service, clk clock.Clock, log logrus.FieldLogger) *Handler {
	return &Handler{
		Service: svc,
		Factory: factory.NewBenefitFactory(),
		Clock:   clk,
		log:     log,
	}
}

// =============================================================================
// BENEFIT ENDPOINTS
// =============================================================================

func (h *Handler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	bs, err := h.Service.ListBenefits(r.Context())
	if err != nil {
		h.fail(w, "Failed to list benefits", err)
		return
	}

	now := h.Clock.Now()
	result := make([]BenefitDTO, 0, len(bs))
	for _, b := range bs {
		result = append(result, toBenefitDTO(b, now))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CreateBenefit(w http.ResponseWriter, r *http.Request) {
	var req factory.SourceJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Factory.FromJSON(req)
	if err != nil {
		h.fail(w, "Invalid benefit", err)
		return
	}

	saved, err := h.Service.CreateBenefit(r.Context(), b)
	if err != nil {
		h.fail(w, "Failed to create benefit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBenefitDTO(saved, h.Clock.Now()))
}

func (h *Handler) GetBenefit(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.GetBenefit(r.Context(), benefitID(r))
	if err != nil {
		h.fail(w, "Failed to get benefit", err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b, h.Clock.Now()))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.History(r.Context(), benefitID(r))
	if err != nil {
		h.fail(w, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTOs(recs))
}

// =============================================================================
// ACTION ENDPOINTS
// =============================================================================

func (h *Handler) MarkUsed(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.MarkUsed(r.Context(), benefitID(r))
	h.respondBenefit(w, "Failed to mark benefit used", b, err)
}

func (h *Handler) UndoMarkUsed(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.UndoMarkUsed(r.Context(), benefitID(r))
	h.respondBenefit(w, "Failed to undo", b, err)
}

func (h *Handler) Snooze(w http.ResponseWriter, r *http.Request) {
	var req SnoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Service.Snooze(r.Context(), benefitID(r), req.Days)
	h.respondBenefit(w, "Failed to snooze reminder", b, err)
}

func (h *Handler) ChangeFrequency(w http.ResponseWriter, r *http.Request) {
	var req FrequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	freq, err := calendar.ParseFrequency(req.Frequency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid frequency", err)
		return
	}

	b, err := h.Service.ChangeFrequency(r.Context(), benefitID(r), freq)
	h.respondBenefit(w, "Failed to change frequency", b, err)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// Reconcile runs a user-triggered pass and returns its report. The request
// context bounds the wait; a client that gives up does not abort the pass.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Reconcile(r.Context(), reconcile.TriggerUser)
	if err != nil {
		h.fail(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Report: report})
}

func (h *Handler) ReconcileStatus(w http.ResponseWriter, r *http.Request) {
	resp := ReconcileStatusResponse{Status: h.Service.Status()}

	at, ok, err := h.Service.LastSuccess(r.Context())
	if err != nil {
		// Status is diagnostic; report what the process knows.
		h.log.WithError(err).Warn("Could not read persisted last success")
	} else if ok {
		resp.PersistedLastSuccess = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Service.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// =============================================================================
// REMINDER ENDPOINTS
// =============================================================================

func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Service.Scheduled(r.Context())
	if err != nil {
		h.fail(w, "Failed to list reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) NotificationAction(w http.ResponseWriter, r *http.Request) {
	var req NotificationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	handle := benefit.ReminderHandle(chi.URLParam(r, "handle"))
	b, err := h.Service.HandleNotificationAction(r.Context(), handle, req.Action, req.Days)
	h.respondBenefit(w, "Failed to apply notification action", b, err)
}

// =============================================================================
// HELPERS
// =============================================================================

func benefitID(r *http.Request) benefit.ID {
	return benefit.ID(chi.URLParam(r, "id"))
}

func (h *Handler) respondBenefit(w http.ResponseWriter, message string, b benefit.Benefit, err error) {
	if err != nil {
		h.fail(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b, h.Clock.Now()))
}

// fail maps err onto a status and writes it. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, benefit.ErrInvalidTransition),
		errors.Is(err, benefit.ErrUndoWindowExpired):
		return http.StatusUnprocessableEntity
	case benefit.IsClientError(err):
		return http.StatusBadRequest
	case benefit.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, benefit.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, benefit.ErrCollaboratorUnavailable),
		errors.Is(err, reconcile.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
