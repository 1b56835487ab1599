package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/askgrid/askd/internal/workflow"
	"github.com/askgrid/askd/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ResultsHandler serves persisted query records and session audit trails.
type ResultsHandler struct {
	store workflow.QueryStore
}

// NewResultsHandler creates the handler for the /ask/results routes.
func NewResultsHandler(store workflow.QueryStore) *ResultsHandler {
	return &ResultsHandler{store: store}
}

type listResultsResponse struct {
	Data   []model.QueryRecord `json:"data"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// List handles GET /ask/results?mine=&limit=&offset=.
func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			WriteValidationError(w, []model.FieldError{{
				Field:   "limit",
				Code:    "invalid",
				Message: "limit must be between 1 and " + strconv.Itoa(maxListLimit),
			}})
			return
		}
		limit = n
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteValidationError(w, []model.FieldError{{
				Field:   "offset",
				Code:    "invalid",
				Message: "offset must be a non-negative integer",
			}})
			return
		}
		offset = n
	}

	filters := workflow.ListFilters{Limit: limit, Offset: offset}
	if r.URL.Query().Get("mine") == "true" {
		filters.SubjectID = rc.SubjectID
	}

	records, err := h.store.List(r.Context(), rc.TenantID, filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if records == nil {
		records = []model.QueryRecord{}
	}
	WriteJSON(w, http.StatusOK, listResultsResponse{
		Data:   records,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /ask/results/{recordId}.
func (h *ResultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	rec, err := h.store.Get(r.Context(), rc.TenantID, chi.URLParam(r, "recordId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /ask/results/{recordId}.
func (h *ResultsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	if err := h.store.Delete(r.Context(), rc.TenantID, chi.URLParam(r, "recordId")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type eventsResponse struct {
	Data []model.QueryEvent `json:"data"`
}

// Events handles GET /ask/sessions/{sessionId}/events.
func (h *ResultsHandler) Events(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	events, err := h.store.GetEvents(r.Context(), rc.TenantID, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []model.QueryEvent{}
	}
	WriteJSON(w, http.StatusOK, eventsResponse{Data: events})
}
