package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/askgrid/askd/internal/observability"
	"github.com/askgrid/askd/model"
)

// QueryHandler serves the session lifecycle and query submission endpoints.
type QueryHandler struct {
	sessions *Manager
	metrics  *observability.Metrics
}

// NewQueryHandler creates the handler for session and query routes.
func NewQueryHandler(sessions *Manager, metrics *observability.Metrics) *QueryHandler {
	return &QueryHandler{sessions: sessions, metrics: metrics}
}

type createSessionRequest struct {
	Model string `json:"model"`
}

type sessionResponse struct {
	ID    string           `json:"id"`
	Model string           `json:"model,omitempty"`
	State model.QueryState `json:"state"`
}

type submitQueryRequest struct {
	Query       string   `json:"query"`
	SourcePaths []string `json:"source_paths,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// CreateSession handles POST /ask/sessions.
func (h *QueryHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, model.NewBadRequestError("invalid request body"))
			return
		}
	}

	s := h.sessions.Create(rc)
	if req.Model != "" {
		s.Driver.SetModel(req.Model)
	}

	WriteJSON(w, http.StatusCreated, sessionResponse{
		ID:    s.ID,
		Model: s.Driver.Model(),
		State: s.Driver.State(),
	})
}

// DeleteSession handles DELETE /ask/sessions/{sessionId}.
func (h *QueryHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	rc := model.MustRequestContext(r.Context())

	if err := h.sessions.Remove(rc.TenantID, chi.URLParam(r, "sessionId")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitQuery handles POST /ask/sessions/{sessionId}/query. Submission is
// accepted and executed asynchronously; the returned state reflects the
// phase immediately after submission.
func (h *QueryHandler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid request body"))
		return
	}
	if req.Query == "" {
		WriteValidationError(w, []model.FieldError{{
			Field:   "query",
			Code:    "required",
			Message: "query must not be empty",
		}})
		return
	}

	if req.Model != "" {
		s.Driver.SetModel(req.Model)
	}

	if h.metrics != nil {
		h.metrics.RecordQuerySubmitted()
	}
	s.MarkSubmitted()
	s.Driver.SubmitQuery(r.Context(), req.Query, req.SourcePaths)

	WriteJSON(w, http.StatusAccepted, sessionResponse{
		ID:    s.ID,
		Model: s.Driver.Model(),
		State: s.Driver.State(),
	})
}

// ToggleSource handles POST /ask/sessions/{sessionId}/sources/{sourceId}/toggle.
func (h *QueryHandler) ToggleSource(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Driver.ToggleSource(chi.URLParam(r, "sourceId"))
	h.writeState(w, s)
}

// ConfirmSelection handles POST /ask/sessions/{sessionId}/confirm.
func (h *QueryHandler) ConfirmSelection(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Driver.ConfirmSelection()
	h.writeState(w, s)
}

// CancelSelection handles POST /ask/sessions/{sessionId}/cancel.
func (h *QueryHandler) CancelSelection(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Driver.CancelSelection()
	h.writeState(w, s)
}

// Reset handles POST /ask/sessions/{sessionId}/reset.
func (h *QueryHandler) Reset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Driver.Reset()
	h.writeState(w, s)
}

// GetState handles GET /ask/sessions/{sessionId}/state.
func (h *QueryHandler) GetState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeState(w, s)
}

func (h *QueryHandler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	rc := model.MustRequestContext(r.Context())
	s, err := h.sessions.Get(rc.TenantID, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return s, true
}

func (h *QueryHandler) writeState(w http.ResponseWriter, s *Session) {
	WriteJSON(w, http.StatusOK, sessionResponse{
		ID:    s.ID,
		Model: s.Driver.Model(),
		State: s.Driver.State(),
	})
}
