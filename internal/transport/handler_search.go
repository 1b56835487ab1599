package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/askgrid/askd/internal/workflow"
	"github.com/askgrid/askd/model"
)

const maxSearchTopK = 50

// SearchHandler serves direct directory lookups, used by clients for
// mention autocomplete.
type SearchHandler struct {
	searcher       workflow.Searcher
	minQueryLength int
	defaultTopK    int
}

// NewSearchHandler creates the handler for GET /ask/sources/search.
func NewSearchHandler(searcher workflow.Searcher, minQueryLength, defaultTopK int) *SearchHandler {
	if minQueryLength <= 0 {
		minQueryLength = 3
	}
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &SearchHandler{
		searcher:       searcher,
		minQueryLength: minQueryLength,
		defaultTopK:    defaultTopK,
	}
}

type searchResponse struct {
	Data []model.ScoredSource `json:"data"`
}

// Search handles GET /ask/sources/search?q=&top_k=.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < h.minQueryLength {
		WriteValidationError(w, []model.FieldError{{
			Field:   "q",
			Code:    "too_short",
			Message: "query must be at least " + strconv.Itoa(h.minQueryLength) + " characters",
		}})
		return
	}

	topK := h.defaultTopK
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSearchTopK {
			WriteValidationError(w, []model.FieldError{{
				Field:   "top_k",
				Code:    "invalid",
				Message: "top_k must be between 1 and " + strconv.Itoa(maxSearchTopK),
			}})
			return
		}
		topK = n
	}

	results, err := h.searcher.Search(r.Context(), q, topK)
	if err != nil {
		WriteError(w, err)
		return
	}
	if results == nil {
		results = []model.ScoredSource{}
	}
	WriteJSON(w, http.StatusOK, searchResponse{Data: results})
}
