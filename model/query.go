package model

import "time"

// Query session phase constants. A session is always in exactly one phase.
// idle is the initial phase and is re-entered on reset; complete and error
// are terminal until reset.
const (
	PhaseIdle      = "idle"
	PhaseSearching = "searching"
	PhaseSelecting = "selecting"
	PhasePreparing = "preparing"
	PhaseStreaming = "streaming"
	PhaseComplete  = "complete"
	PhaseError     = "error"
)

// Processing phase constants for the fine-grained status nested inside a
// session. Distinct from the session phase above.
const (
	ProcessingRetrieving = "retrieving"
	ProcessingGenerating = "generating"
	ProcessingStreaming  = "streaming"
	ProcessingError      = "error"
)

// Per-source retrieval outcome constants.
const (
	SourcePending = "pending"
	SourceSuccess = "success"
	SourceError   = "error"
	SourceTimeout = "timeout"
)

// QueryState is the single source of truth for one query session. It is
// owned by a single writer and handed out only as deep copies, so readers
// always observe a consistent snapshot.
type QueryState struct {
	Phase             string                      `json:"phase"`
	Query             string                      `json:"query,omitempty"`
	SuggestedSources  []CandidateSource           `json:"suggested_sources,omitempty"`
	SelectedSourceIDs map[string]bool             `json:"selected_source_ids,omitempty"`
	Processing        *ProcessingStatus           `json:"processing,omitempty"`
	Content           string                      `json:"content,omitempty"`
	Sources           map[string]AggregatorSource `json:"sources,omitempty"`
	Error             string                      `json:"error,omitempty"`
}

// ProcessingStatus is the ephemeral progress snapshot during retrieval and
// generation. It is created on the first retrieval event of a submission and
// discarded when the session reaches complete or error.
type ProcessingStatus struct {
	Phase            string             `json:"phase"`
	Message          string             `json:"message"`
	Retrieval        *RetrievalProgress `json:"retrieval,omitempty"`
	CompletedSources []SourceProgress   `json:"completed_sources"`
	Timing           *TimingInfo        `json:"timing,omitempty"`
}

// RetrievalProgress tracks per-submission retrieval counters.
type RetrievalProgress struct {
	Completed      int `json:"completed"`
	Total          int `json:"total"`
	DocumentsFound int `json:"documents_found"`
}

// SourceProgress is the rendered outcome of retrieval from a single source.
type SourceProgress struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Documents   int    `json:"documents"`
}

// TimingInfo records wall-clock timings reported by the aggregation service.
type TimingInfo struct {
	RetrievalMs int64 `json:"retrieval_ms"`
}

// AggregatorSource is an attributed document returned with a completed
// answer, keyed by document title in QueryState.Sources.
type AggregatorSource struct {
	SourcePath string `json:"source_path"`
	Content    string `json:"content"`
}

// QueryResult is the payload handed to the completion hook and persisted in
// the result store once a session completes.
type QueryResult struct {
	Query       string                      `json:"query"`
	Content     string                      `json:"content"`
	SourcePaths []string                    `json:"source_paths"`
	Sources     map[string]AggregatorSource `json:"sources,omitempty"`
}

// QueryRequest is the payload sent to the aggregation service for one
// submission.
type QueryRequest struct {
	Model       string   `json:"model"`
	SourcePaths []string `json:"source_paths"`
	Prompt      string   `json:"prompt"`
}

// QueryEvent is one entry in a session's phase-transition audit trail.
type QueryEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id"`
	Phase     string    `json:"phase"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryRecord is a persisted completed query, scoped to tenant and subject.
type QueryRecord struct {
	ID          string                      `json:"id"`
	TenantID    string                      `json:"tenant_id"`
	SubjectID   string                      `json:"subject_id"`
	Query       string                      `json:"query"`
	Content     string                      `json:"content"`
	SourcePaths []string                    `json:"source_paths"`
	Sources     map[string]AggregatorSource `json:"sources,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
}

// Clone returns a deep copy of the state. Mutating the copy never affects
// the original.
func (s QueryState) Clone() QueryState {
	out := s
	if s.SuggestedSources != nil {
		out.SuggestedSources = make([]CandidateSource, len(s.SuggestedSources))
		copy(out.SuggestedSources, s.SuggestedSources)
	}
	if s.SelectedSourceIDs != nil {
		out.SelectedSourceIDs = make(map[string]bool, len(s.SelectedSourceIDs))
		for k, v := range s.SelectedSourceIDs {
			out.SelectedSourceIDs[k] = v
		}
	}
	if s.Processing != nil {
		out.Processing = s.Processing.Clone()
	}
	if s.Sources != nil {
		out.Sources = make(map[string]AggregatorSource, len(s.Sources))
		for k, v := range s.Sources {
			out.Sources[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the processing status.
func (p *ProcessingStatus) Clone() *ProcessingStatus {
	if p == nil {
		return nil
	}
	out := *p
	if p.Retrieval != nil {
		r := *p.Retrieval
		out.Retrieval = &r
	}
	if p.Timing != nil {
		t := *p.Timing
		out.Timing = &t
	}
	if p.CompletedSources != nil {
		out.CompletedSources = make([]SourceProgress, len(p.CompletedSources))
		copy(out.CompletedSources, p.CompletedSources)
	}
	return &out
}
