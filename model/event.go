package model

// Stream event kind constants. The aggregation service delivers events in
// order: retrieval_start, then source_complete for each source, then
// retrieval_complete, generation_start, token..., and finally done or error.
const (
	EventRetrievalStart    = "retrieval_start"
	EventSourceComplete    = "source_complete"
	EventRetrievalComplete = "retrieval_complete"
	EventGenerationStart   = "generation_start"
	EventToken             = "token"
	EventDone              = "done"
	EventError             = "error"
)

// StreamEvent is a single protocol event from the aggregation stream. Kind
// selects which fields are meaningful; unused fields are zero.
type StreamEvent struct {
	Kind string `json:"type"`

	// retrieval_start
	SourceCount int `json:"source_count,omitempty"`

	// source_complete
	Path               string `json:"path,omitempty"`
	Status             string `json:"status,omitempty"`
	DocumentsRetrieved int    `json:"documents_retrieved,omitempty"`

	// retrieval_complete
	TotalDocuments int   `json:"total_documents,omitempty"`
	TimeMs         int64 `json:"time_ms,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// done
	Sources  map[string]AggregatorSource `json:"sources,omitempty"`
	Metadata map[string]any              `json:"metadata,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
