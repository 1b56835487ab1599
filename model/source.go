package model

// CandidateSource is a directory entry suggested as grounding context for a
// query. The workflow never mutates it; sources are referenced by ID or path.
type CandidateSource struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Slug          string   `json:"slug"`
	OwnerUsername string   `json:"owner_username"`
	Path          string   `json:"path"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	StarsCount    int      `json:"stars_count"`
}

// ScoredSource is a candidate source with a directory relevance score in
// [0, 1].
type ScoredSource struct {
	CandidateSource
	RelevanceScore float64 `json:"relevance_score"`
}
