package workflow

import (
	"context"

	"github.com/askgrid/askd/model"
)

// QueryStore persists completed query results and the per-session
// phase-transition audit trail.
type QueryStore interface {
	// Create persists a completed query record. Records are write-once.
	Create(ctx context.Context, record model.QueryRecord) error

	// Get retrieves a record by ID, scoped to a tenant. Returns NOT_FOUND
	// if the record doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, recordID string) (model.QueryRecord, error)

	// List returns records for a tenant, newest first.
	List(ctx context.Context, tenantID string, filters ListFilters) ([]model.QueryRecord, error)

	// Delete removes a record.
	Delete(ctx context.Context, tenantID, recordID string) error

	// AppendEvent adds an entry to a session's audit trail.
	AppendEvent(ctx context.Context, event model.QueryEvent) error

	// GetEvents retrieves the audit trail for a session, scoped to a
	// tenant, ordered by timestamp.
	GetEvents(ctx context.Context, tenantID, sessionID string) ([]model.QueryEvent, error)
}

// ListFilters are optional filters for listing query records.
type ListFilters struct {
	SubjectID string
	Limit     int
	Offset    int
}
