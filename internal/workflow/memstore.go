package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/askgrid/askd/model"
)

// MemoryQueryStore is an in-memory QueryStore for testing and single-node
// deployments.
type MemoryQueryStore struct {
	mu      sync.RWMutex
	records map[string]model.QueryRecord // key: record ID
	events  map[string][]model.QueryEvent // key: session ID
}

// NewMemoryQueryStore creates a new in-memory query store.
func NewMemoryQueryStore() *MemoryQueryStore {
	return &MemoryQueryStore{
		records: make(map[string]model.QueryRecord),
		events:  make(map[string][]model.QueryEvent),
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryQueryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Create persists a completed query record.
func (s *MemoryQueryStore) Create(_ context.Context, record model.QueryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("query record %q already exists", record.ID),
		)
	}

	s.records[record.ID] = record
	return nil
}

// Get retrieves a record by ID, scoped to tenant.
func (s *MemoryQueryStore) Get(_ context.Context, tenantID, recordID string) (model.QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[recordID]
	if !exists || rec.TenantID != tenantID {
		return model.QueryRecord{}, model.NewNotFoundError(
			fmt.Sprintf("query record %q not found", recordID),
		)
	}
	return rec, nil
}

// List returns records for a tenant, newest first.
func (s *MemoryQueryStore) List(_ context.Context, tenantID string, filters ListFilters) ([]model.QueryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.QueryRecord
	for _, rec := range s.records {
		if rec.TenantID != tenantID {
			continue
		}
		if filters.SubjectID != "" && rec.SubjectID != filters.SubjectID {
			continue
		}
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.QueryRecord{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Delete removes a record.
func (s *MemoryQueryStore) Delete(_ context.Context, tenantID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[recordID]
	if !exists || rec.TenantID != tenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("query record %q not found", recordID),
		)
	}

	delete(s.records, recordID)
	return nil
}

// AppendEvent adds an entry to a session's audit trail.
func (s *MemoryQueryStore) AppendEvent(_ context.Context, event model.QueryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

// GetEvents retrieves the audit trail for a session, ordered by timestamp.
func (s *MemoryQueryStore) GetEvents(_ context.Context, tenantID, sessionID string) ([]model.QueryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.QueryEvent
	for _, evt := range s.events[sessionID] {
		if evt.TenantID != tenantID {
			continue
		}
		result = append(result, evt)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of records. For testing.
func (s *MemoryQueryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
