package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askgrid/askd/model"
)

// PgQueryStore is a PostgreSQL-backed QueryStore using pgx/v5.
type PgQueryStore struct {
	pool *pgxpool.Pool
}

// NewPgQueryStore creates a new PostgreSQL query store.
func NewPgQueryStore(pool *pgxpool.Pool) *PgQueryStore {
	return &PgQueryStore{pool: pool}
}

// HealthCheck verifies the database connection.
func (s *PgQueryStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a completed query record.
func (s *PgQueryStore) Create(ctx context.Context, record model.QueryRecord) error {
	sourcesJSON, err := json.Marshal(record.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	pathsJSON, err := json.Marshal(record.SourcePaths)
	if err != nil {
		return fmt.Errorf("marshal source paths: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO query_records (
			id, tenant_id, subject_id, query, content,
			source_paths, sources, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.TenantID, record.SubjectID, record.Query, record.Content,
		pathsJSON, sourcesJSON, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert query record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID, scoped to tenant.
func (s *PgQueryStore) Get(ctx context.Context, tenantID, recordID string) (model.QueryRecord, error) {
	var rec model.QueryRecord
	var pathsJSON, sourcesJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, subject_id, query, content,
		       source_paths, sources, created_at
		FROM query_records
		WHERE id = $1 AND tenant_id = $2`,
		recordID, tenantID,
	).Scan(
		&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.Query, &rec.Content,
		&pathsJSON, &sourcesJSON, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.QueryRecord{}, model.NewNotFoundError(
			fmt.Sprintf("query record %q not found", recordID),
		)
	}
	if err != nil {
		return model.QueryRecord{}, fmt.Errorf("query record: %w", err)
	}

	if pathsJSON != nil {
		if err := json.Unmarshal(pathsJSON, &rec.SourcePaths); err != nil {
			return model.QueryRecord{}, fmt.Errorf("unmarshal source paths: %w", err)
		}
	}
	if sourcesJSON != nil {
		if err := json.Unmarshal(sourcesJSON, &rec.Sources); err != nil {
			return model.QueryRecord{}, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	return rec, nil
}

// List returns records for a tenant, newest first.
func (s *PgQueryStore) List(ctx context.Context, tenantID string, filters ListFilters) ([]model.QueryRecord, error) {
	query := `SELECT id, tenant_id, subject_id, query, content,
	                 source_paths, sources, created_at
	          FROM query_records
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filters.SubjectID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []model.QueryRecord
	for rows.Next() {
		var rec model.QueryRecord
		var pathsJSON, sourcesJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.Query, &rec.Content,
			&pathsJSON, &sourcesJSON, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		if pathsJSON != nil {
			_ = json.Unmarshal(pathsJSON, &rec.SourcePaths)
		}
		if sourcesJSON != nil {
			_ = json.Unmarshal(sourcesJSON, &rec.Sources)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a record.
func (s *PgQueryStore) Delete(ctx context.Context, tenantID, recordID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM query_records
		WHERE id = $1 AND tenant_id = $2`,
		recordID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete query record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("query record %q not found", recordID),
		)
	}
	return nil
}

// AppendEvent adds an entry to a session's audit trail.
func (s *PgQueryStore) AppendEvent(ctx context.Context, event model.QueryEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO query_events (
			id, session_id, tenant_id, subject_id, phase, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SessionID, event.TenantID, event.SubjectID,
		event.Phase, event.Detail, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert query event: %w", err)
	}
	return nil
}

// GetEvents retrieves the audit trail for a session.
func (s *PgQueryStore) GetEvents(ctx context.Context, tenantID, sessionID string) ([]model.QueryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tenant_id, subject_id, phase, detail, created_at
		FROM query_events
		WHERE session_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC`,
		sessionID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.QueryEvent
	for rows.Next() {
		var evt model.QueryEvent
		if err := rows.Scan(
			&evt.ID, &evt.SessionID, &evt.TenantID, &evt.SubjectID,
			&evt.Phase, &evt.Detail, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan query event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
