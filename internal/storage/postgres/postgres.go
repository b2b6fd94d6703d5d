// Package postgres implements the storage adapter on PostgreSQL.
// Executions persist as JSONB snapshots of their map form; the filters of
// ListWorkflows push down into SQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/platform/database"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/workflow"
)

// Store is the PostgreSQL storage adapter.
type Store struct {
	db *database.DB
}

// New wraps a database connection.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

var _ storage.Adapter = (*Store)(nil)

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'draft',
			tags        TEXT[] NOT NULL DEFAULT '{}',
			definition  JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			snapshot     JSONB NOT NULL,
			resume_token TEXT,
			suspended_at TIMESTAMPTZ,
			started_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_id)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			execution_id TEXT NOT NULL,
			node_key     TEXT NOT NULL,
			run_index    INTEGER NOT NULL,
			record       JSONB NOT NULL,
			PRIMARY KEY (execution_id, node_key, run_index)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateWorkflow inserts a workflow record.
func (s *Store) CreateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	definition, err := json.Marshal(record.Workflow)
	if err != nil {
		return fmt.Errorf("serialize workflow: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, tags, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.Workflow.ID,
		record.Workflow.Name,
		record.Status,
		pq.Array(record.Tags),
		definition,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetWorkflow loads one workflow record.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*storage.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, tags, definition, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// UpdateWorkflow replaces the stored definition and metadata.
func (s *Store) UpdateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	definition, err := json.Marshal(record.Workflow)
	if err != nil {
		return fmt.Errorf("serialize workflow: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET name = $2, status = $3, tags = $4, definition = $5, updated_at = $6
		WHERE id = $1`,
		record.Workflow.ID,
		record.Workflow.Name,
		record.Status,
		pq.Array(record.Tags),
		definition,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteWorkflow removes the workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ListWorkflows pushes the filter down into the query.
func (s *Store) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*storage.WorkflowRecord, error) {
	var (
		conditions []string
		args       []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(filter.Status))
	}
	if len(filter.Tags) > 0 {
		conditions = append(conditions, "tags @> "+arg(pq.Array(filter.Tags)))
	}
	if filter.CreatedAfter != nil {
		conditions = append(conditions, "created_at > "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at < "+arg(*filter.CreatedBefore))
	}
	if filter.NameContains != "" {
		conditions = append(conditions, "name ILIKE "+arg("%"+filter.NameContains+"%"))
	}

	query := `SELECT name, status, tags, definition, created_at, updated_at FROM workflows`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.WorkflowRecord
	for rows.Next() {
		record, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// CreateExecution inserts a fresh snapshot.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	snapshot, err := json.Marshal(exec.ToMap())
	if err != nil {
		return fmt.Errorf("serialize execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, status, snapshot, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.ID, exec.WorkflowID, string(exec.Status), snapshot, exec.StartedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetExecution rebuilds the execution from its snapshot.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.WorkflowExecution, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM executions WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeExecution(snapshot)
}

// UpdateExecution overwrites the snapshot with the current state.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	snapshot, err := json.Marshal(exec.ToMap())
	if err != nil {
		return fmt.Errorf("serialize execution: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, snapshot = $3, started_at = $4
		WHERE id = $1`,
		exec.ID, string(exec.Status), snapshot, exec.StartedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ListExecutions loads all executions of one workflow, oldest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]*execution.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM executions
		WHERE workflow_id = $1
		ORDER BY started_at NULLS FIRST, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*execution.WorkflowExecution
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		exec, err := decodeExecution(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CreateNodeExecution upserts one attempt record. Upsert keeps repeated
// snapshots of the same attempt idempotent.
func (s *Store) CreateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	return s.upsertNodeExecution(ctx, executionID, ne)
}

// UpdateNodeExecution upserts one attempt record.
func (s *Store) UpdateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	return s.upsertNodeExecution(ctx, executionID, ne)
}

func (s *Store) upsertNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	record, err := json.Marshal(ne.ToMap())
	if err != nil {
		return fmt.Errorf("serialize node execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_executions (execution_id, node_key, run_index, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, node_key, run_index)
		DO UPDATE SET record = EXCLUDED.record`,
		executionID, ne.NodeKey, ne.RunIndex, record,
	)
	return err
}

// GetNodeExecutions loads every attempt record of one execution.
func (s *Store) GetNodeExecutions(ctx context.Context, executionID string) (map[string][]*execution.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM node_executions
		WHERE execution_id = $1
		ORDER BY node_key, run_index`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]*execution.NodeExecution)
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(record, &m); err != nil {
			return nil, fmt.Errorf("decode node execution: %w", err)
		}
		ne, err := execution.NodeExecutionFromMap(m)
		if err != nil {
			return nil, err
		}
		out[ne.NodeKey] = append(out[ne.NodeKey], ne)
	}
	return out, rows.Err()
}

// SuspendExecution stores the resume token on the execution row.
func (s *Store) SuspendExecution(ctx context.Context, id, resumeToken string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET resume_token = $2, suspended_at = $3 WHERE id = $1`,
		id, resumeToken, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ResumeExecution clears the suspension columns.
func (s *Store) ResumeExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET resume_token = NULL, suspended_at = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetSuspendedExecutions lists executions holding a resume token.
func (s *Store) GetSuspendedExecutions(ctx context.Context) ([]*storage.SuspendedExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resume_token, suspended_at FROM executions
		WHERE resume_token IS NOT NULL
		ORDER BY suspended_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.SuspendedExecution
	for rows.Next() {
		entry := &storage.SuspendedExecution{}
		var suspendedAt sql.NullTime
		if err := rows.Scan(&entry.ExecutionID, &entry.ResumeToken, &suspendedAt); err != nil {
			return nil, err
		}
		if suspendedAt.Valid {
			entry.SuspendedAt = suspendedAt.Time
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*storage.WorkflowRecord, error) {
	var (
		name, status string
		tags         pq.StringArray
		definition   []byte
		record       storage.WorkflowRecord
	)
	err := row.Scan(&name, &status, &tags, &definition, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var wf workflow.Workflow
	if err := json.Unmarshal(definition, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	record.Workflow = &wf
	record.Status = status
	record.Tags = tags
	return &record, nil
}

func decodeExecution(snapshot []byte) (*execution.WorkflowExecution, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(snapshot, &m); err != nil {
		return nil, fmt.Errorf("decode execution snapshot: %w", err)
	}
	return execution.FromMap(m)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
