// Package storage defines the persistence contract the runner writes
// execution snapshots through. The engine treats storage as a blind sink:
// it never reads back mid-run, so adapters only need idempotent writes and
// simple lookups.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/workflow"
)

var (
	// ErrNotFound marks lookups of records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate marks creates that collide with an existing id.
	ErrDuplicate = errors.New("duplicate")
)

// WorkflowRecord wraps a workflow definition with its catalog metadata.
type WorkflowRecord struct {
	Workflow  *workflow.Workflow `json:"workflow"`
	Status    string             `json:"status"`
	Tags      []string           `json:"tags,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// WorkflowFilter narrows ListWorkflows results. Zero values mean "any".
type WorkflowFilter struct {
	Status        string
	Tags          []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// NameContains matches case-insensitively against the workflow name.
	NameContains string
}

// SuspendedExecution pairs a suspended execution id with its resume token.
type SuspendedExecution struct {
	ExecutionID string    `json:"execution_id"`
	ResumeToken string    `json:"resume_token,omitempty"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Adapter is the storage contract. All writes are idempotent: updating a
// record to the same state twice is not an error.
type Adapter interface {
	CreateWorkflow(ctx context.Context, record *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	UpdateWorkflow(ctx context.Context, record *WorkflowRecord) error
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)

	CreateExecution(ctx context.Context, exec *execution.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*execution.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *execution.WorkflowExecution) error
	ListExecutions(ctx context.Context, workflowID string) ([]*execution.WorkflowExecution, error)

	CreateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error
	UpdateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error
	GetNodeExecutions(ctx context.Context, executionID string) (map[string][]*execution.NodeExecution, error)

	SuspendExecution(ctx context.Context, id, resumeToken string) error
	ResumeExecution(ctx context.Context, id string) error
	GetSuspendedExecutions(ctx context.Context) ([]*SuspendedExecution, error)

	HealthCheck(ctx context.Context) error
}

// Matches reports whether the record satisfies the filter. Adapters without
// query pushdown filter in memory with it.
func (f WorkflowFilter) Matches(record *WorkflowRecord) bool {
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	for _, want := range f.Tags {
		if !containsTag(record.Tags, want) {
			return false
		}
	}
	if f.CreatedAfter != nil && !record.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !record.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.NameContains != "" &&
		!strings.Contains(strings.ToLower(record.Workflow.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}

func containsTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
