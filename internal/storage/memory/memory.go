// Package memory implements the storage adapter on plain maps behind an
// RWMutex. It backs tests and the default runner profile; stored
// executions are snapshot copies, so later mutation of the live execution
// never leaks into storage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/storage"
)

// Store is the in-memory storage adapter.
type Store struct {
	mu sync.RWMutex

	workflows      map[string]*storage.WorkflowRecord
	executions     map[string]map[string]interface{}
	nodeExecutions map[string]map[string][]*execution.NodeExecution
	suspended      map[string]*storage.SuspendedExecution
}

// New creates an empty store.
func New() *Store {
	return &Store{
		workflows:      make(map[string]*storage.WorkflowRecord),
		executions:     make(map[string]map[string]interface{}),
		nodeExecutions: make(map[string]map[string][]*execution.NodeExecution),
		suspended:      make(map[string]*storage.SuspendedExecution),
	}
}

var _ storage.Adapter = (*Store)(nil)

// CreateWorkflow stores a new workflow record.
func (s *Store) CreateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := record.Workflow.ID
	if _, exists := s.workflows[id]; exists {
		return storage.ErrDuplicate
	}
	s.workflows[id] = record
	return nil
}

// GetWorkflow returns the stored record.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*storage.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.workflows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return record, nil
}

// UpdateWorkflow replaces the stored record.
func (s *Store) UpdateWorkflow(ctx context.Context, record *storage.WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := record.Workflow.ID
	if _, ok := s.workflows[id]; !ok {
		return storage.ErrNotFound
	}
	s.workflows[id] = record
	return nil
}

// DeleteWorkflow removes the record.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// ListWorkflows returns the records matching the filter, sorted by id.
func (s *Store) ListWorkflows(ctx context.Context, filter storage.WorkflowFilter) ([]*storage.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.WorkflowRecord, 0, len(s.workflows))
	for _, record := range s.workflows {
		if filter.Matches(record) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow.ID < out[j].Workflow.ID })
	return out, nil
}

// CreateExecution snapshots a new execution.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return storage.ErrDuplicate
	}
	s.executions[exec.ID] = exec.ToMap()
	return nil
}

// GetExecution rebuilds the execution from its stored snapshot.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return execution.FromMap(snapshot)
}

// UpdateExecution replaces the stored snapshot.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return storage.ErrNotFound
	}
	s.executions[exec.ID] = exec.ToMap()
	return nil
}

// ListExecutions returns the executions of one workflow, oldest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string) ([]*execution.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execution.WorkflowExecution
	for _, snapshot := range s.executions {
		if snapshot["workflow_id"] != workflowID {
			continue
		}
		exec, err := execution.FromMap(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

// CreateNodeExecution appends one attempt record.
func (s *Store) CreateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode := s.nodeExecutions[executionID]
	if byNode == nil {
		byNode = make(map[string][]*execution.NodeExecution)
		s.nodeExecutions[executionID] = byNode
	}
	byNode[ne.NodeKey] = append(byNode[ne.NodeKey], ne)
	return nil
}

// UpdateNodeExecution replaces the attempt with the same run index, or
// appends it when unseen. Idempotent for repeated snapshots.
func (s *Store) UpdateNodeExecution(ctx context.Context, executionID string, ne *execution.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNode := s.nodeExecutions[executionID]
	if byNode == nil {
		byNode = make(map[string][]*execution.NodeExecution)
		s.nodeExecutions[executionID] = byNode
	}
	list := byNode[ne.NodeKey]
	for i, existing := range list {
		if existing.RunIndex == ne.RunIndex {
			list[i] = ne
			return nil
		}
	}
	byNode[ne.NodeKey] = append(list, ne)
	return nil
}

// GetNodeExecutions returns all attempt records of one execution.
func (s *Store) GetNodeExecutions(ctx context.Context, executionID string) (map[string][]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNode, ok := s.nodeExecutions[executionID]
	if !ok {
		return map[string][]*execution.NodeExecution{}, nil
	}
	out := make(map[string][]*execution.NodeExecution, len(byNode))
	for key, list := range byNode {
		out[key] = append([]*execution.NodeExecution(nil), list...)
	}
	return out, nil
}

// SuspendExecution indexes the execution as suspended under its resume
// token.
func (s *Store) SuspendExecution(ctx context.Context, id, resumeToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return storage.ErrNotFound
	}
	s.suspended[id] = &storage.SuspendedExecution{
		ExecutionID: id,
		ResumeToken: resumeToken,
		SuspendedAt: time.Now().UTC(),
	}
	return nil
}

// ResumeExecution drops the suspension index entry. Resuming an execution
// that is not indexed is a no-op.
func (s *Store) ResumeExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.suspended, id)
	return nil
}

// GetSuspendedExecutions lists the suspension index, oldest first.
func (s *Store) GetSuspendedExecutions(ctx context.Context) ([]*storage.SuspendedExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.SuspendedExecution, 0, len(s.suspended))
	for _, entry := range s.suspended {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuspendedAt.Before(out[j].SuspendedAt) })
	return out, nil
}

// HealthCheck always succeeds.
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}
