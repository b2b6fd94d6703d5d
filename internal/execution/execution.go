// Package execution holds the mutable state of one workflow run: the
// ordered node execution records, the execution and node context data, the
// suspension fields and the rebuildable runtime cache. The scheduler in
// internal/engine drives values of this package; storage adapters persist
// their map form.
package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Mode distinguishes executions driven synchronously from queued ones.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// SuspensionType tags why an execution paused.
type SuspensionType string

const (
	SuspendInterval              SuspensionType = "interval"
	SuspendSchedule              SuspensionType = "schedule"
	SuspendWebhook               SuspensionType = "webhook"
	SuspendRetry                 SuspensionType = "retry"
	SuspendSubWorkflowSync       SuspensionType = "sub_workflow_sync"
	SuspendSubWorkflowAsync      SuspensionType = "sub_workflow_async"
	SuspendSubWorkflowFireForget SuspensionType = "sub_workflow_fire_forget"
)

// ContextData is the expression-visible mutable state of an execution.
type ContextData struct {
	// Workflow is the shared state bag, readable as $execution.state.
	Workflow map[string]interface{}
	// Node holds one context bag per node key, written through the
	// node_context key of action state updates.
	Node map[string]map[string]interface{}
}

// ExecutionData groups context data with the scheduler's active node set.
type ExecutionData struct {
	ContextData *ContextData
	// ActiveNodes maps an active node key to the execution index at which
	// it became active. The scheduler's candidate pool.
	ActiveNodes map[string]int
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID                string
	WorkflowID        string
	WorkflowVersion   int
	ParentExecutionID string

	ExecutionMode Mode
	Status        Status
	TriggerType   string
	TriggerData   map[string]interface{}

	// Vars copies the workflow variables merged with caller-provided vars.
	Vars map[string]interface{}

	// NodeExecutions appends one record per node attempt, keyed by node
	// key. Repeated executions under loops and retries append in order.
	NodeExecutions map[string][]*NodeExecution

	// CurrentExecutionIndex is the monotonic counter stamping the global
	// order of node executions across the whole run.
	CurrentExecutionIndex int

	SuspendedNodeID string
	SuspensionType  SuspensionType
	SuspensionData  map[string]interface{}
	SuspendedAt     *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time

	// PreparationData keeps per-node pre-execution artifacts such as
	// minted webhook resume URLs, keyed by node key.
	PreparationData map[string]interface{}

	ExecutionData *ExecutionData

	// runtime caches node outputs and the environment map. It is never
	// persisted; RebuildRuntime recovers it from the records above.
	runtime *Runtime
}

// New creates a pending execution for the given workflow.
func New(workflowID string, version int) *WorkflowExecution {
	return &WorkflowExecution{
		ID:              "exec_" + uuid.New().String(),
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		ExecutionMode:   ModeSync,
		Status:          StatusPending,
		TriggerType:     "manual",
		TriggerData:     map[string]interface{}{},
		Vars:            map[string]interface{}{},
		NodeExecutions:  map[string][]*NodeExecution{},
		PreparationData: map[string]interface{}{},
		ExecutionData: &ExecutionData{
			ContextData: &ContextData{
				Workflow: map[string]interface{}{},
				Node:     map[string]map[string]interface{}{},
			},
			ActiveNodes: map[string]int{},
		},
	}
}

// MarkRunning transitions the execution into the running state.
func (e *WorkflowExecution) MarkRunning(now time.Time) {
	e.Status = StatusRunning
	if e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}
}

// MarkCompleted finishes the execution successfully.
func (e *WorkflowExecution) MarkCompleted(now time.Time) {
	e.Status = StatusCompleted
	t := now
	e.CompletedAt = &t
	e.ClearSuspension()
}

// MarkFailed finishes the execution after a terminal node failure.
func (e *WorkflowExecution) MarkFailed(now time.Time) {
	e.Status = StatusFailed
	t := now
	e.CompletedAt = &t
}

// MarkSuspended pauses the execution on the given node.
func (e *WorkflowExecution) MarkSuspended(nodeKey string, typ SuspensionType, data map[string]interface{}, now time.Time) {
	e.Status = StatusSuspended
	e.SuspendedNodeID = nodeKey
	e.SuspensionType = typ
	e.SuspensionData = data
	t := now
	e.SuspendedAt = &t
}

// ClearSuspension resets the suspension fields, typically on resume.
func (e *WorkflowExecution) ClearSuspension() {
	e.SuspendedNodeID = ""
	e.SuspensionType = ""
	e.SuspensionData = nil
	e.SuspendedAt = nil
}

// NextRunIndex returns the run index the next attempt of the node gets:
// the count of its recorded attempts so far.
func (e *WorkflowExecution) NextRunIndex(nodeKey string) int {
	return len(e.NodeExecutions[nodeKey])
}

// CompleteNode appends a finished (completed, failed or suspended) node
// execution record, advances the execution index counter and refreshes the
// runtime cache for completed records.
func (e *WorkflowExecution) CompleteNode(ne *NodeExecution) {
	e.NodeExecutions[ne.NodeKey] = append(e.NodeExecutions[ne.NodeKey], ne)
	e.CurrentExecutionIndex++
	if ne.Status == NodeStatusCompleted {
		e.RefreshRuntimeNode(ne.NodeKey)
	}
}

// LatestExecution returns the newest record of the node, or nil.
func (e *WorkflowExecution) LatestExecution(nodeKey string) *NodeExecution {
	list := e.NodeExecutions[nodeKey]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// LatestCompleted returns the newest completed record of the node, or nil.
func (e *WorkflowExecution) LatestCompleted(nodeKey string) *NodeExecution {
	list := e.NodeExecutions[nodeKey]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == NodeStatusCompleted {
			return list[i]
		}
	}
	return nil
}

// HasCompletedWithPort reports whether any completed record of the node
// emitted the given output port.
func (e *WorkflowExecution) HasCompletedWithPort(nodeKey, port string) bool {
	for _, ne := range e.NodeExecutions[nodeKey] {
		if ne.Status == NodeStatusCompleted && ne.OutputPort == port {
			return true
		}
	}
	return false
}

// ActivateNode marks a node active at the given execution index. An
// already-active node keeps its original activation index.
func (e *WorkflowExecution) ActivateNode(nodeKey string, index int) {
	if _, active := e.ExecutionData.ActiveNodes[nodeKey]; active {
		return
	}
	e.ExecutionData.ActiveNodes[nodeKey] = index
}

// DeactivateNode removes a node from the scheduler's candidate pool.
func (e *WorkflowExecution) DeactivateNode(nodeKey string) {
	delete(e.ExecutionData.ActiveNodes, nodeKey)
}

// ActiveNodes exposes the activation map.
func (e *WorkflowExecution) ActiveNodes() map[string]int {
	return e.ExecutionData.ActiveNodes
}

// UpdateNodeContext deep-merges updates into the node's context bag and
// refreshes its runtime entry.
func (e *WorkflowExecution) UpdateNodeContext(nodeKey string, updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	bag := e.ExecutionData.ContextData.Node[nodeKey]
	if bag == nil {
		bag = map[string]interface{}{}
	}
	e.ExecutionData.ContextData.Node[nodeKey] = deepMerge(bag, updates)
	e.RefreshRuntimeNode(nodeKey)
}

// UpdateExecutionContext deep-merges updates into the workflow shared
// state, readable as $execution.state.
func (e *WorkflowExecution) UpdateExecutionContext(updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	e.ExecutionData.ContextData.Workflow = deepMerge(e.ExecutionData.ContextData.Workflow, updates)
}

// NodeContext returns the node's context bag, or an empty map.
func (e *WorkflowExecution) NodeContext(nodeKey string) map[string]interface{} {
	if bag, ok := e.ExecutionData.ContextData.Node[nodeKey]; ok {
		return bag
	}
	return map[string]interface{}{}
}

// SharedState returns the workflow shared state bag.
func (e *WorkflowExecution) SharedState() map[string]interface{} {
	return e.ExecutionData.ContextData.Workflow
}

// deepMerge merges src into a copy of dst. Nested maps merge recursively;
// any other value in src replaces the destination value.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		sv, srcIsMap := v.(map[string]interface{})
		dv, dstIsMap := out[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dv, sv)
			continue
		}
		out[k] = v
	}
	return out
}
