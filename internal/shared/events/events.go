// Package events defines the lifecycle event envelopes the runner emits
// while driving executions. The same envelopes go to Kafka and to realtime
// subscribers; consumers rely on the JSON shape, not on these Go types.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/pranaflow/prana/internal/execution"
)

// Type names a lifecycle event.
type Type string

const (
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
	ExecutionSuspended Type = "execution.suspended"
	ExecutionResumed   Type = "execution.resumed"

	NodeCompleted Type = "node.completed"
	NodeFailed    Type = "node.failed"
)

// Event is the envelope every lifecycle event travels in.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// New creates an envelope stamped with a fresh id and the current time.
func New(typ Type, payload map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// ForExecution builds the event for an execution status transition. The
// payload carries the ids and status; failed executions add the error of
// the newest failed node, suspended ones add the suspension snapshot.
func ForExecution(typ Type, exec *execution.WorkflowExecution) *Event {
	payload := map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"mode":         string(exec.ExecutionMode),
	}
	if exec.ParentExecutionID != "" {
		payload["parent_execution_id"] = exec.ParentExecutionID
	}
	switch typ {
	case ExecutionSuspended:
		payload["suspended_node_id"] = exec.SuspendedNodeID
		payload["suspension_type"] = string(exec.SuspensionType)
		payload["suspension_data"] = exec.SuspensionData
	case ExecutionFailed:
		if ne := lastFailed(exec); ne != nil {
			payload["failed_node_key"] = ne.NodeKey
			payload["error"] = ne.ErrorData
		}
	case ExecutionCompleted:
		if exec.StartedAt != nil && exec.CompletedAt != nil {
			payload["duration_ms"] = exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds()
		}
	}
	return New(typ, payload)
}

// ForNode builds the event for a settled node attempt.
func ForNode(exec *execution.WorkflowExecution, ne *execution.NodeExecution) *Event {
	typ := NodeCompleted
	payload := map[string]interface{}{
		"execution_id":    exec.ID,
		"workflow_id":     exec.WorkflowID,
		"node_key":        ne.NodeKey,
		"status":          string(ne.Status),
		"run_index":       ne.RunIndex,
		"execution_index": ne.ExecutionIndex,
		"output_port":     ne.OutputPort,
	}
	if ne.Status == execution.NodeStatusFailed {
		typ = NodeFailed
		payload["error"] = ne.ErrorData
	}
	if ne.DurationMS != nil {
		payload["duration_ms"] = *ne.DurationMS
	}
	return New(typ, payload)
}

func lastFailed(exec *execution.WorkflowExecution) *execution.NodeExecution {
	var newest *execution.NodeExecution
	for _, list := range exec.NodeExecutions {
		for _, ne := range list {
			if ne.Status != execution.NodeStatusFailed {
				continue
			}
			if newest == nil || ne.ExecutionIndex > newest.ExecutionIndex {
				newest = ne
			}
		}
	}
	return newest
}
