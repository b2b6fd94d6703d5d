package execution

import "time"

// NodeStatus of one node attempt.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSuspended NodeStatus = "suspended"
)

// NodeExecution records one attempt of one node: the rendered params
// snapshot, the outcome, and the indices ordering it within the run.
type NodeExecution struct {
	NodeKey string
	Status  NodeStatus

	// Params is the rendered parameter snapshot the action received.
	Params     map[string]interface{}
	OutputData interface{}
	OutputPort string
	ErrorData  map[string]interface{}

	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  *int64

	// ExecutionIndex is the global order stamp; RunIndex counts this
	// node's attempts from zero.
	ExecutionIndex int
	RunIndex       int

	SuspensionType SuspensionType
	SuspensionData map[string]interface{}
}

// NewNodeExecution starts a running attempt record.
func NewNodeExecution(nodeKey string, executionIndex, runIndex int, now time.Time) *NodeExecution {
	t := now
	return &NodeExecution{
		NodeKey:        nodeKey,
		Status:         NodeStatusRunning,
		StartedAt:      &t,
		ExecutionIndex: executionIndex,
		RunIndex:       runIndex,
	}
}

// Complete marks the attempt successful on the given port.
func (ne *NodeExecution) Complete(output interface{}, port string, now time.Time) {
	ne.Status = NodeStatusCompleted
	ne.OutputData = output
	ne.OutputPort = port
	ne.finish(now)
}

// Fail marks the attempt failed with the structured error map.
func (ne *NodeExecution) Fail(errorData map[string]interface{}, port string, now time.Time) {
	ne.Status = NodeStatusFailed
	ne.ErrorData = errorData
	ne.OutputPort = port
	ne.finish(now)
}

// Suspend parks the attempt with its suspension snapshot.
func (ne *NodeExecution) Suspend(typ SuspensionType, data map[string]interface{}, now time.Time) {
	ne.Status = NodeStatusSuspended
	ne.SuspensionType = typ
	ne.SuspensionData = data
	ne.finish(now)
}

// ResumeRunning transitions a suspended attempt back into running so a
// resume can finish it in place.
func (ne *NodeExecution) ResumeRunning() {
	ne.Status = NodeStatusRunning
	ne.CompletedAt = nil
	ne.DurationMS = nil
}

func (ne *NodeExecution) finish(now time.Time) {
	t := now
	ne.CompletedAt = &t
	if ne.StartedAt != nil {
		d := now.Sub(*ne.StartedAt).Milliseconds()
		ne.DurationMS = &d
	}
}
