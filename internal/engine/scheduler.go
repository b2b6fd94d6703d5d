package engine

import (
	"sort"
	"time"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/platform/errortracker"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/workflow"
)

// GraphExecutor drives one execution through a compiled graph. Scheduling
// is single threaded: one node executes at a time, picked from the active
// set by readiness and activation recency. The executor itself holds no
// per-run state, so one instance serves any number of executions.
type GraphExecutor struct {
	registry *integration.Registry
	nodes    *NodeExecutor
	log      logger.Logger
	now      func() time.Time

	// OnNodeExecuted, when set, observes every settled node execution.
	// Runners use it to publish progress events.
	OnNodeExecuted func(exec *execution.WorkflowExecution, ne *execution.NodeExecution)
}

// NewGraphExecutor wires a graph executor against a registry.
func NewGraphExecutor(registry *integration.Registry, log logger.Logger, tracker errortracker.Tracker) *GraphExecutor {
	return &GraphExecutor{
		registry: registry,
		nodes:    NewNodeExecutor(registry, log, tracker),
		log:      log,
		now:      time.Now,
	}
}

// RunOptions parameterizes a new execution.
type RunOptions struct {
	TriggerType string
	TriggerData map[string]interface{}

	// Vars overlays the workflow's declared variables.
	Vars map[string]interface{}

	// Env backs $env lookups. It is never persisted with the execution.
	Env map[string]interface{}

	Mode              execution.Mode
	ParentExecutionID string
}

// InitializeExecution creates a pending execution for the graph: variables
// merged, environment set, preparation hooks run and the trigger node
// activated. The execution is ready for ExecuteWorkflow.
func (g *GraphExecutor) InitializeExecution(graph *workflow.ExecutionGraph, opts RunOptions) (*execution.WorkflowExecution, error) {
	exec := execution.New(graph.WorkflowID, graph.WorkflowVersion)
	if opts.Mode != "" {
		exec.ExecutionMode = opts.Mode
	}
	if opts.TriggerType != "" {
		exec.TriggerType = opts.TriggerType
	}
	if opts.TriggerData != nil {
		exec.TriggerData = opts.TriggerData
	}
	exec.ParentExecutionID = opts.ParentExecutionID

	vars := make(map[string]interface{}, len(graph.Variables)+len(opts.Vars))
	for k, v := range graph.Variables {
		vars[k] = v
	}
	for k, v := range opts.Vars {
		vars[k] = v
	}
	exec.Vars = vars

	exec.SetEnv(opts.Env)

	if err := g.prepareNodes(graph, exec); err != nil {
		return nil, err
	}

	exec.ActivateNode(graph.TriggerNodeKey, 0)
	return exec, nil
}

// prepareNodes runs the Prepare hook of every registered action that
// implements it, in sorted node key order, and stores the artifacts on the
// execution. Unregistered action types are skipped here; executing such a
// node fails later with action_not_found.
func (g *GraphExecutor) prepareNodes(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution) error {
	pctx := &integration.PrepareContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Env:         exec.Runtime().Env,
	}
	for _, key := range graph.NodeKeys() {
		node := graph.Node(key)
		desc, err := g.registry.GetActionByType(node.Type)
		if err != nil {
			continue
		}
		preparer, ok := desc.Action.(integration.Preparer)
		if !ok {
			continue
		}
		data, err := preparer.Prepare(node, pctx)
		if err != nil {
			return errs.Wrap(errs.CodeActionError, err).
				WithDetail("node_key", key).
				WithDetail("phase", "prepare")
		}
		if data != nil {
			exec.PreparationData[key] = data
		}
	}
	return nil
}

// ExecuteWorkflow runs the execution until it completes, fails or
// suspends. The outcome is carried on the execution's status; the error
// return reports caller misuse only.
func (g *GraphExecutor) ExecuteWorkflow(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution) error {
	if exec.Status != execution.StatusPending && exec.Status != execution.StatusRunning {
		return errs.Newf(errs.CodeInvalidStateTransition, "cannot execute workflow in status %q", exec.Status)
	}
	exec.MarkRunning(g.now())
	g.log.Debug("workflow execution started",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
	)
	g.runLoop(graph, exec)
	return nil
}

// ResumeWorkflow continues a suspended execution with the payload the
// runner collected. Retry suspensions re-execute the node as a fresh
// attempt; every other suspension type finishes the suspended attempt in
// place through the action's Resume.
func (g *GraphExecutor) ResumeWorkflow(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution, resumeData map[string]interface{}) error {
	if exec.Status != execution.StatusSuspended {
		return errs.Newf(errs.CodeInvalidStateTransition, "cannot resume execution in status %q", exec.Status)
	}
	if exec.SuspendedNodeID == "" {
		return errs.New(errs.CodeInvalidStateTransition, "suspended execution has no suspended node")
	}
	nodeKey := exec.SuspendedNodeID
	node := graph.Node(nodeKey)
	if node == nil {
		return errs.Newf(errs.CodeInvalidStateTransition, "suspended node %q is not part of workflow %q", nodeKey, graph.WorkflowID)
	}
	record := exec.LatestExecution(nodeKey)
	if record == nil || record.Status != execution.NodeStatusSuspended {
		return errs.Newf(errs.CodeInvalidStateTransition, "node %q has no suspended attempt", nodeKey)
	}
	suspensionType := exec.SuspensionType

	exec.ClearSuspension()
	exec.MarkRunning(g.now())
	g.log.Debug("workflow execution resumed",
		"execution_id", exec.ID,
		"node_key", nodeKey,
		"suspension_type", string(suspensionType),
	)

	var ne *execution.NodeExecution
	inPlace := false
	if suspensionType == execution.SuspendRetry {
		ne = g.nodes.RetryNode(node, exec, g.routedInput(graph, exec, node))
	} else {
		ne = g.nodes.ResumeNode(node, exec, resumeData)
		inPlace = true
	}
	if done := g.settle(graph, exec, nodeKey, ne, inPlace); done {
		return nil
	}
	g.runLoop(graph, exec)
	return nil
}

// runLoop executes ready nodes until the execution suspends, fails or
// quiesces. Quiescence with no failure completes the run.
func (g *GraphExecutor) runLoop(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution) {
	for {
		nodeKey, ok := g.nextReadyNode(graph, exec)
		if !ok {
			g.finish(exec)
			return
		}
		node := graph.Node(nodeKey)
		ne := g.nodes.ExecuteNode(node, exec, g.routedInput(graph, exec, node))
		if done := g.settle(graph, exec, nodeKey, ne, false); done {
			return
		}
	}
}

// settle books a finished node attempt onto the execution and routes its
// outcome. inPlace marks records already appended at suspension time,
// finished by a resume without a second append. The return value tells the
// run loop to stop.
func (g *GraphExecutor) settle(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution, nodeKey string, ne *execution.NodeExecution, inPlace bool) bool {
	switch ne.Status {
	case execution.NodeStatusCompleted:
		if inPlace {
			exec.RefreshRuntimeNode(nodeKey)
		} else {
			exec.CompleteNode(ne)
		}
		targets := graph.ConnectionsFrom(nodeKey, ne.OutputPort)
		selfTarget := false
		for _, conn := range targets {
			if conn.To == nodeKey {
				selfTarget = true
				break
			}
		}
		if !selfTarget {
			exec.DeactivateNode(nodeKey)
		}
		for _, conn := range targets {
			exec.ActivateNode(conn.To, exec.CurrentExecutionIndex)
		}
		g.notify(exec, ne)
		return false

	case execution.NodeStatusFailed:
		if !inPlace {
			exec.CompleteNode(ne)
		}
		exec.DeactivateNode(nodeKey)
		exec.MarkFailed(g.now())
		g.log.Warn("workflow execution failed",
			"execution_id", exec.ID,
			"node_key", nodeKey,
			"error", ne.ErrorData,
		)
		g.notify(exec, ne)
		return true

	case execution.NodeStatusSuspended:
		if !inPlace {
			exec.CompleteNode(ne)
		}
		exec.DeactivateNode(nodeKey)
		exec.MarkSuspended(nodeKey, ne.SuspensionType, ne.SuspensionData, g.now())
		g.log.Debug("workflow execution suspended",
			"execution_id", exec.ID,
			"node_key", nodeKey,
			"suspension_type", string(ne.SuspensionType),
		)
		g.notify(exec, ne)
		return true
	}
	return false
}

// finish completes a quiesced execution. Active nodes that never became
// ready, such as merge joins with an unreachable branch, are cleared; the
// run completed without them.
func (g *GraphExecutor) finish(exec *execution.WorkflowExecution) {
	exec.MarkCompleted(g.now())
	remaining := make([]string, 0, len(exec.ActiveNodes()))
	for key := range exec.ActiveNodes() {
		remaining = append(remaining, key)
	}
	for _, key := range remaining {
		exec.DeactivateNode(key)
	}
	g.log.Debug("workflow execution completed",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
	)
}

// nextReadyNode picks the ready active node activated most recently,
// breaking activation index ties by lexicographic node key order. Depth
// first behavior under branching falls out of preferring the newest
// activation.
func (g *GraphExecutor) nextReadyNode(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution) (string, bool) {
	active := exec.ActiveNodes()
	keys := make([]string, 0, len(active))
	for key := range active {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	best := ""
	bestIndex := -1
	for _, key := range keys {
		node := graph.Node(key)
		if node == nil {
			continue
		}
		if !exec.DependenciesSatisfied(node, graph) {
			continue
		}
		if active[key] > bestIndex {
			best = key
			bestIndex = active[key]
		}
	}
	return best, best != ""
}

// routedInput derives the node's port-keyed input from completed upstream
// records. A trigger with no inbound connections is fed the trigger data
// on the default port.
func (g *GraphExecutor) routedInput(graph *workflow.ExecutionGraph, exec *execution.WorkflowExecution, node *workflow.Node) map[string]interface{} {
	routed := exec.ExtractMultiPortInput(node, graph)
	if len(routed) == 0 && node.Key == graph.TriggerNodeKey && len(graph.InboundConnections(node.Key)) == 0 {
		routed = map[string]interface{}{workflow.DefaultPort: exec.TriggerData}
	}
	return routed
}

func (g *GraphExecutor) notify(exec *execution.WorkflowExecution, ne *execution.NodeExecution) {
	if g.OnNodeExecuted != nil {
		g.OnNodeExecuted(exec, ne)
	}
}
