// Package engine executes compiled workflows: NodeExecutor runs single
// node attempts against registered actions, GraphExecutor owns the
// single-threaded scheduling loop, suspension and resume.
package engine

import (
	"runtime/debug"
	"time"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/platform/errortracker"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/workflow"
	"github.com/pranaflow/prana/pkg/expression"
)

// NodeExecutor runs one node attempt at a time: renders params, resolves
// the action, invokes it behind a panic boundary and interprets the
// result into a NodeExecution record. It never unwinds on action faults.
type NodeExecutor struct {
	registry *integration.Registry
	parser   *expression.Parser
	tracker  errortracker.Tracker
	log      logger.Logger
	now      func() time.Time
}

// NewNodeExecutor wires a node executor against a registry.
func NewNodeExecutor(registry *integration.Registry, log logger.Logger, tracker errortracker.Tracker) *NodeExecutor {
	if tracker == nil {
		tracker = errortracker.StdoutTracker{}
	}
	return &NodeExecutor{
		registry: registry,
		parser:   expression.NewParser(),
		tracker:  tracker,
		log:      log,
		now:      time.Now,
	}
}

// ExecuteNode runs a fresh attempt of the node. The returned record's
// status tells the caller whether it completed, failed or suspended; the
// caller appends it with CompleteNode. State updates from the action are
// applied to exec before returning.
func (x *NodeExecutor) ExecuteNode(node *workflow.Node, exec *execution.WorkflowExecution, routedInput map[string]interface{}) *execution.NodeExecution {
	runIndex := exec.NextRunIndex(node.Key)
	ne := execution.NewNodeExecution(node.Key, exec.CurrentExecutionIndex, runIndex, x.now())

	x.log.Debug("executing node",
		"execution_id", exec.ID,
		"node_key", node.Key,
		"action_type", node.Type,
		"run_index", runIndex,
	)

	input := collapseInput(routedInput)

	params, err := x.parser.RenderParams(node.Params, x.expressionContext(node, exec, input, runIndex))
	if err != nil {
		perr := errs.New(errs.CodeParamsError, err.Error()).
			WithDetail("reason", "expression_evaluation_failed").
			WithDetail("node_key", node.Key)
		ne.Fail(perr.ToMap(), "error", x.now())
		return ne
	}
	ne.Params = params

	desc, err := x.registry.GetActionByType(node.Type)
	if err != nil {
		ne.Fail(errs.Wrap(errs.CodeActionNotFound, err).ToMap(), "error", x.now())
		return ne
	}

	if validator, ok := desc.Action.(integration.ParamsValidator); ok {
		if err := validator.ValidateParams(params); err != nil {
			perr := errs.New(errs.CodeParamsError, err.Error()).
				WithDetail("reason", "params_preparation_failed").
				WithDetail("node_key", node.Key)
			ne.Fail(perr.ToMap(), desc.DefaultErrorPort(), x.now())
			return ne
		}
	}

	result := x.invokeExecute(desc, params, x.actionContext(node, exec, input, runIndex))
	return x.interpret(node, desc, exec, ne, result)
}

// RetryNode runs a fresh attempt after a retry suspension, rebuilding the
// routed input from current state. When the originally-stored error was
// non-retryable the retry short-circuits into a final failure without
// invoking the action again.
func (x *NodeExecutor) RetryNode(node *workflow.Node, exec *execution.WorkflowExecution, routedInput map[string]interface{}) *execution.NodeExecution {
	prev := exec.LatestExecution(node.Key)
	if prev != nil && prev.SuspensionType == execution.SuspendRetry {
		if original := originalError(prev); original != nil && !retryable(original.Code) {
			ne := execution.NewNodeExecution(node.Key, exec.CurrentExecutionIndex, exec.NextRunIndex(node.Key), x.now())
			ne.Fail(original.ToMap(), "error", x.now())
			return ne
		}
	}
	return x.ExecuteNode(node, exec, routedInput)
}

// ResumeNode finishes a suspended attempt in place: params come from the
// suspended record, $input is empty, and the action's Resume receives the
// payload the runner collected.
func (x *NodeExecutor) ResumeNode(node *workflow.Node, exec *execution.WorkflowExecution, resumeData map[string]interface{}) *execution.NodeExecution {
	ne := exec.LatestExecution(node.Key)
	if ne == nil || ne.Status != execution.NodeStatusSuspended {
		failed := execution.NewNodeExecution(node.Key, exec.CurrentExecutionIndex, exec.NextRunIndex(node.Key), x.now())
		e := errs.Newf(errs.CodeActionResumeFailed, "node %q has no suspended attempt to resume", node.Key)
		failed.Fail(e.ToMap(), "error", x.now())
		return failed
	}
	ne.ResumeRunning()

	x.log.Debug("resuming node",
		"execution_id", exec.ID,
		"node_key", node.Key,
		"run_index", ne.RunIndex,
	)

	desc, err := x.registry.GetActionByType(node.Type)
	if err != nil {
		ne.Fail(errs.Wrap(errs.CodeActionNotFound, err).ToMap(), "error", x.now())
		return ne
	}

	resumable, ok := desc.Action.(integration.Resumable)
	if !ok {
		e := errs.Newf(errs.CodeActionResumeFailed, "action %q does not support resume", node.Type).
			WithDetail("action_type", node.Type)
		ne.Fail(e.ToMap(), desc.DefaultErrorPort(), x.now())
		return ne
	}

	ctx := x.actionContext(node, exec, map[string]interface{}{}, ne.RunIndex)
	result := x.invokeResume(desc, resumable, ne.Params, ctx, resumeData)
	return x.interpret(node, desc, exec, ne, result)
}

// interpret maps an action result onto the record and applies state
// updates. Failures consult the retry policy.
func (x *NodeExecutor) interpret(node *workflow.Node, desc *integration.ActionDescriptor, exec *execution.WorkflowExecution, ne *execution.NodeExecution, result *integration.Result) *execution.NodeExecution {
	if result == nil {
		e := errs.Newf(errs.CodeInvalidActionReturnFormat, "action %q returned no result", node.Type).
			WithDetail("action_type", node.Type)
		ne.Fail(e.ToMap(), desc.DefaultErrorPort(), x.now())
		return ne
	}

	switch result.Status {
	case integration.ResultOK:
		port := result.Port
		if port == "" {
			port = desc.DefaultSuccessPort()
		}
		if !desc.AllowsPort(port) {
			e := errs.Newf(errs.CodeInvalidOutputPort, "action %q emitted undeclared port %q", node.Type, port).
				WithDetail("port", port).
				WithDetail("declared_ports", desc.OutputPorts)
			ne.Fail(e.ToMap(), desc.DefaultErrorPort(), x.now())
			return ne
		}
		x.applyStateUpdates(exec, node.Key, result.StateUpdates)
		ne.Complete(result.Data, port, x.now())
		return ne

	case integration.ResultError:
		return x.failOrRetry(node, desc, exec, ne, result)

	case integration.ResultSuspend:
		ne.Suspend(execution.SuspensionType(result.SuspensionType), result.SuspensionData, x.now())
		return ne

	default:
		e := errs.Newf(errs.CodeInvalidActionReturnFormat, "action %q returned unknown result status %q", node.Type, result.Status)
		ne.Fail(e.ToMap(), desc.DefaultErrorPort(), x.now())
		return ne
	}
}

// failOrRetry finalizes a failed attempt, or converts it into a retry
// suspension when the node's settings and the error kind allow another
// attempt.
func (x *NodeExecutor) failOrRetry(node *workflow.Node, desc *integration.ActionDescriptor, exec *execution.WorkflowExecution, ne *execution.NodeExecution, result *integration.Result) *execution.NodeExecution {
	now := x.now()
	e := errs.Wrap(errs.CodeActionError, result.Err)
	if e == nil {
		e = errs.New(errs.CodeActionError, "action failed")
	}

	settings := node.Settings
	retries := retriesSoFar(exec, node.Key)
	if settings.RetryOnFailed && settings.MaxRetries > 0 && retryable(e.Code) && retries < settings.MaxRetries {
		resumeAt := now.Add(time.Duration(settings.RetryDelayMS) * time.Millisecond)
		ne.Suspend(execution.SuspendRetry, map[string]interface{}{
			"resume_at":      resumeAt.UTC().Format(time.RFC3339Nano),
			"attempt_number": retries + 1,
			"max_attempts":   settings.MaxRetries,
			"original_error": e.ToMap(),
		}, now)
		x.log.Debug("node failure converted to retry suspension",
			"node_key", node.Key,
			"attempt_number", retries+1,
			"max_attempts", settings.MaxRetries,
		)
		return ne
	}

	port := result.Port
	if port == "" {
		port = desc.DefaultErrorPort()
	}
	ne.Fail(e.ToMap(), port, now)
	return ne
}

// applyStateUpdates merges the reserved node_context key into the node's
// context bag and everything else into the workflow shared state.
func (x *NodeExecutor) applyStateUpdates(exec *execution.WorkflowExecution, nodeKey string, updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	if nodeCtx, ok := updates[integration.NodeContextKey].(map[string]interface{}); ok {
		exec.UpdateNodeContext(nodeKey, nodeCtx)
	}
	shared := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		if k == integration.NodeContextKey {
			continue
		}
		shared[k] = v
	}
	exec.UpdateExecutionContext(shared)
}

// invokeExecute calls the action behind a panic boundary.
func (x *NodeExecutor) invokeExecute(desc *integration.ActionDescriptor, params map[string]interface{}, ctx *integration.ExecutionContext) (result *integration.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Newf(errs.CodeActionExecutionFailed, "action %q panicked: %v", desc.Name, r).
				WithDetail("action_type", desc.Name)
			x.tracker.CaptureError(err, debug.Stack())
			result = integration.Fail(err)
		}
	}()
	return desc.Action.Execute(params, ctx)
}

// invokeResume calls the action's Resume behind a panic boundary.
func (x *NodeExecutor) invokeResume(desc *integration.ActionDescriptor, action integration.Resumable, params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) (result *integration.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Newf(errs.CodeActionResumeFailed, "resume of action %q panicked: %v", desc.Name, r).
				WithDetail("action_type", desc.Name)
			x.tracker.CaptureError(err, debug.Stack())
			result = integration.Fail(err)
		}
	}()
	return action.Resume(params, ctx, resumeData)
}

// retryable reports whether the taxonomy code is in the retryable set.
// Configuration and validation errors never retry.
func retryable(code string) bool {
	switch code {
	case errs.CodeActionError, errs.CodeActionExecutionFailed, errs.CodeActionExit, errs.CodeActionThrow:
		return true
	}
	return false
}

// retriesSoFar counts the retries already consumed by reading the newest
// record's retry suspension data. A non-retry record resets the budget.
func retriesSoFar(exec *execution.WorkflowExecution, nodeKey string) int {
	prev := exec.LatestExecution(nodeKey)
	if prev == nil || prev.SuspensionType != execution.SuspendRetry || prev.SuspensionData == nil {
		return 0
	}
	if n, ok := toInt(prev.SuspensionData["attempt_number"]); ok {
		return n
	}
	return 0
}

// originalError reads the persisted error a retry suspension stored.
func originalError(ne *execution.NodeExecution) *errs.Error {
	if ne.SuspensionData == nil {
		return nil
	}
	if m, ok := ne.SuspensionData["original_error"].(map[string]interface{}); ok {
		return errs.FromMap(m)
	}
	return nil
}
