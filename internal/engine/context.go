package engine

import (
	"encoding/json"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/workflow"
	"github.com/pranaflow/prana/pkg/expression"
)

// collapseInput flattens a routed input whose only entry is the default
// port to that entry's value, so single-inbound nodes read $input.field
// instead of $input.main.field. Multi-port nodes keep the port-keyed map.
func collapseInput(routed map[string]interface{}) interface{} {
	if len(routed) == 1 {
		if v, ok := routed[workflow.DefaultPort]; ok {
			return v
		}
	}
	return routed
}

// loopMetadata extracts the compiler's loop annotations from the node.
func loopMetadata(node *workflow.Node) map[string]interface{} {
	if node.Metadata == nil {
		return nil
	}
	loop := map[string]interface{}{}
	for _, key := range []string{workflow.MetaLoopLevel, workflow.MetaLoopIDs, workflow.MetaLoopRole} {
		if v, ok := node.Metadata[key]; ok {
			loop[key] = v
		}
	}
	if len(loop) == 0 {
		return nil
	}
	return loop
}

// expressionContext assembles the template-visible view of one attempt.
func (x *NodeExecutor) expressionContext(node *workflow.Node, exec *execution.WorkflowExecution, input interface{}, runIndex int) *expression.Context {
	rt := exec.Runtime()
	return &expression.Context{
		Input: input,
		Nodes: rt.Nodes,
		Env:   rt.Env,
		Vars:  exec.Vars,
		Workflow: map[string]interface{}{
			"id":      exec.WorkflowID,
			"version": exec.WorkflowVersion,
		},
		Execution: map[string]interface{}{
			"id":               exec.ID,
			"mode":             string(exec.ExecutionMode),
			"current_node_key": node.Key,
			"run_index":        runIndex,
			"execution_index":  exec.CurrentExecutionIndex,
			"loopback":         runIndex > 0,
			"loop":             loopMetadata(node),
			"preparation":      exec.PreparationData[node.Key],
			"state":            exec.SharedState(),
		},
		Now: x.now().UTC(),
	}
}

// actionContext assembles the view the action implementation receives.
func (x *NodeExecutor) actionContext(node *workflow.Node, exec *execution.WorkflowExecution, input interface{}, runIndex int) *integration.ExecutionContext {
	rt := exec.Runtime()
	return &integration.ExecutionContext{
		ExecutionID:    exec.ID,
		WorkflowID:     exec.WorkflowID,
		NodeKey:        node.Key,
		Mode:           string(exec.ExecutionMode),
		RunIndex:       runIndex,
		ExecutionIndex: exec.CurrentExecutionIndex,
		Loopback:       runIndex > 0,
		Loop:           loopMetadata(node),
		Input:          input,
		Nodes:          rt.Nodes,
		Env:            rt.Env,
		Vars:           exec.Vars,
		State:          exec.SharedState(),
		Preparation:    preparationOf(exec, node.Key),
		Now:            x.now().UTC(),
	}
}

func preparationOf(exec *execution.WorkflowExecution, nodeKey string) map[string]interface{} {
	if prep, ok := exec.PreparationData[nodeKey].(map[string]interface{}); ok {
		return prep
	}
	return nil
}

// toInt coerces the numeric shapes suspension data can take after a
// persistence round trip.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
