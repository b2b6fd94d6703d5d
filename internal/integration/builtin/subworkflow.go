package builtin

import (
	"fmt"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
)

// executeWorkflow delegates to another workflow. The action itself never
// runs the child; it suspends with the child's coordinates and the runner
// resumes the parent per the chosen execution_mode:
//
//   - sync: child runs to completion, its output resumes the parent.
//   - async: child is enqueued, its completion resumes the parent.
//   - fire_and_forget: child is enqueued and the parent resumes at once
//     with an enqueued acknowledgement.
type executeWorkflow struct{}

func (a *executeWorkflow) ValidateParams(params map[string]interface{}) error {
	if stringParam(params, "workflow_id") == "" {
		return fmt.Errorf("execute_workflow requires a %q param", "workflow_id")
	}
	switch mode := subWorkflowMode(params); mode {
	case "sync", "async", "fire_and_forget":
	default:
		return fmt.Errorf("unknown execution_mode %q", mode)
	}
	return nil
}

func (a *executeWorkflow) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"workflow_id":    map[string]interface{}{"type": "string", "required": true},
		"execution_mode": map[string]interface{}{"type": "string", "enum": []string{"sync", "async", "fire_and_forget"}},
		"trigger_data":   map[string]interface{}{"type": "object"},
		"vars":           map[string]interface{}{"type": "object"},
	}
}

func subWorkflowMode(params map[string]interface{}) string {
	if mode := stringParam(params, "execution_mode"); mode != "" {
		return mode
	}
	return "sync"
}

func suspensionFor(mode string) execution.SuspensionType {
	switch mode {
	case "async":
		return execution.SuspendSubWorkflowAsync
	case "fire_and_forget":
		return execution.SuspendSubWorkflowFireForget
	default:
		return execution.SuspendSubWorkflowSync
	}
}

func (a *executeWorkflow) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	triggerData := mapParam(params, "trigger_data")
	if triggerData == nil {
		if m, ok := ctx.Input.(map[string]interface{}); ok {
			triggerData = m
		} else {
			triggerData = map[string]interface{}{}
		}
	}

	data := map[string]interface{}{
		"workflow_id":         stringParam(params, "workflow_id"),
		"execution_mode":      subWorkflowMode(params),
		"trigger_data":        triggerData,
		"parent_execution_id": ctx.ExecutionID,
		"parent_node_key":     ctx.NodeKey,
	}
	if vars := mapParam(params, "vars"); vars != nil {
		data["vars"] = vars
	}
	return integration.Suspend(string(suspensionFor(subWorkflowMode(params))), data)
}

// Resume completes the node with whatever the runner collected: the child
// output for sync/async, or the enqueued acknowledgement for
// fire_and_forget.
func (a *executeWorkflow) Resume(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
	if resumeData == nil {
		resumeData = map[string]interface{}{}
	}
	return integration.OK(resumeData)
}
