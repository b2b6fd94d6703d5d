package builtin

import "github.com/pranaflow/prana/internal/integration"

// manualTrigger starts a workflow from a manual or API-initiated run. The
// trigger data arrives as routed input and passes through unchanged.
type manualTrigger struct{}

func (a *manualTrigger) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	if ctx.Input == nil {
		return integration.OK(map[string]interface{}{})
	}
	return integration.OK(ctx.Input)
}
