package builtin

import (
	"fmt"

	"github.com/pranaflow/prana/internal/integration"
)

// codeExpression completes with the evaluated value of its "expression"
// param. The template engine renders params before Execute, so the node
// output is whatever the expression produced, any type included.
type codeExpression struct{}

func (a *codeExpression) ValidateParams(params map[string]interface{}) error {
	if _, ok := params["expression"]; !ok {
		return fmt.Errorf("code.expression requires an %q param", "expression")
	}
	return nil
}

func (a *codeExpression) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"expression": map[string]interface{}{"type": "any", "required": true},
	}
}

func (a *codeExpression) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	return integration.OK(params["expression"])
}
