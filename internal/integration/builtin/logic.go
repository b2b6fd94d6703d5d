package builtin

import (
	"fmt"

	"github.com/pranaflow/prana/internal/integration"
)

// ifCondition routes its input to the "true" or "false" port. The
// condition param arrives already evaluated by the template engine.
type ifCondition struct{}

func (a *ifCondition) ValidateParams(params map[string]interface{}) error {
	if _, ok := params["condition"]; !ok {
		return fmt.Errorf("if_condition requires a %q param", "condition")
	}
	return nil
}

func (a *ifCondition) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"condition": map[string]interface{}{"type": "any", "required": true},
	}
}

func (a *ifCondition) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	port := "false"
	if truthy(params["condition"]) {
		port = "true"
	}
	return integration.OK(ctx.Input).WithPort(port)
}

// switchRules routes its input to the port of the first matching rule.
// Each rule is {"when": <evaluated value>, "port": <name>}; a miss on all
// rules falls through to fallback_port, default "default".
type switchRules struct{}

func (a *switchRules) ValidateParams(params map[string]interface{}) error {
	rules := sliceParam(params, "rules")
	if len(rules) == 0 {
		return fmt.Errorf("switch requires a non-empty %q param", "rules")
	}
	for i, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("switch rule %d is not an object", i)
		}
		if port, _ := rule["port"].(string); port == "" {
			return fmt.Errorf("switch rule %d has no port", i)
		}
	}
	return nil
}

func (a *switchRules) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"rules": map[string]interface{}{
			"type":     "array",
			"required": true,
			"items": map[string]interface{}{
				"when": map[string]interface{}{"type": "any"},
				"port": map[string]interface{}{"type": "string", "required": true},
			},
		},
		"fallback_port": map[string]interface{}{"type": "string"},
	}
}

func (a *switchRules) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	for _, raw := range sliceParam(params, "rules") {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if truthy(rule["when"]) {
			port, _ := rule["port"].(string)
			return integration.OK(ctx.Input).WithPort(port)
		}
	}
	fallback := stringParam(params, "fallback_port")
	if fallback == "" {
		fallback = "default"
	}
	return integration.OK(ctx.Input).WithPort(fallback)
}
