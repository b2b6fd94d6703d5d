package builtin

import (
	"fmt"
	"sort"

	"github.com/pranaflow/prana/internal/integration"
)

// setData emits a template-rendered object. The engine renders params
// before Execute, so "data" arrives fully evaluated.
type setData struct{}

func (a *setData) ValidateParams(params map[string]interface{}) error {
	if _, ok := params["data"]; !ok {
		return fmt.Errorf("set_data requires a %q param", "data")
	}
	return nil
}

func (a *setData) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{"type": "object", "required": true},
	}
}

func (a *setData) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	return integration.OK(params["data"])
}

// mergeData combines the values arriving on the node's inbound ports. Mode
// "combine" (the default) shallow-merges map inputs in port name order;
// mode "list" collects the port values into an array.
type mergeData struct{}

func (a *mergeData) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"mode": map[string]interface{}{"type": "string", "enum": []string{"combine", "list"}},
	}
}

func (a *mergeData) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	ports, single := portValues(ctx.Input)

	mode := stringParam(params, "mode")
	if mode == "" {
		mode = "combine"
	}

	switch mode {
	case "list":
		if single != nil {
			return integration.OK([]interface{}{single})
		}
		values := make([]interface{}, 0, len(ports))
		for _, name := range sortedKeys(ports) {
			values = append(values, ports[name])
		}
		return integration.OK(values)

	case "combine":
		if single != nil {
			return integration.OK(single)
		}
		// Object values merge by their own keys; scalar port values keep
		// the port name as key. A collapsed single-port object therefore
		// round-trips unchanged.
		merged := map[string]interface{}{}
		for _, name := range sortedKeys(ports) {
			if m, ok := ports[name].(map[string]interface{}); ok {
				for k, v := range m {
					merged[k] = v
				}
				continue
			}
			merged[name] = ports[name]
		}
		return integration.OK(merged)

	default:
		return integration.Fail(fmt.Errorf("unknown merge mode %q", mode))
	}
}

// portValues splits the routed input into its port map, or the collapsed
// single-port value.
func portValues(input interface{}) (map[string]interface{}, interface{}) {
	if m, ok := input.(map[string]interface{}); ok {
		return m, nil
	}
	return nil, input
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
