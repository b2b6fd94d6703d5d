// Package builtin registers the built-in integration catalog: triggers,
// data shaping, branching, waits, HTTP, sub-workflows, expressions,
// database queries and S3 storage. The engine stays catalog-agnostic; the
// runner calls RegisterAll at startup.
package builtin

import (
	"fmt"
	"time"

	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/workflow"
)

// Options carries the host wiring the catalog actions need.
type Options struct {
	// BaseURL is the public base webhook resume URLs are minted from.
	BaseURL string
	// MaxInProcessWait bounds the interval executed as an in-place
	// sleep; longer waits suspend the execution.
	MaxInProcessWait time.Duration
	// WebhookExpiry is the advisory expiry attached to minted resume
	// webhooks.
	WebhookExpiry time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:8080"
	}
	if o.MaxInProcessWait <= 0 {
		o.MaxInProcessWait = 60 * time.Second
	}
	if o.WebhookExpiry <= 0 {
		o.WebhookExpiry = 24 * time.Hour
	}
	return o
}

// RegisterAll registers the full catalog on the registry. Re-registering
// replaces previous catalog versions, so runner restarts are idempotent.
func RegisterAll(r *integration.Registry, opts Options) error {
	opts = opts.withDefaults()

	catalogs := []*integration.Integration{
		{
			Name:        "manual",
			DisplayName: "Manual",
			Description: "Manually triggered workflow starts",
			Actions: []integration.ActionDescriptor{{
				Name:        "manual.trigger",
				DisplayName: "Manual Trigger",
				Kind:        integration.KindTrigger,
				Action:      &manualTrigger{},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
		{
			Name:        "data",
			DisplayName: "Data",
			Description: "Shape and combine data flowing between nodes",
			Actions: []integration.ActionDescriptor{
				{
					Name:        "data.set_data",
					DisplayName: "Set Data",
					Kind:        integration.KindAction,
					Action:      &setData{},
					InputPorts:  []string{workflow.DefaultPort},
					OutputPorts: []string{workflow.DefaultPort},
				},
				{
					Name:        "data.merge",
					DisplayName: "Merge",
					Kind:        integration.KindAction,
					Action:      &mergeData{},
					InputPorts:  []string{workflow.DynamicPorts},
					OutputPorts: []string{workflow.DefaultPort},
				},
			},
		},
		{
			Name:        "logic",
			DisplayName: "Logic",
			Description: "Conditional branching",
			Actions: []integration.ActionDescriptor{
				{
					Name:        "logic.if_condition",
					DisplayName: "If",
					Kind:        integration.KindLogic,
					Action:      &ifCondition{},
					InputPorts:  []string{workflow.DefaultPort},
					OutputPorts: []string{"true", "false"},
				},
				{
					Name:        "logic.switch",
					DisplayName: "Switch",
					Kind:        integration.KindLogic,
					Action:      &switchRules{},
					InputPorts:  []string{workflow.DefaultPort},
					OutputPorts: []string{workflow.DynamicPorts},
				},
			},
		},
		{
			Name:        "wait",
			DisplayName: "Wait",
			Description: "Pause executions on timers, schedules and webhooks",
			Actions: []integration.ActionDescriptor{{
				Name:        "wait.wait",
				DisplayName: "Wait",
				Kind:        integration.KindWait,
				Action: &waitAction{
					baseURL:       opts.BaseURL,
					maxInProcess:  opts.MaxInProcessWait,
					webhookExpiry: opts.WebhookExpiry,
					sleep:         time.Sleep,
				},
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
		{
			Name:        "http",
			DisplayName: "HTTP",
			Description: "Outbound HTTP requests",
			Actions: []integration.ActionDescriptor{{
				Name:        "http.request",
				DisplayName: "HTTP Request",
				Kind:        integration.KindAction,
				Action:      newHTTPRequest(),
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort, "error"},
			}},
		},
		{
			Name:        "workflow",
			DisplayName: "Workflow",
			Description: "Run other workflows as sub-workflows",
			Actions: []integration.ActionDescriptor{{
				Name:        "workflow.execute_workflow",
				DisplayName: "Execute Workflow",
				Kind:        integration.KindAction,
				Action:      &executeWorkflow{},
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
		{
			Name:        "code",
			DisplayName: "Code",
			Description: "Expression evaluation",
			Actions: []integration.ActionDescriptor{{
				Name:        "code.expression",
				DisplayName: "Expression",
				Kind:        integration.KindAction,
				Action:      &codeExpression{},
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
		{
			Name:        "database",
			DisplayName: "Database",
			Description: "SQL queries against PostgreSQL and MySQL",
			Actions: []integration.ActionDescriptor{{
				Name:        "database.query",
				DisplayName: "Database Query",
				Kind:        integration.KindAction,
				Action:      &databaseQuery{},
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
		{
			Name:        "storage",
			DisplayName: "Storage",
			Description: "Object storage on S3",
			Actions: []integration.ActionDescriptor{{
				Name:        "storage.s3",
				DisplayName: "AWS S3",
				Kind:        integration.KindAction,
				Action:      &s3Storage{},
				InputPorts:  []string{workflow.DefaultPort},
				OutputPorts: []string{workflow.DefaultPort},
			}},
		},
	}

	for _, integ := range catalogs {
		if err := r.Replace(integ); err != nil {
			return fmt.Errorf("register integration %q: %w", integ.Name, err)
		}
	}
	return nil
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func mapParam(params map[string]interface{}, key string) map[string]interface{} {
	m, _ := params[key].(map[string]interface{})
	return m
}

func sliceParam(params map[string]interface{}, key string) []interface{} {
	s, _ := params[key].([]interface{})
	return s
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	switch n := params[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// truthy mirrors template truthiness: nil, false, zero numbers and empty
// strings/collections are false.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}
