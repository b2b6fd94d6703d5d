package builtin

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/webhook"
	"github.com/pranaflow/prana/internal/workflow"
)

// waitAction pauses a workflow. Modes:
//
//   - interval: waits a duration. Waits shorter than maxInProcess sleep
//     in place; waits of maxInProcess or longer suspend :interval with a
//     resume_at timestamp.
//   - schedule: suspends :schedule until an absolute timestamp or the next
//     firing of a cron expression.
//   - webhook: Prepare mints a resume URL before the run starts; Execute
//     suspends :webhook until the URL is hit.
//
// The resume payload becomes the node's output.
type waitAction struct {
	baseURL       string
	maxInProcess  time.Duration
	webhookExpiry time.Duration
	sleep         func(time.Duration)
}

func (a *waitAction) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"mode":          map[string]interface{}{"type": "string", "enum": []string{"interval", "schedule", "webhook"}},
		"seconds":       map[string]interface{}{"type": "number"},
		"at":            map[string]interface{}{"type": "string", "format": "rfc3339"},
		"cron":          map[string]interface{}{"type": "string"},
		"timeout_hours": map[string]interface{}{"type": "number"},
	}
}

func (a *waitAction) ValidateParams(params map[string]interface{}) error {
	switch mode := waitMode(params); mode {
	case "interval":
		seconds, ok := floatParam(params, "seconds")
		if !ok {
			return fmt.Errorf("wait mode %q requires a numeric %q param", mode, "seconds")
		}
		if seconds < 0 {
			return fmt.Errorf("wait seconds must not be negative")
		}
	case "schedule":
		at := stringParam(params, "at")
		spec := stringParam(params, "cron")
		if at == "" && spec == "" {
			return fmt.Errorf("wait mode %q requires %q or %q", mode, "at", "cron")
		}
		if at != "" {
			if _, err := time.Parse(time.RFC3339, at); err != nil {
				return fmt.Errorf("invalid %q timestamp: %w", "at", err)
			}
		}
		if spec != "" {
			if _, err := cronParser.Parse(spec); err != nil {
				return fmt.Errorf("invalid cron expression: %w", err)
			}
		}
	case "webhook":
	default:
		return fmt.Errorf("unknown wait mode %q", mode)
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func waitMode(params map[string]interface{}) string {
	if mode := stringParam(params, "mode"); mode != "" {
		return mode
	}
	return "interval"
}

// Prepare mints the resume webhook of webhook-mode nodes before the
// execution starts, so the URL is visible to earlier nodes via
// $execution.preparation.
func (a *waitAction) Prepare(node *workflow.Node, ctx *integration.PrepareContext) (map[string]interface{}, error) {
	if mode, _ := node.Params["mode"].(string); mode != "webhook" {
		return nil, nil
	}
	resumeID, err := webhook.GenerateResumeID(ctx.ExecutionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"resume_id":  resumeID,
		"resume_url": webhook.BuildWebhookURL(a.baseURL, webhook.KindResume, resumeID),
	}, nil
}

func (a *waitAction) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	switch mode := waitMode(params); mode {
	case "interval":
		return a.waitInterval(params, ctx)
	case "schedule":
		return a.waitSchedule(params, ctx)
	case "webhook":
		return a.waitWebhook(params, ctx)
	default:
		return integration.Fail(fmt.Errorf("unknown wait mode %q", mode))
	}
}

func (a *waitAction) waitInterval(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	seconds, _ := floatParam(params, "seconds")
	d := time.Duration(seconds * float64(time.Second))

	if d < a.maxInProcess {
		a.sleep(d)
		return integration.OK(passThrough(ctx))
	}

	resumeAt := ctx.Now.Add(d)
	return integration.Suspend(string(execution.SuspendInterval), map[string]interface{}{
		"resume_at": resumeAt.UTC().Format(time.RFC3339Nano),
		"seconds":   seconds,
	})
}

func (a *waitAction) waitSchedule(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	data := map[string]interface{}{}

	if at := stringParam(params, "at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return integration.Fail(fmt.Errorf("invalid %q timestamp: %w", "at", err))
		}
		if !t.After(ctx.Now) {
			// Already past due; nothing to wait for.
			return integration.OK(passThrough(ctx))
		}
		data["resume_at"] = t.UTC().Format(time.RFC3339Nano)
	} else if spec := stringParam(params, "cron"); spec != "" {
		schedule, err := cronParser.Parse(spec)
		if err != nil {
			return integration.Fail(fmt.Errorf("invalid cron expression: %w", err))
		}
		data["cron"] = spec
		data["resume_at"] = schedule.Next(ctx.Now).UTC().Format(time.RFC3339Nano)
	} else {
		return integration.Fail(fmt.Errorf("wait mode %q requires %q or %q", "schedule", "at", "cron"))
	}

	return integration.Suspend(string(execution.SuspendSchedule), data)
}

func (a *waitAction) waitWebhook(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	resumeID, _ := ctx.Preparation["resume_id"].(string)
	resumeURL, _ := ctx.Preparation["resume_url"].(string)
	if resumeID == "" {
		return integration.Fail(fmt.Errorf("webhook wait has no prepared resume id"))
	}

	data := map[string]interface{}{
		"resume_id":  resumeID,
		"resume_url": resumeURL,
	}
	if hours, ok := floatParam(params, "timeout_hours"); ok && hours > 0 {
		data["timeout_hours"] = hours
		data["expires_at"] = ctx.Now.Add(time.Duration(hours * float64(time.Hour))).UTC().Format(time.RFC3339Nano)
	} else if a.webhookExpiry > 0 {
		data["expires_at"] = ctx.Now.Add(a.webhookExpiry).UTC().Format(time.RFC3339Nano)
	}
	return integration.Suspend(string(execution.SuspendWebhook), data)
}

// Resume finishes the suspended wait; the collected payload becomes the
// node output. Timer resumes arrive with an empty payload.
func (a *waitAction) Resume(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
	if len(resumeData) == 0 {
		return integration.OK(map[string]interface{}{"resumed": true})
	}
	return integration.OK(resumeData)
}

// passThrough forwards the routed input, or an empty object when the wait
// node has none.
func passThrough(ctx *integration.ExecutionContext) interface{} {
	if ctx.Input == nil {
		return map[string]interface{}{}
	}
	return ctx.Input
}
