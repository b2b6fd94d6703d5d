package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/platform/errortracker"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/workflow"
)

var engineClock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubAction struct {
	execute func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result
}

func (a *stubAction) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	return a.execute(params, ctx)
}

type resumableStub struct {
	execute func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result
	resume  func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result
}

func (a *resumableStub) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	return a.execute(params, ctx)
}

func (a *resumableStub) Resume(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
	return a.resume(params, ctx, resumeData)
}

type validatedStub struct {
	stubAction
	validate func(params map[string]interface{}) error
}

func (a *validatedStub) ValidateParams(params map[string]interface{}) error {
	return a.validate(params)
}

func registryWith(t *testing.T, actions ...integration.ActionDescriptor) *integration.Registry {
	t.Helper()
	r := integration.NewRegistry()
	require.NoError(t, r.Register(&integration.Integration{
		Name:    "test",
		Actions: actions,
	}))
	return r
}

func descriptor(name string, action integration.Action, outputPorts ...string) integration.ActionDescriptor {
	if len(outputPorts) == 0 {
		outputPorts = []string{"main", "error"}
	}
	return integration.ActionDescriptor{
		Name:        name,
		Kind:        integration.KindAction,
		Action:      action,
		OutputPorts: outputPorts,
	}
}

func newTestNodeExecutor(r *integration.Registry) *NodeExecutor {
	x := NewNodeExecutor(r, logger.NewNop(), errortracker.NopTracker{})
	x.now = func() time.Time { return engineClock }
	return x
}

func testNode(key, actionType string, params map[string]interface{}) *workflow.Node {
	return &workflow.Node{
		Key:      key,
		Type:     actionType,
		Params:   params,
		Settings: workflow.DefaultNodeSettings(),
	}
}

func errCode(ne *execution.NodeExecution) string {
	if ne.ErrorData == nil {
		return ""
	}
	code, _ := ne.ErrorData["code"].(string)
	return code
}

func TestExecuteNodeRendersParamsAndCompletes(t *testing.T) {
	var received map[string]interface{}
	r := registryWith(t, descriptor("test.echo", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			received = params
			return integration.OK(params)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("greet", "test.echo", map[string]interface{}{
		"message": "hello {{ $input.name }}",
		"age":     "{{ $input.age }}",
	})
	routed := map[string]interface{}{
		"main": map[string]interface{}{"name": "Ada", "age": 36},
	}

	ne := x.ExecuteNode(node, exec, routed)

	require.Equal(t, execution.NodeStatusCompleted, ne.Status)
	assert.Equal(t, "main", ne.OutputPort)
	assert.Equal(t, "hello Ada", received["message"])
	assert.Equal(t, 36, received["age"])
	assert.Equal(t, received, ne.Params)
	assert.Equal(t, 0, ne.RunIndex)
	require.NotNil(t, ne.DurationMS)
}

func TestExecuteNodeParamsErrorNeverRetries(t *testing.T) {
	invoked := false
	r := registryWith(t, descriptor("test.echo", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			invoked = true
			return integration.OK(nil)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("bad", "test.echo", map[string]interface{}{
		"value": "{{ $input.n | mod: 0 }}",
	})
	node.Settings = workflow.NodeSettings{RetryOnFailed: true, MaxRetries: 3, RetryDelayMS: 10}

	ne := x.ExecuteNode(node, exec, map[string]interface{}{
		"main": map[string]interface{}{"n": 4},
	})

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.False(t, invoked)
	assert.Equal(t, errs.CodeParamsError, errCode(ne))
	details := ne.ErrorData["details"].(map[string]interface{})
	assert.Equal(t, "expression_evaluation_failed", details["reason"])
	assert.Equal(t, "bad", details["node_key"])
}

func TestExecuteNodeActionNotFound(t *testing.T) {
	r := registryWith(t, descriptor("test.echo", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(nil)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("n", "test.missing", nil), exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeActionNotFound, errCode(ne))
}

func TestExecuteNodeValidatorRejectsParams(t *testing.T) {
	invoked := false
	action := &validatedStub{
		stubAction: stubAction{
			execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
				invoked = true
				return integration.OK(nil)
			},
		},
		validate: func(params map[string]interface{}) error {
			return errors.New("url is required")
		},
	}
	r := registryWith(t, descriptor("test.strict", action))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("n", "test.strict", map[string]interface{}{"a": 1}), exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.False(t, invoked)
	assert.Equal(t, errs.CodeParamsError, errCode(ne))
	details := ne.ErrorData["details"].(map[string]interface{})
	assert.Equal(t, "params_preparation_failed", details["reason"])
	assert.Equal(t, "error", ne.OutputPort)
}

func TestExecuteNodePanicBecomesExecutionFailure(t *testing.T) {
	r := registryWith(t, descriptor("test.boom", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			panic("kaboom")
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("n", "test.boom", nil), exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeActionExecutionFailed, errCode(ne))
	assert.Contains(t, ne.ErrorData["message"], "panicked")
}

func TestExecuteNodeUndeclaredPortFailsWithoutRetry(t *testing.T) {
	r := registryWith(t, descriptor("test.rogue", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(nil).WithPort("sideways")
		},
	}, "main", "error"))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("n", "test.rogue", nil)
	node.Settings = workflow.NodeSettings{RetryOnFailed: true, MaxRetries: 3, RetryDelayMS: 10}

	ne := x.ExecuteNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeInvalidOutputPort, errCode(ne))
}

func TestExecuteNodeNilResult(t *testing.T) {
	r := registryWith(t, descriptor("test.void", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return nil
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("n", "test.void", nil), exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeInvalidActionReturnFormat, errCode(ne))
}

func TestExecuteNodeDynamicPortAllowsAnything(t *testing.T) {
	r := registryWith(t, descriptor("test.router", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK("routed").WithPort("tier_3")
		},
	}, "*"))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("n", "test.router", nil), exec, nil)

	require.Equal(t, execution.NodeStatusCompleted, ne.Status)
	assert.Equal(t, "tier_3", ne.OutputPort)
}

func TestExecuteNodeFailureBecomesRetrySuspension(t *testing.T) {
	r := registryWith(t, descriptor("test.flaky", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Fail(errors.New("connection reset"))
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("fetch", "test.flaky", nil)
	node.Settings = workflow.NodeSettings{RetryOnFailed: true, MaxRetries: 2, RetryDelayMS: 1500}

	ne := x.ExecuteNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusSuspended, ne.Status)
	assert.Equal(t, execution.SuspendRetry, ne.SuspensionType)
	assert.Equal(t, 1, ne.SuspensionData["attempt_number"])
	assert.Equal(t, 2, ne.SuspensionData["max_attempts"])
	assert.Equal(t, engineClock.Add(1500*time.Millisecond).Format(time.RFC3339Nano), ne.SuspensionData["resume_at"])
	original := ne.SuspensionData["original_error"].(map[string]interface{})
	assert.Equal(t, errs.CodeActionError, original["code"])
	assert.Equal(t, "connection reset", original["message"])
}

func TestExecuteNodeRetryBudgetExhausted(t *testing.T) {
	r := registryWith(t, descriptor("test.flaky", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Fail(errors.New("still down"))
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("fetch", "test.flaky", nil)
	node.Settings = workflow.NodeSettings{RetryOnFailed: true, MaxRetries: 2, RetryDelayMS: 0}

	first := x.ExecuteNode(node, exec, nil)
	require.Equal(t, execution.NodeStatusSuspended, first.Status)
	exec.CompleteNode(first)

	second := x.RetryNode(node, exec, nil)
	require.Equal(t, execution.NodeStatusSuspended, second.Status)
	assert.Equal(t, 2, second.SuspensionData["attempt_number"])
	exec.CompleteNode(second)

	third := x.RetryNode(node, exec, nil)
	require.Equal(t, execution.NodeStatusFailed, third.Status)
	assert.Equal(t, errs.CodeActionError, errCode(third))
	assert.Equal(t, 2, third.RunIndex)
}

func TestRetryNodeShortCircuitsNonRetryableStoredError(t *testing.T) {
	invoked := false
	r := registryWith(t, descriptor("test.flaky", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			invoked = true
			return integration.OK(nil)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("fetch", "test.flaky", nil)

	// A retry suspension persisted by an older run can carry an error that
	// is no longer retryable; the retry must finalize it, not re-execute.
	stale := execution.NewNodeExecution("fetch", 0, 0, engineClock)
	stale.Suspend(execution.SuspendRetry, map[string]interface{}{
		"attempt_number": 1,
		"max_attempts":   3,
		"original_error": map[string]interface{}{
			"code":    errs.CodeParamsError,
			"message": "boom",
		},
	}, engineClock)
	exec.CompleteNode(stale)

	ne := x.RetryNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.False(t, invoked)
	assert.Equal(t, errs.CodeParamsError, errCode(ne))
	assert.Equal(t, 1, ne.RunIndex)
}

func TestResumeNodeFinishesSuspendedAttemptInPlace(t *testing.T) {
	var resumedParams map[string]interface{}
	var resumedPayload map[string]interface{}
	action := &resumableStub{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("webhook", map[string]interface{}{"resume_url": "https://x/resume/abc"})
		},
		resume: func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
			resumedParams = params
			resumedPayload = resumeData
			return integration.OK(resumeData)
		},
	}
	r := registryWith(t, descriptor("test.hook", action))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("approval", "test.hook", map[string]interface{}{"channel": "ops"})

	suspended := x.ExecuteNode(node, exec, nil)
	require.Equal(t, execution.NodeStatusSuspended, suspended.Status)
	exec.CompleteNode(suspended)

	payload := map[string]interface{}{"approved": true}
	ne := x.ResumeNode(node, exec, payload)

	require.Same(t, suspended, ne)
	require.Equal(t, execution.NodeStatusCompleted, ne.Status)
	assert.Equal(t, payload, ne.OutputData)
	assert.Equal(t, map[string]interface{}{"channel": "ops"}, resumedParams)
	assert.Equal(t, payload, resumedPayload)
	assert.Len(t, exec.NodeExecutions["approval"], 1)
}

func TestResumeNodeEmptyInput(t *testing.T) {
	var seenInput interface{}
	action := &resumableStub{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("interval", nil)
		},
		resume: func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
			seenInput = ctx.Input
			return integration.OK(nil)
		},
	}
	r := registryWith(t, descriptor("test.wait", action))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("wait", "test.wait", nil)
	exec.CompleteNode(x.ExecuteNode(node, exec, map[string]interface{}{"main": "upstream"}))

	ne := x.ResumeNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusCompleted, ne.Status)
	assert.Equal(t, map[string]interface{}{}, seenInput)
}

func TestResumeNodeWithoutResumableAction(t *testing.T) {
	r := registryWith(t, descriptor("test.plain", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("webhook", nil)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("n", "test.plain", nil)
	exec.CompleteNode(x.ExecuteNode(node, exec, nil))

	ne := x.ResumeNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeActionResumeFailed, errCode(ne))
	assert.Contains(t, ne.ErrorData["message"], "does not support resume")
}

func TestResumeNodeWithoutSuspendedAttempt(t *testing.T) {
	r := registryWith(t, descriptor("test.plain", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(nil)
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ResumeNode(testNode("n", "test.plain", nil), exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeActionResumeFailed, errCode(ne))
}

func TestResumePanicBecomesResumeFailure(t *testing.T) {
	action := &resumableStub{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("webhook", nil)
		},
		resume: func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
			panic("resume blew up")
		},
	}
	r := registryWith(t, descriptor("test.hook", action))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	node := testNode("n", "test.hook", nil)
	exec.CompleteNode(x.ExecuteNode(node, exec, nil))

	ne := x.ResumeNode(node, exec, nil)

	require.Equal(t, execution.NodeStatusFailed, ne.Status)
	assert.Equal(t, errs.CodeActionResumeFailed, errCode(ne))
}

func TestStateUpdatesSplitNodeContextFromSharedState(t *testing.T) {
	r := registryWith(t, descriptor("test.stateful", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(nil).WithState(map[string]interface{}{
				"node_context": map[string]interface{}{"attempts": 1},
				"stage":        "fetched",
			})
		},
	}))
	x := newTestNodeExecutor(r)

	exec := execution.New("wf_1", 1)
	ne := x.ExecuteNode(testNode("fetch", "test.stateful", nil), exec, nil)

	require.Equal(t, execution.NodeStatusCompleted, ne.Status)
	assert.Equal(t, map[string]interface{}{"attempts": 1}, exec.NodeContext("fetch"))
	assert.Equal(t, map[string]interface{}{"stage": "fetched"}, exec.SharedState())
}

func TestExecuteNodeInputCollapsing(t *testing.T) {
	var seen interface{}
	r := registryWith(t, descriptor("test.spy", &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			seen = ctx.Input
			return integration.OK(nil)
		},
	}))
	x := newTestNodeExecutor(r)
	node := testNode("n", "test.spy", nil)

	t.Run("single main entry collapses", func(t *testing.T) {
		exec := execution.New("wf_1", 1)
		x.ExecuteNode(node, exec, map[string]interface{}{
			"main": map[string]interface{}{"user_id": "u1"},
		})
		assert.Equal(t, map[string]interface{}{"user_id": "u1"}, seen)
	})

	t.Run("multi port stays keyed", func(t *testing.T) {
		exec := execution.New("wf_1", 1)
		routed := map[string]interface{}{"left": 1, "right": 2}
		x.ExecuteNode(node, exec, routed)
		assert.Equal(t, map[string]interface{}{"left": 1, "right": 2}, seen)
	})

	t.Run("single non default port stays keyed", func(t *testing.T) {
		exec := execution.New("wf_1", 1)
		routed := map[string]interface{}{"left": 1}
		x.ExecuteNode(node, exec, routed)
		assert.Equal(t, map[string]interface{}{"left": 1}, seen)
	})
}
