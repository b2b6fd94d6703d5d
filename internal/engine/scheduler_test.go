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

type preparingStub struct {
	stubAction
	prepare func(node *workflow.Node, ctx *integration.PrepareContext) (map[string]interface{}, error)
}

func (a *preparingStub) Prepare(node *workflow.Node, ctx *integration.PrepareContext) (map[string]interface{}, error) {
	return a.prepare(node, ctx)
}

func newTestGraphExecutor(r *integration.Registry) *GraphExecutor {
	g := NewGraphExecutor(r, logger.NewNop(), errortracker.NopTracker{})
	g.now = func() time.Time { return engineClock }
	g.nodes.now = g.now
	return g
}

func compileWorkflow(t *testing.T, wf *workflow.Workflow) *workflow.ExecutionGraph {
	t.Helper()
	graph, err := workflow.Compile(wf, nil)
	require.NoError(t, err)
	return graph
}

func connect(conns ...workflow.Connection) map[string]map[string][]workflow.Connection {
	out := map[string]map[string][]workflow.Connection{}
	for _, conn := range conns {
		port := conn.FromPort
		if port == "" {
			port = workflow.DefaultPort
		}
		if out[conn.From] == nil {
			out[conn.From] = map[string][]workflow.Connection{}
		}
		out[conn.From][port] = append(out[conn.From][port], conn)
	}
	return out
}

// flowRegistry builds the action set the scheduler tests run against.
func flowRegistry(t *testing.T) *integration.Registry {
	t.Helper()
	echo := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(ctx.Input)
		},
	}
	set := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.OK(map[string]interface{}{"data": params["data"]})
		},
	}
	ageCheck := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			input, _ := ctx.Input.(map[string]interface{})
			age, _ := toInt(input["age"])
			port := "false"
			if age >= 18 {
				port = "true"
			}
			return integration.OK(ctx.Input).WithPort(port)
		},
	}
	attempt := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			if ctx.RunIndex < 2 {
				return integration.OK(map[string]interface{}{"attempt": ctx.RunIndex}).WithPort("error")
			}
			return integration.OK(map[string]interface{}{"attempt": ctx.RunIndex}).WithPort("success")
		},
	}
	double := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			counter, _ := toInt(ctx.State["counter"])
			if counter == 0 {
				counter = 1
			}
			return integration.OK(nil).WithState(map[string]interface{}{"counter": counter * 2})
		},
	}
	broken := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Fail(errors.New("upstream unavailable"))
		},
	}
	flaky := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			if ctx.RunIndex == 0 {
				return integration.Fail(errors.New("transient"))
			}
			return integration.OK(map[string]interface{}{"recovered": true})
		},
	}
	gate := &resumableStub{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("webhook", map[string]interface{}{"resume_url": "https://x/resume/abc"})
		},
		resume: func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
			return integration.OK(resumeData)
		},
	}
	spawn := &resumableStub{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			return integration.Suspend("sub_workflow_fire_forget", map[string]interface{}{
				"workflow_id":    params["workflow_id"],
				"execution_mode": "fire_and_forget",
			})
		},
		resume: func(params map[string]interface{}, ctx *integration.ExecutionContext, resumeData map[string]interface{}) *integration.Result {
			return integration.OK(resumeData)
		},
	}
	counter := &stubAction{
		execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
			if ctx.RunIndex < 2 {
				return integration.OK(map[string]interface{}{"n": ctx.RunIndex}).WithPort("next")
			}
			return integration.OK(map[string]interface{}{"n": ctx.RunIndex}).WithPort("done")
		},
	}

	r := integration.NewRegistry()
	require.NoError(t, r.Register(&integration.Integration{
		Name: "flow",
		Actions: []integration.ActionDescriptor{
			{Name: "flow.trigger", Kind: integration.KindTrigger, Action: echo, OutputPorts: []string{"main"}},
			{Name: "flow.echo", Kind: integration.KindAction, Action: echo, OutputPorts: []string{"main"}},
			{Name: "flow.set", Kind: integration.KindAction, Action: set, OutputPorts: []string{"main"}},
			{Name: "flow.age_check", Kind: integration.KindLogic, Action: ageCheck, OutputPorts: []string{"true", "false"}},
			{Name: "flow.attempt", Kind: integration.KindAction, Action: attempt, OutputPorts: []string{"success", "error"}},
			{Name: "flow.double", Kind: integration.KindAction, Action: double, OutputPorts: []string{"main"}},
			{Name: "flow.broken", Kind: integration.KindAction, Action: broken, OutputPorts: []string{"main", "error"}},
			{Name: "flow.flaky", Kind: integration.KindAction, Action: flaky, OutputPorts: []string{"main", "error"}},
			{Name: "flow.gate", Kind: integration.KindWait, Action: gate, OutputPorts: []string{"main"}},
			{Name: "flow.spawn", Kind: integration.KindAction, Action: spawn, OutputPorts: []string{"main"}},
			{Name: "flow.counter", Kind: integration.KindAction, Action: counter, OutputPorts: []string{"next", "done"}},
		},
	}))
	return r
}

func runToStatus(t *testing.T, g *GraphExecutor, graph *workflow.ExecutionGraph, opts RunOptions) *execution.WorkflowExecution {
	t.Helper()
	exec, err := g.InitializeExecution(graph, opts)
	require.NoError(t, err)
	require.NoError(t, g.ExecuteWorkflow(graph, exec))
	return exec
}

func TestInitializeExecution(t *testing.T) {
	prep := &preparingStub{
		stubAction: stubAction{
			execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
				return integration.OK(nil)
			},
		},
		prepare: func(node *workflow.Node, ctx *integration.PrepareContext) (map[string]interface{}, error) {
			return map[string]interface{}{
				"resume_url": "https://x/resume/" + ctx.ExecutionID,
			}, nil
		},
	}
	r := flowRegistry(t)
	require.NoError(t, r.Register(&integration.Integration{
		Name: "prep",
		Actions: []integration.ActionDescriptor{
			{Name: "prep.hook", Kind: integration.KindWait, Action: prep, OutputPorts: []string{"main"}},
		},
	}))
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_init",
		Version: 3,
		Nodes: []workflow.Node{
			{Key: "start", Type: "flow.trigger"},
			{Key: "hook", Type: "prep.hook"},
		},
		Connections: connect(workflow.Connection{From: "start", To: "hook"}),
		Variables:   map[string]interface{}{"tier": "basic", "region": "us"},
	}
	graph := compileWorkflow(t, wf)

	exec, err := g.InitializeExecution(graph, RunOptions{
		TriggerType:       "webhook",
		TriggerData:       map[string]interface{}{"user_id": "u1"},
		Vars:              map[string]interface{}{"tier": "pro"},
		Env:               map[string]interface{}{"api_key": "k"},
		Mode:              execution.ModeAsync,
		ParentExecutionID: "exec_parent",
	})
	require.NoError(t, err)

	assert.Equal(t, execution.StatusPending, exec.Status)
	assert.Equal(t, "wf_init", exec.WorkflowID)
	assert.Equal(t, 3, exec.WorkflowVersion)
	assert.Equal(t, execution.ModeAsync, exec.ExecutionMode)
	assert.Equal(t, "webhook", exec.TriggerType)
	assert.Equal(t, "exec_parent", exec.ParentExecutionID)
	assert.Equal(t, map[string]interface{}{"tier": "pro", "region": "us"}, exec.Vars)
	assert.Equal(t, map[string]interface{}{"api_key": "k"}, exec.Runtime().Env)
	assert.Equal(t, map[string]int{"start": 0}, exec.ActiveNodes())

	prepData, ok := exec.PreparationData["hook"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://x/resume/"+exec.ID, prepData["resume_url"])
}

func TestInitializeExecutionPrepareFailure(t *testing.T) {
	prep := &preparingStub{
		stubAction: stubAction{
			execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
				return integration.OK(nil)
			},
		},
		prepare: func(node *workflow.Node, ctx *integration.PrepareContext) (map[string]interface{}, error) {
			return nil, errors.New("webhook registry offline")
		},
	}
	r := flowRegistry(t)
	require.NoError(t, r.Register(&integration.Integration{
		Name: "prep",
		Actions: []integration.ActionDescriptor{
			{Name: "prep.hook", Kind: integration.KindWait, Action: prep, OutputPorts: []string{"main"}},
		},
	}))
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_init",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "start", Type: "flow.trigger"},
			{Key: "hook", Type: "prep.hook"},
		},
		Connections: connect(workflow.Connection{From: "start", To: "hook"}),
	}
	graph := compileWorkflow(t, wf)

	_, err := g.InitializeExecution(graph, RunOptions{})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "hook", e.Details["node_key"])
	assert.Equal(t, "prepare", e.Details["phase"])
}

func TestExecuteWorkflowSequentialChain(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_seq",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "set_data", Type: "flow.set", Params: map[string]interface{}{
				"data": map[string]interface{}{
					"user_id": "{{ $input.user_id }}",
					"age":     "{{ $input.age }}",
				},
			}},
			{Key: "process_adult", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "set_data"},
			workflow.Connection{From: "set_data", To: "process_adult"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{
		TriggerData: map[string]interface{}{"user_id": "u1", "name": "J", "age": 25},
	})

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Empty(t, exec.ActiveNodes())

	trig := exec.LatestCompleted("trigger")
	require.NotNil(t, trig)
	assert.Equal(t, map[string]interface{}{"user_id": "u1", "name": "J", "age": 25}, trig.OutputData)

	setData := exec.LatestCompleted("set_data")
	require.NotNil(t, setData)
	out := setData.OutputData.(map[string]interface{})
	data := out["data"].(map[string]interface{})
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, 25, data["age"])

	leaf := exec.LatestCompleted("process_adult")
	require.NotNil(t, leaf)
	assert.Equal(t, out, leaf.OutputData)

	assert.Equal(t, 0, trig.ExecutionIndex)
	assert.Equal(t, 1, setData.ExecutionIndex)
	assert.Equal(t, 2, leaf.ExecutionIndex)
	assert.Equal(t, 3, exec.CurrentExecutionIndex)
}

func TestConditionalBranchRunsExactlyOneLeaf(t *testing.T) {
	r := flowRegistry(t)

	buildGraph := func(t *testing.T) *workflow.ExecutionGraph {
		wf := &workflow.Workflow{
			ID:      "wf_cond",
			Version: 1,
			Nodes: []workflow.Node{
				{Key: "trigger", Type: "flow.trigger"},
				{Key: "age_check", Type: "flow.age_check"},
				{Key: "process_adult", Type: "flow.echo"},
				{Key: "process_minor", Type: "flow.echo"},
			},
			Connections: connect(
				workflow.Connection{From: "trigger", To: "age_check"},
				workflow.Connection{From: "age_check", FromPort: "true", To: "process_adult"},
				workflow.Connection{From: "age_check", FromPort: "false", To: "process_minor"},
			),
		}
		return compileWorkflow(t, wf)
	}

	cases := []struct {
		name    string
		age     int
		ran     string
		skipped string
	}{
		{name: "adult", age: 25, ran: "process_adult", skipped: "process_minor"},
		{name: "minor", age: 16, ran: "process_minor", skipped: "process_adult"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGraphExecutor(r)
			exec := runToStatus(t, g, buildGraph(t), RunOptions{
				TriggerData: map[string]interface{}{"age": tc.age},
			})

			assert.Equal(t, execution.StatusCompleted, exec.Status)
			assert.Len(t, exec.NodeExecutions[tc.ran], 1)
			assert.Empty(t, exec.NodeExecutions[tc.skipped])
			assert.Empty(t, exec.ActiveNodes())
		})
	}
}

func TestBranchFanOutRunsDepthFirst(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	var order []string
	g.OnNodeExecuted = func(exec *execution.WorkflowExecution, ne *execution.NodeExecution) {
		order = append(order, ne.NodeKey)
	}

	wf := &workflow.Workflow{
		ID:      "wf_fan",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "alpha", Type: "flow.echo"},
			{Key: "alpha_child", Type: "flow.echo"},
			{Key: "beta", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "alpha"},
			workflow.Connection{From: "trigger", To: "beta"},
			workflow.Connection{From: "alpha", To: "alpha_child"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	// alpha wins the activation tie lexicographically; its child is then
	// the newest activation and runs before the sibling branch.
	assert.Equal(t, []string{"trigger", "alpha", "alpha_child", "beta"}, order)
}

func TestMergeJoinWaitsForAllInboundPorts(t *testing.T) {
	r := flowRegistry(t)
	var seen interface{}
	require.NoError(t, r.Register(&integration.Integration{
		Name: "merge",
		Actions: []integration.ActionDescriptor{
			{
				Name: "merge.combine",
				Kind: integration.KindAction,
				Action: &stubAction{
					execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
						seen = ctx.Input
						return integration.OK(ctx.Input)
					},
				},
				InputPorts:  []string{"left", "right"},
				OutputPorts: []string{"main"},
			},
		},
	}))
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_join",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "a", Type: "flow.set", Params: map[string]interface{}{"data": "from_a"}},
			{Key: "b", Type: "flow.set", Params: map[string]interface{}{"data": "from_b"}},
			{Key: "join", Type: "merge.combine"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "a"},
			workflow.Connection{From: "trigger", To: "b"},
			workflow.Connection{From: "a", To: "join", ToPort: "left"},
			workflow.Connection{From: "b", To: "join", ToPort: "right"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	require.Len(t, exec.NodeExecutions["join"], 1)

	// Multi-port input stays keyed by inbound port.
	input, ok := seen.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"data": "from_a"}, input["left"])
	assert.Equal(t, map[string]interface{}{"data": "from_b"}, input["right"])
}

func TestLoopIteratesUntilSuccess(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_loop",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "attempt", Type: "flow.attempt"},
			{Key: "retry_check", Type: "flow.echo"},
			{Key: "increment_retry", Type: "flow.double"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "attempt"},
			workflow.Connection{From: "attempt", FromPort: "error", To: "retry_check"},
			workflow.Connection{From: "retry_check", To: "increment_retry"},
			workflow.Connection{From: "increment_retry", To: "attempt"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	assert.Equal(t, execution.StatusCompleted, exec.Status)

	attempts := exec.NodeExecutions["attempt"]
	require.Len(t, attempts, 3)
	for i, ne := range attempts {
		assert.Equal(t, i, ne.RunIndex)
		assert.Equal(t, execution.NodeStatusCompleted, ne.Status)
	}
	assert.Equal(t, "error", attempts[0].OutputPort)
	assert.Equal(t, "error", attempts[1].OutputPort)
	assert.Equal(t, "success", attempts[2].OutputPort)

	assert.Len(t, exec.NodeExecutions["increment_retry"], 2)

	// Doubling twice from the implicit 1: 1*2 = 2, then 2*2 = 4.
	assert.Equal(t, 4, exec.SharedState()["counter"])

	// Execution indices stay strictly increasing across the whole run.
	var indices []int
	for _, list := range exec.NodeExecutions {
		for _, ne := range list {
			indices = append(indices, ne.ExecutionIndex)
		}
	}
	seen := map[int]bool{}
	for _, idx := range indices {
		assert.False(t, seen[idx], "execution index %d assigned twice", idx)
		seen[idx] = true
		assert.Less(t, idx, exec.CurrentExecutionIndex)
	}
}

func TestNodeFailureFailsExecution(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_fail",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "broken", Type: "flow.broken"},
			{Key: "never", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "broken"},
			workflow.Connection{From: "broken", To: "never"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	assert.Equal(t, execution.StatusFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.Empty(t, exec.NodeExecutions["never"])

	failed := exec.LatestExecution("broken")
	require.NotNil(t, failed)
	assert.Equal(t, execution.NodeStatusFailed, failed.Status)
	assert.Equal(t, errs.CodeActionError, errCode(failed))
}

func TestSuspendAndResumeWebhook(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_hook",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "approval", Type: "flow.gate"},
			{Key: "after", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "approval"},
			workflow.Connection{From: "approval", To: "after"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	require.Equal(t, execution.StatusSuspended, exec.Status)
	assert.Equal(t, "approval", exec.SuspendedNodeID)
	assert.Equal(t, execution.SuspendWebhook, exec.SuspensionType)
	assert.Equal(t, "https://x/resume/abc", exec.SuspensionData["resume_url"])
	require.NotNil(t, exec.SuspendedAt)
	assert.Empty(t, exec.ActiveNodes())
	assert.Empty(t, exec.NodeExecutions["after"])

	suspended := exec.LatestExecution("approval")
	require.NotNil(t, suspended)
	assert.Equal(t, execution.NodeStatusSuspended, suspended.Status)
	indexAtSuspend := exec.CurrentExecutionIndex

	payload := map[string]interface{}{"approved": true}
	require.NoError(t, g.ResumeWorkflow(graph, exec, payload))

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	assert.Empty(t, exec.SuspendedNodeID)
	assert.Nil(t, exec.SuspendedAt)

	// The suspended attempt finished in place: still one record, original
	// execution index, no extra counter bump.
	records := exec.NodeExecutions["approval"]
	require.Len(t, records, 1)
	assert.Equal(t, execution.NodeStatusCompleted, records[0].Status)
	assert.Equal(t, payload, records[0].OutputData)
	assert.Equal(t, suspended.ExecutionIndex, records[0].ExecutionIndex)

	after := exec.LatestCompleted("after")
	require.NotNil(t, after)
	assert.Equal(t, payload, after.OutputData)
	assert.Equal(t, indexAtSuspend, after.ExecutionIndex)
}

func TestResumeWorkflowGuards(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_guard",
		Version: 1,
		Nodes:   []workflow.Node{{Key: "trigger", Type: "flow.trigger"}},
	}
	graph := compileWorkflow(t, wf)

	t.Run("resume of a non suspended execution", func(t *testing.T) {
		exec := runToStatus(t, g, graph, RunOptions{})
		require.Equal(t, execution.StatusCompleted, exec.Status)

		err := g.ResumeWorkflow(graph, exec, nil)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.CodeInvalidStateTransition, e.Code)
	})

	t.Run("execute of a finished execution", func(t *testing.T) {
		exec := runToStatus(t, g, graph, RunOptions{})
		err := g.ExecuteWorkflow(graph, exec)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.CodeInvalidStateTransition, e.Code)
	})

	t.Run("suspension fields out of sync with records", func(t *testing.T) {
		exec := runToStatus(t, g, graph, RunOptions{})
		exec.MarkSuspended("trigger", execution.SuspendWebhook, nil, engineClock)

		err := g.ResumeWorkflow(graph, exec, nil)
		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.CodeInvalidStateTransition, e.Code)
	})
}

func TestRetrySuspensionResumesAsFreshAttempt(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_retry",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "fetch", Type: "flow.flaky", Settings: workflow.NodeSettings{
				RetryOnFailed: true,
				MaxRetries:    2,
				RetryDelayMS:  100,
			}},
			{Key: "after", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "fetch"},
			workflow.Connection{From: "fetch", To: "after"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	require.Equal(t, execution.StatusSuspended, exec.Status)
	assert.Equal(t, execution.SuspendRetry, exec.SuspensionType)
	assert.Equal(t, 1, exec.SuspensionData["attempt_number"])
	assert.Equal(t, engineClock.Add(100*time.Millisecond).Format(time.RFC3339Nano), exec.SuspensionData["resume_at"])

	require.NoError(t, g.ResumeWorkflow(graph, exec, nil))

	assert.Equal(t, execution.StatusCompleted, exec.Status)

	records := exec.NodeExecutions["fetch"]
	require.Len(t, records, 2)
	assert.Equal(t, execution.NodeStatusSuspended, records[0].Status)
	assert.Equal(t, execution.NodeStatusCompleted, records[1].Status)
	assert.Equal(t, 0, records[0].RunIndex)
	assert.Equal(t, 1, records[1].RunIndex)
	assert.Greater(t, records[1].ExecutionIndex, records[0].ExecutionIndex)

	after := exec.LatestCompleted("after")
	require.NotNil(t, after)
	assert.Equal(t, map[string]interface{}{"recovered": true}, after.OutputData)
}

func TestFireForgetSuspensionResumesWithReceipt(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_parent",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "spawn_child", Type: "flow.spawn", Params: map[string]interface{}{
				"workflow_id": "W",
			}},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "spawn_child"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	require.Equal(t, execution.StatusSuspended, exec.Status)
	assert.Equal(t, execution.SuspendSubWorkflowFireForget, exec.SuspensionType)
	assert.Equal(t, "W", exec.SuspensionData["workflow_id"])
	assert.Equal(t, "fire_and_forget", exec.SuspensionData["execution_mode"])

	// The runner enqueues the child and resumes the parent immediately.
	receipt := map[string]interface{}{"sub_workflow_status": "enqueued", "workflow_id": "W"}
	require.NoError(t, g.ResumeWorkflow(graph, exec, receipt))

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	leaf := exec.LatestCompleted("spawn_child")
	require.NotNil(t, leaf)
	assert.Equal(t, receipt, leaf.OutputData)
	assert.Equal(t, "main", leaf.OutputPort)
}

func TestSelfLoopReexecutesUntilExitPort(t *testing.T) {
	r := flowRegistry(t)
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_self",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "poll", Type: "flow.counter"},
			{Key: "sink", Type: "flow.echo"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "poll"},
			workflow.Connection{From: "poll", FromPort: "next", To: "poll"},
			workflow.Connection{From: "poll", FromPort: "done", To: "sink"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{})

	assert.Equal(t, execution.StatusCompleted, exec.Status)
	require.Len(t, exec.NodeExecutions["poll"], 3)
	assert.Len(t, exec.NodeExecutions["sink"], 1)

	sink := exec.LatestCompleted("sink")
	require.NotNil(t, sink)
	assert.Equal(t, map[string]interface{}{"n": 2}, sink.OutputData)
}

func TestQuiescenceClearsUnsatisfiableJoin(t *testing.T) {
	r := flowRegistry(t)
	require.NoError(t, r.Register(&integration.Integration{
		Name: "merge",
		Actions: []integration.ActionDescriptor{
			{
				Name: "merge.combine",
				Kind: integration.KindAction,
				Action: &stubAction{
					execute: func(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
						return integration.OK(ctx.Input)
					},
				},
				InputPorts:  []string{"left", "right"},
				OutputPorts: []string{"main"},
			},
		},
	}))
	g := newTestGraphExecutor(r)

	wf := &workflow.Workflow{
		ID:      "wf_stuck",
		Version: 1,
		Nodes: []workflow.Node{
			{Key: "trigger", Type: "flow.trigger"},
			{Key: "age_check", Type: "flow.age_check"},
			{Key: "adult_path", Type: "flow.echo"},
			{Key: "minor_path", Type: "flow.echo"},
			{Key: "join", Type: "merge.combine"},
		},
		Connections: connect(
			workflow.Connection{From: "trigger", To: "age_check"},
			workflow.Connection{From: "age_check", FromPort: "true", To: "adult_path"},
			workflow.Connection{From: "age_check", FromPort: "false", To: "minor_path"},
			workflow.Connection{From: "adult_path", To: "join", ToPort: "left"},
			workflow.Connection{From: "minor_path", To: "join", ToPort: "right"},
		),
	}
	graph := compileWorkflow(t, wf)

	exec := runToStatus(t, g, graph, RunOptions{
		TriggerData: map[string]interface{}{"age": 30},
	})

	// The join can never fire with only one branch taken; quiescence
	// completes the run and clears it from the active set.
	assert.Equal(t, execution.StatusCompleted, exec.Status)
	assert.Empty(t, exec.NodeExecutions["join"])
	assert.Empty(t, exec.NodeExecutions["minor_path"])
	assert.Empty(t, exec.ActiveNodes())
}
