package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewExecution(t *testing.T) {
	e := New("wf_orders", 3)

	assert.Contains(t, e.ID, "exec_")
	assert.Equal(t, "wf_orders", e.WorkflowID)
	assert.Equal(t, 3, e.WorkflowVersion)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, ModeSync, e.ExecutionMode)
	assert.Equal(t, 0, e.CurrentExecutionIndex)
	assert.Empty(t, e.NodeExecutions)
	assert.Empty(t, e.ActiveNodes())
	assert.Empty(t, e.SharedState())
}

func TestStatusTransitions(t *testing.T) {
	e := New("wf", 1)

	e.MarkRunning(testClock)
	assert.Equal(t, StatusRunning, e.Status)
	require.NotNil(t, e.StartedAt)
	assert.Equal(t, testClock, *e.StartedAt)

	// A later MarkRunning keeps the original start time.
	e.MarkRunning(testClock.Add(time.Minute))
	assert.Equal(t, testClock, *e.StartedAt)

	e.MarkSuspended("wait_timer", SuspendInterval, map[string]interface{}{"resume_at": "later"}, testClock)
	assert.Equal(t, StatusSuspended, e.Status)
	assert.Equal(t, "wait_timer", e.SuspendedNodeID)
	assert.Equal(t, SuspendInterval, e.SuspensionType)
	require.NotNil(t, e.SuspendedAt)

	e.MarkCompleted(testClock.Add(time.Hour))
	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	assert.Empty(t, e.SuspendedNodeID)
	assert.Empty(t, string(e.SuspensionType))
	assert.Nil(t, e.SuspensionData)
	assert.Nil(t, e.SuspendedAt)
}

func TestCompleteNodeOrdersIndices(t *testing.T) {
	e := New("wf", 1)

	for i := 0; i < 3; i++ {
		ne := NewNodeExecution("attempt", e.CurrentExecutionIndex, e.NextRunIndex("attempt"), testClock)
		ne.Complete(map[string]interface{}{"try": i}, "main", testClock)
		e.CompleteNode(ne)
	}

	records := e.NodeExecutions["attempt"]
	require.Len(t, records, 3)
	for i, ne := range records {
		assert.Equal(t, i, ne.RunIndex, "run_index counts attempts from zero")
		assert.Equal(t, i, ne.ExecutionIndex, "execution_index stamps pre-increment counter")
	}
	assert.Equal(t, 3, e.CurrentExecutionIndex)
}

func TestLatestCompletedSkipsFailures(t *testing.T) {
	e := New("wf", 1)

	first := NewNodeExecution("api", 0, 0, testClock)
	first.Complete(map[string]interface{}{"v": 1}, "main", testClock)
	e.CompleteNode(first)

	second := NewNodeExecution("api", 1, 1, testClock)
	second.Fail(map[string]interface{}{"code": "action_error"}, "error", testClock)
	e.CompleteNode(second)

	latest := e.LatestExecution("api")
	require.NotNil(t, latest)
	assert.Equal(t, NodeStatusFailed, latest.Status)

	completed := e.LatestCompleted("api")
	require.NotNil(t, completed)
	assert.Equal(t, map[string]interface{}{"v": 1}, completed.OutputData)

	assert.True(t, e.HasCompletedWithPort("api", "main"))
	assert.False(t, e.HasCompletedWithPort("api", "error"))
	assert.Nil(t, e.LatestCompleted("missing"))
}

func TestActivateNodeKeepsOriginalIndex(t *testing.T) {
	e := New("wf", 1)

	e.ActivateNode("loop_head", 2)
	e.ActivateNode("loop_head", 7)
	assert.Equal(t, 2, e.ActiveNodes()["loop_head"])

	e.DeactivateNode("loop_head")
	assert.Empty(t, e.ActiveNodes())

	e.ActivateNode("loop_head", 7)
	assert.Equal(t, 7, e.ActiveNodes()["loop_head"])
}

func TestNodeRuntimeRefreshOnComplete(t *testing.T) {
	e := New("wf", 1)
	e.SetEnv(map[string]interface{}{"API_KEY": "k"})

	ne := NewNodeExecution("api", 0, 0, testClock)
	ne.Complete(map[string]interface{}{"id": 42}, "main", testClock)
	e.CompleteNode(ne)

	entry, ok := e.Runtime().Nodes["api"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"id": 42}, entry["output"])
	assert.Equal(t, map[string]interface{}{}, entry["context"])

	// Failed attempts leave the cache on the last completed output.
	failed := NewNodeExecution("api", 1, 1, testClock)
	failed.Fail(map[string]interface{}{"code": "action_error"}, "error", testClock)
	e.CompleteNode(failed)

	entry = e.Runtime().Nodes["api"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"id": 42}, entry["output"])
}

func TestUpdateNodeContextDeepMerges(t *testing.T) {
	e := New("wf", 1)

	ne := NewNodeExecution("counter", 0, 0, testClock)
	ne.Complete(map[string]interface{}{"n": 0}, "main", testClock)
	e.CompleteNode(ne)

	e.UpdateNodeContext("counter", map[string]interface{}{
		"stats": map[string]interface{}{"runs": 1},
		"tag":   "a",
	})
	e.UpdateNodeContext("counter", map[string]interface{}{
		"stats": map[string]interface{}{"errors": 0},
	})

	bag := e.NodeContext("counter")
	assert.Equal(t, map[string]interface{}{
		"stats": map[string]interface{}{"runs": 1, "errors": 0},
		"tag":   "a",
	}, bag)

	entry := e.Runtime().Nodes["counter"].(map[string]interface{})
	assert.Equal(t, bag, entry["context"])
}

func TestUpdateExecutionContextDeepMerges(t *testing.T) {
	e := New("wf", 1)

	e.UpdateExecutionContext(map[string]interface{}{"retries": 0, "flags": map[string]interface{}{"a": true}})
	e.UpdateExecutionContext(map[string]interface{}{"retries": 1, "flags": map[string]interface{}{"b": false}})

	assert.Equal(t, map[string]interface{}{
		"retries": 1,
		"flags":   map[string]interface{}{"a": true, "b": false},
	}, e.SharedState())
}

func TestDeepMergeReplacesNonMapValues(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1}, "b": 2}
	src := map[string]interface{}{"a": "flattened", "c": 3}

	out := deepMerge(dst, src)

	assert.Equal(t, map[string]interface{}{"a": "flattened", "b": 2, "c": 3}, out)
	// Source maps stay untouched.
	assert.Equal(t, map[string]interface{}{"a": map[string]interface{}{"x": 1}, "b": 2}, dst)
}

func TestRebuildRuntimeIdempotent(t *testing.T) {
	e := New("wf", 1)

	ne := NewNodeExecution("api", 0, 0, testClock)
	ne.Complete(map[string]interface{}{"id": 1}, "main", testClock)
	e.CompleteNode(ne)
	e.UpdateNodeContext("api", map[string]interface{}{"seen": true})

	env := map[string]interface{}{"TOKEN": "t"}
	e.RebuildRuntime(env)
	first := e.Runtime().Nodes["api"]
	e.RebuildRuntime(env)
	second := e.Runtime().Nodes["api"]

	assert.Equal(t, first, second)
	assert.Equal(t, env, e.Runtime().Env)

	entry := second.(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"id": 1}, entry["output"])
	assert.Equal(t, map[string]interface{}{"seen": true}, entry["context"])
}

func TestNodeExecutionLifecycle(t *testing.T) {
	ne := NewNodeExecution("wait_timer", 4, 0, testClock)
	assert.Equal(t, NodeStatusRunning, ne.Status)

	ne.Suspend(SuspendInterval, map[string]interface{}{"resume_at": "soon"}, testClock.Add(2*time.Second))
	assert.Equal(t, NodeStatusSuspended, ne.Status)
	require.NotNil(t, ne.DurationMS)
	assert.Equal(t, int64(2000), *ne.DurationMS)

	ne.ResumeRunning()
	assert.Equal(t, NodeStatusRunning, ne.Status)
	assert.Nil(t, ne.CompletedAt)
	assert.Nil(t, ne.DurationMS)

	ne.Complete(map[string]interface{}{"done": true}, "main", testClock.Add(3*time.Second))
	assert.Equal(t, NodeStatusCompleted, ne.Status)
	assert.Equal(t, "main", ne.OutputPort)
	require.NotNil(t, ne.DurationMS)
	assert.Equal(t, int64(3000), *ne.DurationMS)
}
