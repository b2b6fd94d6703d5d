package execution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSuspendedExecution(t *testing.T) *WorkflowExecution {
	t.Helper()

	e := New("wf_orders", 2)
	e.ExecutionMode = ModeAsync
	e.TriggerType = "webhook"
	e.TriggerData = map[string]interface{}{"order_id": "ord_1"}
	e.Vars = map[string]interface{}{"region": "eu"}
	e.ParentExecutionID = "exec_parent"
	e.MarkRunning(testClock)

	first := NewNodeExecution("fetch", e.CurrentExecutionIndex, e.NextRunIndex("fetch"), testClock)
	first.Params = map[string]interface{}{"url": "https://example.com"}
	first.Complete(map[string]interface{}{"body": "ok"}, "main", testClock.Add(time.Second))
	e.CompleteNode(first)

	second := NewNodeExecution("fetch", e.CurrentExecutionIndex, e.NextRunIndex("fetch"), testClock.Add(2*time.Second))
	second.Fail(map[string]interface{}{"code": "action_error", "message": "boom"}, "error", testClock.Add(3*time.Second))
	e.CompleteNode(second)

	wait := NewNodeExecution("wait_timer", e.CurrentExecutionIndex, e.NextRunIndex("wait_timer"), testClock.Add(4*time.Second))
	wait.Suspend(SuspendWebhook, map[string]interface{}{"resume_id": "exec_1_abc"}, testClock.Add(5*time.Second))
	e.CompleteNode(wait)

	e.UpdateNodeContext("fetch", map[string]interface{}{"attempts": "two"})
	e.UpdateExecutionContext(map[string]interface{}{"stage": "waiting"})
	e.ActivateNode("after_wait", 3)
	e.MarkSuspended("wait_timer", SuspendWebhook, map[string]interface{}{"resume_id": "exec_1_abc"}, testClock.Add(5*time.Second))
	e.PreparationData = map[string]interface{}{"wait_timer": map[string]interface{}{"resume_url": "https://base/webhook/workflow/resume/exec_1_abc"}}
	return e
}

func TestToMapShape(t *testing.T) {
	e := buildSuspendedExecution(t)
	m := e.ToMap()

	assert.Equal(t, "suspended", m["status"])
	assert.Equal(t, "async", m["execution_mode"])
	assert.Equal(t, "webhook", m["suspension_type"])
	assert.Equal(t, "wait_timer", m["suspended_node_id"])
	assert.Equal(t, "2025-03-01T12:00:00Z", m["started_at"])
	assert.Equal(t, "2025-03-01T12:00:05Z", m["suspended_at"])
	assert.Equal(t, 3, m["current_execution_index"])

	nodeExecs, ok := m["node_executions"].(map[string]interface{})
	require.True(t, ok)
	fetchList, ok := nodeExecs["fetch"].([]interface{})
	require.True(t, ok)
	require.Len(t, fetchList, 2)

	firstMap := fetchList[0].(map[string]interface{})
	assert.Equal(t, "completed", firstMap["status"])
	assert.Equal(t, "main", firstMap["output_port"])
	assert.Equal(t, 0, firstMap["execution_index"])
	assert.Equal(t, 0, firstMap["run_index"])
	assert.Equal(t, int64(1000), firstMap["duration_ms"])

	secondMap := fetchList[1].(map[string]interface{})
	assert.Equal(t, "failed", secondMap["status"])
	assert.Equal(t, map[string]interface{}{"code": "action_error", "message": "boom"}, secondMap["error_data"])
	_, hasOutput := secondMap["output_data"]
	assert.False(t, hasOutput)

	execData := m["execution_data"].(map[string]interface{})
	contextData := execData["context_data"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"stage": "waiting"}, contextData["workflow"])
	nodeBags := contextData["node"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"attempts": "two"}, nodeBags["fetch"])
	assert.Equal(t, map[string]interface{}{"after_wait": 3}, execData["active_nodes"])
}

func TestToMapOmitsEmptySuspension(t *testing.T) {
	e := New("wf", 1)
	m := e.ToMap()

	for _, key := range []string{"suspended_node_id", "suspension_type", "suspension_data", "suspended_at", "started_at", "completed_at", "parent_execution_id"} {
		_, present := m[key]
		assert.False(t, present, "%s should be omitted when unset", key)
	}
}

func TestMapRoundTrip(t *testing.T) {
	e := buildSuspendedExecution(t)

	restored, err := FromMap(e.ToMap())
	require.NoError(t, err)

	// The runtime cache is not persisted; rebuild both sides before
	// comparing whole values.
	env := map[string]interface{}{"TOKEN": "t"}
	e.RebuildRuntime(env)
	restored.RebuildRuntime(env)

	assert.Equal(t, e, restored)
}

func TestJSONRoundTrip(t *testing.T) {
	e := buildSuspendedExecution(t)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var restored WorkflowExecution
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, e.ID, restored.ID)
	assert.Equal(t, e.Status, restored.Status)
	assert.Equal(t, e.ExecutionMode, restored.ExecutionMode)
	assert.Equal(t, e.WorkflowVersion, restored.WorkflowVersion)
	assert.Equal(t, e.CurrentExecutionIndex, restored.CurrentExecutionIndex)
	assert.Equal(t, e.SuspendedNodeID, restored.SuspendedNodeID)
	assert.Equal(t, e.SuspensionType, restored.SuspensionType)
	assert.Equal(t, e.SuspensionData, restored.SuspensionData)
	assert.Equal(t, e.StartedAt, restored.StartedAt)
	assert.Equal(t, e.SuspendedAt, restored.SuspendedAt)
	assert.Equal(t, e.ExecutionData.ActiveNodes, restored.ExecutionData.ActiveNodes)
	assert.Equal(t, e.SharedState(), restored.SharedState())

	require.Len(t, restored.NodeExecutions["fetch"], 2)
	first := restored.NodeExecutions["fetch"][0]
	assert.Equal(t, NodeStatusCompleted, first.Status)
	assert.Equal(t, 0, first.RunIndex)
	assert.Equal(t, map[string]interface{}{"body": "ok"}, first.OutputData)
	require.NotNil(t, first.DurationMS)
	assert.Equal(t, int64(1000), *first.DurationMS)
	assert.Equal(t, e.NodeExecutions["fetch"][0].StartedAt, first.StartedAt)

	suspendedRec := restored.LatestExecution("wait_timer")
	require.NotNil(t, suspendedRec)
	assert.Equal(t, NodeStatusSuspended, suspendedRec.Status)
	assert.Equal(t, SuspendWebhook, suspendedRec.SuspensionType)
	assert.Equal(t, map[string]interface{}{"resume_id": "exec_1_abc"}, suspendedRec.SuspensionData)
}

func TestFromMapCoercesJSONNumbers(t *testing.T) {
	m := map[string]interface{}{
		"id":                      "exec_1",
		"workflow_id":             "wf",
		"workflow_version":        float64(2),
		"execution_mode":          "sync",
		"status":                  "running",
		"current_execution_index": float64(5),
		"node_executions": map[string]interface{}{
			"a": []interface{}{
				map[string]interface{}{
					"node_key":        "a",
					"status":          "completed",
					"execution_index": float64(4),
					"run_index":       float64(1),
					"duration_ms":     float64(250),
				},
			},
		},
		"execution_data": map[string]interface{}{
			"context_data": map[string]interface{}{
				"workflow": map[string]interface{}{},
				"node":     map[string]interface{}{},
			},
			"active_nodes": map[string]interface{}{"b": float64(5)},
		},
	}

	e, err := FromMap(m)
	require.NoError(t, err)

	assert.Equal(t, 2, e.WorkflowVersion)
	assert.Equal(t, 5, e.CurrentExecutionIndex)
	assert.Equal(t, map[string]int{"b": 5}, e.ExecutionData.ActiveNodes)

	rec := e.NodeExecutions["a"][0]
	assert.Equal(t, 4, rec.ExecutionIndex)
	assert.Equal(t, 1, rec.RunIndex)
	require.NotNil(t, rec.DurationMS)
	assert.Equal(t, int64(250), *rec.DurationMS)
}

func TestFromMapRejectsBadTimestamps(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"id":         "exec_1",
		"started_at": "not-a-time",
	})
	require.Error(t, err)

	_, err = FromMap(map[string]interface{}{
		"id":         "exec_1",
		"started_at": 12345,
	})
	require.Error(t, err)
}
