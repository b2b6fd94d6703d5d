package execution

import (
	"encoding/json"
	"fmt"
	"time"
)

// Map serialization round-trips every persisted field with string keys,
// string status atoms and ISO-8601 UTC timestamps. The runtime cache is
// deliberately excluded; callers rebuild it after FromMap.

// ToMap renders the execution into its persistable map form.
func (e *WorkflowExecution) ToMap() map[string]interface{} {
	nodeExecutions := make(map[string]interface{}, len(e.NodeExecutions))
	for key, list := range e.NodeExecutions {
		items := make([]interface{}, len(list))
		for i, ne := range list {
			items[i] = ne.ToMap()
		}
		nodeExecutions[key] = items
	}

	nodeBags := make(map[string]interface{}, len(e.ExecutionData.ContextData.Node))
	for key, bag := range e.ExecutionData.ContextData.Node {
		nodeBags[key] = bag
	}
	activeNodes := make(map[string]interface{}, len(e.ExecutionData.ActiveNodes))
	for key, index := range e.ExecutionData.ActiveNodes {
		activeNodes[key] = index
	}

	m := map[string]interface{}{
		"id":                      e.ID,
		"workflow_id":             e.WorkflowID,
		"workflow_version":        e.WorkflowVersion,
		"execution_mode":          string(e.ExecutionMode),
		"status":                  string(e.Status),
		"trigger_type":            e.TriggerType,
		"trigger_data":            e.TriggerData,
		"vars":                    e.Vars,
		"node_executions":         nodeExecutions,
		"current_execution_index": e.CurrentExecutionIndex,
		"preparation_data":        e.PreparationData,
		"execution_data": map[string]interface{}{
			"context_data": map[string]interface{}{
				"workflow": e.ExecutionData.ContextData.Workflow,
				"node":     nodeBags,
			},
			"active_nodes": activeNodes,
		},
	}
	if e.ParentExecutionID != "" {
		m["parent_execution_id"] = e.ParentExecutionID
	}
	if e.SuspendedNodeID != "" {
		m["suspended_node_id"] = e.SuspendedNodeID
		m["suspension_type"] = string(e.SuspensionType)
		if e.SuspensionData != nil {
			m["suspension_data"] = e.SuspensionData
		}
	}
	putTime(m, "suspended_at", e.SuspendedAt)
	putTime(m, "started_at", e.StartedAt)
	putTime(m, "completed_at", e.CompletedAt)
	return m
}

// FromMap rebuilds an execution from its map form. The runtime cache
// starts empty; call RebuildRuntime to restore $nodes lookups.
func FromMap(m map[string]interface{}) (*WorkflowExecution, error) {
	if m == nil {
		return nil, fmt.Errorf("execution map is nil")
	}
	e := &WorkflowExecution{
		ID:                    getString(m, "id"),
		WorkflowID:            getString(m, "workflow_id"),
		WorkflowVersion:       getInt(m, "workflow_version"),
		ParentExecutionID:     getString(m, "parent_execution_id"),
		ExecutionMode:         Mode(getString(m, "execution_mode")),
		Status:                Status(getString(m, "status")),
		TriggerType:           getString(m, "trigger_type"),
		TriggerData:           getMap(m, "trigger_data"),
		Vars:                  getMap(m, "vars"),
		NodeExecutions:        map[string][]*NodeExecution{},
		CurrentExecutionIndex: getInt(m, "current_execution_index"),
		SuspendedNodeID:       getString(m, "suspended_node_id"),
		SuspensionType:        SuspensionType(getString(m, "suspension_type")),
		SuspensionData:        getMapOrNil(m, "suspension_data"),
		PreparationData:       getMap(m, "preparation_data"),
		ExecutionData: &ExecutionData{
			ContextData: &ContextData{
				Workflow: map[string]interface{}{},
				Node:     map[string]map[string]interface{}{},
			},
			ActiveNodes: map[string]int{},
		},
	}

	var err error
	if e.SuspendedAt, err = getTime(m, "suspended_at"); err != nil {
		return nil, err
	}
	if e.StartedAt, err = getTime(m, "started_at"); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = getTime(m, "completed_at"); err != nil {
		return nil, err
	}

	if rawNodeExecs, ok := m["node_executions"].(map[string]interface{}); ok {
		for key, rawList := range rawNodeExecs {
			items, ok := rawList.([]interface{})
			if !ok {
				return nil, fmt.Errorf("node_executions[%s] is not a list", key)
			}
			list := make([]*NodeExecution, 0, len(items))
			for _, item := range items {
				neMap, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("node_executions[%s] contains a non-map entry", key)
				}
				ne, err := nodeExecutionFromMap(neMap)
				if err != nil {
					return nil, fmt.Errorf("node_executions[%s]: %w", key, err)
				}
				list = append(list, ne)
			}
			e.NodeExecutions[key] = list
		}
	}

	if execData, ok := m["execution_data"].(map[string]interface{}); ok {
		if contextData, ok := execData["context_data"].(map[string]interface{}); ok {
			e.ExecutionData.ContextData.Workflow = getMap(contextData, "workflow")
			if nodeBags, ok := contextData["node"].(map[string]interface{}); ok {
				for key, rawBag := range nodeBags {
					if bag, ok := rawBag.(map[string]interface{}); ok {
						e.ExecutionData.ContextData.Node[key] = bag
					}
				}
			}
		}
		if active, ok := execData["active_nodes"].(map[string]interface{}); ok {
			for key, rawIndex := range active {
				e.ExecutionData.ActiveNodes[key] = coerceInt(rawIndex)
			}
		}
	}
	return e, nil
}

// MarshalJSON serializes through the map form so the wire shape and the
// storage shape stay identical.
func (e *WorkflowExecution) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// UnmarshalJSON parses the map form.
func (e *WorkflowExecution) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// ToMap renders one node execution record.
func (ne *NodeExecution) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"node_key":        ne.NodeKey,
		"status":          string(ne.Status),
		"execution_index": ne.ExecutionIndex,
		"run_index":       ne.RunIndex,
	}
	if ne.Params != nil {
		m["params"] = ne.Params
	}
	if ne.OutputData != nil {
		m["output_data"] = ne.OutputData
	}
	if ne.OutputPort != "" {
		m["output_port"] = ne.OutputPort
	}
	if ne.ErrorData != nil {
		m["error_data"] = ne.ErrorData
	}
	if ne.DurationMS != nil {
		m["duration_ms"] = *ne.DurationMS
	}
	if ne.SuspensionType != "" {
		m["suspension_type"] = string(ne.SuspensionType)
	}
	if ne.SuspensionData != nil {
		m["suspension_data"] = ne.SuspensionData
	}
	putTime(m, "started_at", ne.StartedAt)
	putTime(m, "completed_at", ne.CompletedAt)
	return m
}

// NodeExecutionFromMap rebuilds one node execution record from its map form.
func NodeExecutionFromMap(m map[string]interface{}) (*NodeExecution, error) {
	return nodeExecutionFromMap(m)
}

func nodeExecutionFromMap(m map[string]interface{}) (*NodeExecution, error) {
	ne := &NodeExecution{
		NodeKey:        getString(m, "node_key"),
		Status:         NodeStatus(getString(m, "status")),
		Params:         getMapOrNil(m, "params"),
		OutputData:     m["output_data"],
		OutputPort:     getString(m, "output_port"),
		ErrorData:      getMapOrNil(m, "error_data"),
		ExecutionIndex: getInt(m, "execution_index"),
		RunIndex:       getInt(m, "run_index"),
		SuspensionType: SuspensionType(getString(m, "suspension_type")),
		SuspensionData: getMapOrNil(m, "suspension_data"),
	}
	if raw, ok := m["duration_ms"]; ok {
		d := int64(coerceInt(raw))
		ne.DurationMS = &d
	}
	var err error
	if ne.StartedAt, err = getTime(m, "started_at"); err != nil {
		return nil, err
	}
	if ne.CompletedAt, err = getTime(m, "completed_at"); err != nil {
		return nil, err
	}
	return ne, nil
}

func putTime(m map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		m[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func getTime(m map[string]interface{}, key string) (*time.Time, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s is not a timestamp string", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	utc := t.UTC()
	return &utc, nil
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func getInt(m map[string]interface{}, key string) int {
	return coerceInt(m[key])
}

func coerceInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if mv, ok := m[key].(map[string]interface{}); ok {
		return mv
	}
	return map[string]interface{}{}
}

func getMapOrNil(m map[string]interface{}, key string) map[string]interface{} {
	if mv, ok := m[key].(map[string]interface{}); ok {
		return mv
	}
	return nil
}
