package execution

// Runtime is the non-persisted cache backing $nodes and $env lookups. It
// is fully derivable from the node execution records plus the environment
// map, so losing it (for example across a persistence round trip) is
// recoverable through RebuildRuntime.
type Runtime struct {
	// Nodes maps node key to {"output": ..., "context": ...} of the
	// newest completed attempt.
	Nodes map[string]interface{}
	Env   map[string]interface{}
}

// Runtime returns the cache, creating an empty one on first use.
func (e *WorkflowExecution) Runtime() *Runtime {
	if e.runtime == nil {
		e.runtime = &Runtime{
			Nodes: map[string]interface{}{},
			Env:   map[string]interface{}{},
		}
	}
	return e.runtime
}

// SetEnv replaces the runtime environment map.
func (e *WorkflowExecution) SetEnv(env map[string]interface{}) {
	rt := e.Runtime()
	if env == nil {
		env = map[string]interface{}{}
	}
	rt.Env = env
}

// RebuildRuntime recomputes the cache from the persisted records. It is
// idempotent: rebuilding twice with the same env yields the same cache.
func (e *WorkflowExecution) RebuildRuntime(env map[string]interface{}) {
	e.runtime = nil
	e.SetEnv(env)
	for nodeKey := range e.NodeExecutions {
		e.RefreshRuntimeNode(nodeKey)
	}
}

// RefreshRuntimeNode updates the cache entry of one node from its newest
// completed record and current context bag. CompleteNode calls it for
// appended records; resumes that finish a record in place call it
// directly.
func (e *WorkflowExecution) RefreshRuntimeNode(nodeKey string) {
	latest := e.LatestCompleted(nodeKey)
	if latest == nil {
		return
	}
	e.Runtime().Nodes[nodeKey] = map[string]interface{}{
		"output":  latest.OutputData,
		"context": e.NodeContext(nodeKey),
	}
}
