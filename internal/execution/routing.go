package execution

import (
	"github.com/pranaflow/prana/internal/workflow"
)

// ExtractMultiPortInput computes the routed input of a node: one value per
// inbound port, taken from the newest completed record of each connected
// source whose emitted port matches the edge. When several sources feed
// the same port the most recent completion wins.
func (e *WorkflowExecution) ExtractMultiPortInput(node *workflow.Node, graph *workflow.ExecutionGraph) map[string]interface{} {
	input := map[string]interface{}{}
	for port, conns := range graph.InboundPorts(node.Key) {
		bestIndex := -1
		var bestValue interface{}
		for _, conn := range conns {
			latest := e.LatestCompleted(conn.From)
			if latest == nil || latest.OutputPort != conn.FromPort {
				continue
			}
			if latest.ExecutionIndex > bestIndex {
				bestIndex = latest.ExecutionIndex
				bestValue = latest.OutputData
			}
		}
		if bestIndex >= 0 {
			input[port] = bestValue
		}
	}
	return input
}

// DependenciesSatisfied reports whether the node may run: every inbound
// port with at least one connected source must have some completed source
// record whose output port routes to this node.
func (e *WorkflowExecution) DependenciesSatisfied(node *workflow.Node, graph *workflow.ExecutionGraph) bool {
	for _, conns := range graph.InboundPorts(node.Key) {
		satisfied := false
		for _, conn := range conns {
			if e.HasCompletedWithPort(conn.From, conn.FromPort) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}
