package workflow

import "sort"

// PortRef addresses one output port of one node.
type PortRef struct {
	NodeKey string
	Port    string
}

// ExecutionGraph is the compiled, validated form of a workflow. Adjacency
// is stored flat; loops are represented purely as node metadata written by
// the compiler, never by restructuring the graph.
type ExecutionGraph struct {
	WorkflowID      string
	WorkflowVersion int
	TriggerNodeKey  string

	// NodeMap holds the compiled nodes, settings clamped and loop metadata
	// applied, keyed by node key.
	NodeMap map[string]*Node

	// ConnectionMap routes (source key, source port) to its outgoing edges.
	ConnectionMap map[PortRef][]Connection

	// ReverseConnectionMap lists the inbound edges of each target key.
	ReverseConnectionMap map[string][]Connection

	// DependencyGraph maps each target to the distinct set of source keys
	// it depends on.
	DependencyGraph map[string][]string

	Variables map[string]interface{}
}

// Node returns the compiled node for key, or nil.
func (g *ExecutionGraph) Node(key string) *Node {
	return g.NodeMap[key]
}

// TriggerNode returns the compiled trigger node.
func (g *ExecutionGraph) TriggerNode() *Node {
	return g.NodeMap[g.TriggerNodeKey]
}

// ConnectionsFrom returns the outgoing edges of one output port.
func (g *ExecutionGraph) ConnectionsFrom(nodeKey, port string) []Connection {
	return g.ConnectionMap[PortRef{NodeKey: nodeKey, Port: port}]
}

// InboundConnections returns every edge targeting the node.
func (g *ExecutionGraph) InboundConnections(nodeKey string) []Connection {
	return g.ReverseConnectionMap[nodeKey]
}

// Dependencies returns the distinct source keys feeding the node.
func (g *ExecutionGraph) Dependencies(nodeKey string) []string {
	return g.DependencyGraph[nodeKey]
}

// InboundPorts groups the node's inbound edges by target port, in sorted
// port order. The scheduler uses it to decide per-port readiness and to
// route inputs.
func (g *ExecutionGraph) InboundPorts(nodeKey string) map[string][]Connection {
	ports := map[string][]Connection{}
	for _, conn := range g.ReverseConnectionMap[nodeKey] {
		ports[conn.ToPort] = append(ports[conn.ToPort], conn)
	}
	return ports
}

// NodeKeys returns all node keys in sorted order.
func (g *ExecutionGraph) NodeKeys() []string {
	keys := make([]string, 0, len(g.NodeMap))
	for k := range g.NodeMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
