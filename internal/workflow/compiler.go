package workflow

import (
	"sort"

	"github.com/pranaflow/prana/internal/shared/errs"
)

// DynamicPorts is the declaration an action uses to accept or emit any
// port name, bypassing port validation.
const DynamicPorts = "*"

// ActionPorts describes the declared ports of an action type.
type ActionPorts struct {
	Input  []string
	Output []string
}

// DynamicInput reports whether the action accepts any input port.
func (p ActionPorts) DynamicInput() bool { return isDynamic(p.Input) }

// DynamicOutput reports whether the action may emit any output port.
func (p ActionPorts) DynamicOutput() bool { return isDynamic(p.Output) }

func isDynamic(ports []string) bool {
	return len(ports) == 1 && ports[0] == DynamicPorts
}

// PortResolver reports the declared ports of an action type. The
// integration registry implements it; tests may substitute a fake.
type PortResolver interface {
	LookupPorts(actionType string) (ActionPorts, error)
}

// Compile validates a workflow definition and produces its ExecutionGraph.
//
// Validation enforces, in order: unique node keys, connection endpoints
// referencing existing nodes, connection ports declared by the endpoint
// actions (unless dynamic), and exactly one trigger node (the unique node
// without inbound connections). Loop detection then annotates node
// metadata; cycles never fail compilation.
func Compile(wf *Workflow, resolver PortResolver) (*ExecutionGraph, error) {
	if err := validateNodeKeys(wf); err != nil {
		return nil, err
	}

	nodeMap := make(map[string]*Node, len(wf.Nodes))
	for i := range wf.Nodes {
		node := wf.Nodes[i]
		node.Settings = node.Settings.Clamped()
		node.Metadata = cloneMetadata(node.Metadata)
		nodeMap[node.Key] = &node
	}

	conns := wf.AllConnections()
	if err := validateEndpoints(conns, nodeMap); err != nil {
		return nil, err
	}
	if resolver != nil {
		if err := validatePorts(conns, nodeMap, resolver); err != nil {
			return nil, err
		}
	}

	graph := &ExecutionGraph{
		WorkflowID:           wf.ID,
		WorkflowVersion:      wf.Version,
		NodeMap:              nodeMap,
		ConnectionMap:        map[PortRef][]Connection{},
		ReverseConnectionMap: map[string][]Connection{},
		DependencyGraph:      map[string][]string{},
		Variables:            wf.Variables,
	}
	for _, conn := range conns {
		ref := PortRef{NodeKey: conn.From, Port: conn.FromPort}
		graph.ConnectionMap[ref] = append(graph.ConnectionMap[ref], conn)
		graph.ReverseConnectionMap[conn.To] = append(graph.ReverseConnectionMap[conn.To], conn)
	}
	for target, inbound := range graph.ReverseConnectionMap {
		seen := map[string]bool{}
		for _, conn := range inbound {
			if !seen[conn.From] {
				seen[conn.From] = true
				graph.DependencyGraph[target] = append(graph.DependencyGraph[target], conn.From)
			}
		}
		sort.Strings(graph.DependencyGraph[target])
	}

	trigger, err := findTrigger(wf, graph)
	if err != nil {
		return nil, err
	}
	graph.TriggerNodeKey = trigger

	annotateLoops(graph)
	return graph, nil
}

func validateNodeKeys(wf *Workflow) error {
	seen := map[string]bool{}
	for _, node := range wf.Nodes {
		if seen[node.Key] {
			return errs.Newf(errs.CodeDuplicateNodeKey, "duplicate node key %q", node.Key).
				WithDetail("node_key", node.Key)
		}
		seen[node.Key] = true
	}
	return nil
}

func validateEndpoints(conns []Connection, nodeMap map[string]*Node) error {
	for _, conn := range conns {
		if _, ok := nodeMap[conn.From]; !ok {
			return errs.Newf(errs.CodeDanglingConnection, "connection source %q does not exist", conn.From).
				WithDetail("from", conn.From).
				WithDetail("to", conn.To)
		}
		if _, ok := nodeMap[conn.To]; !ok {
			return errs.Newf(errs.CodeDanglingConnection, "connection target %q does not exist", conn.To).
				WithDetail("from", conn.From).
				WithDetail("to", conn.To)
		}
	}
	return nil
}

func validatePorts(conns []Connection, nodeMap map[string]*Node, resolver PortResolver) error {
	portsByType := map[string]ActionPorts{}
	lookup := func(actionType string) (ActionPorts, error) {
		if ports, ok := portsByType[actionType]; ok {
			return ports, nil
		}
		ports, err := resolver.LookupPorts(actionType)
		if err != nil {
			return ActionPorts{}, err
		}
		portsByType[actionType] = ports
		return ports, nil
	}

	for _, conn := range conns {
		source := nodeMap[conn.From]
		ports, err := lookup(source.Type)
		if err != nil {
			return err
		}
		if !ports.DynamicOutput() && !containsPort(ports.Output, conn.FromPort) {
			return errs.Newf(errs.CodeUnknownPort, "node %q has no output port %q", conn.From, conn.FromPort).
				WithDetail("node_key", conn.From).
				WithDetail("port", conn.FromPort).
				WithDetail("declared_ports", ports.Output)
		}
		target := nodeMap[conn.To]
		ports, err = lookup(target.Type)
		if err != nil {
			return err
		}
		if !ports.DynamicInput() && !containsPort(ports.Input, conn.ToPort) {
			return errs.Newf(errs.CodeUnknownPort, "node %q has no input port %q", conn.To, conn.ToPort).
				WithDetail("node_key", conn.To).
				WithDetail("port", conn.ToPort).
				WithDetail("declared_ports", ports.Input)
		}
	}
	return nil
}

func findTrigger(wf *Workflow, graph *ExecutionGraph) (string, error) {
	var roots []string
	for _, node := range wf.Nodes {
		if len(graph.ReverseConnectionMap[node.Key]) == 0 {
			roots = append(roots, node.Key)
		}
	}
	switch len(roots) {
	case 0:
		return "", errs.New(errs.CodeNoTrigger, "workflow has no trigger node")
	case 1:
		return roots[0], nil
	default:
		sort.Strings(roots)
		return "", errs.Newf(errs.CodeMultipleTriggers, "workflow has %d nodes without inbound connections", len(roots)).
			WithDetail("node_keys", roots)
	}
}

func containsPort(ports []string, port string) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}
