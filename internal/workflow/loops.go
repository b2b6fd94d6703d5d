package workflow

import (
	"fmt"
	"sort"
)

// Loop role metadata values.
const (
	MetaLoopLevel = "loop_level"
	MetaLoopIDs   = "loop_ids"
	MetaLoopRole  = "loop_role"

	LoopRoleStart = "start_loop"
	LoopRoleIn    = "in_loop"
	LoopRoleEnd   = "end_loop"
)

type loop struct {
	id      string
	members map[string]bool
	level   int
}

// annotateLoops finds the workflow's cycles with Tarjan's strongly
// connected components algorithm and writes loop_level, loop_ids and
// loop_role into the metadata of every participating node. A component is
// a loop when it has more than one node or a self-edge.
func annotateLoops(graph *ExecutionGraph) {
	adjacency := map[string][]string{}
	selfEdge := map[string]bool{}
	for ref, conns := range graph.ConnectionMap {
		for _, conn := range conns {
			adjacency[ref.NodeKey] = append(adjacency[ref.NodeKey], conn.To)
			if conn.To == ref.NodeKey {
				selfEdge[ref.NodeKey] = true
			}
		}
	}

	var loops []*loop
	for _, scc := range stronglyConnectedComponents(graph.NodeKeys(), adjacency) {
		if len(scc) == 1 && !selfEdge[scc[0]] {
			continue
		}
		members := make(map[string]bool, len(scc))
		for _, key := range scc {
			members[key] = true
		}
		loops = append(loops, &loop{
			id:      fmt.Sprintf("loop_%d", len(loops)),
			members: members,
		})
	}
	if len(loops) == 0 {
		return
	}

	// Nesting level: one plus the number of loops whose node set strictly
	// contains this loop's node set.
	for _, l := range loops {
		l.level = 1
		for _, other := range loops {
			if other != l && strictSuperset(other.members, l.members) {
				l.level++
			}
		}
	}

	for _, key := range graph.NodeKeys() {
		node := graph.NodeMap[key]
		var ids []string
		level := 0
		var deepest *loop
		for _, l := range loops {
			if !l.members[key] {
				continue
			}
			ids = append(ids, l.id)
			if l.level > level {
				level = l.level
				deepest = l
			}
		}
		if deepest == nil {
			continue
		}
		sort.Strings(ids)
		node.Metadata[MetaLoopLevel] = level
		node.Metadata[MetaLoopIDs] = ids
		node.Metadata[MetaLoopRole] = loopRole(key, deepest)
	}
}

// loopRole orders the loop's node keys lexicographically: the first key is
// the loop start, the last the loop end. A heuristic for presentation; the
// scheduler never reads it.
func loopRole(key string, l *loop) string {
	keys := make([]string, 0, len(l.members))
	for k := range l.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	switch key {
	case keys[0]:
		return LoopRoleStart
	case keys[len(keys)-1]:
		if len(keys) == 1 {
			return LoopRoleStart
		}
		return LoopRoleEnd
	default:
		return LoopRoleIn
	}
}

func strictSuperset(super, sub map[string]bool) bool {
	if len(super) <= len(sub) {
		return false
	}
	for k := range sub {
		if !super[k] {
			return false
		}
	}
	return true
}

// stronglyConnectedComponents implements Tarjan's algorithm. Nodes are
// visited in sorted order so component numbering is deterministic.
func stronglyConnectedComponents(keys []string, adjacency map[string][]string) [][]string {
	index := 0
	indices := map[string]int{}
	lowlinks := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var components [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		neighbors := append([]string(nil), adjacency[v]...)
		sort.Strings(neighbors)
		for _, w := range neighbors {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				if lowlinks[w] < lowlinks[v] {
					lowlinks[v] = lowlinks[w]
				}
			} else if onStack[w] && indices[w] < lowlinks[v] {
				lowlinks[v] = indices[w]
			}
		}

		if lowlinks[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			sort.Strings(component)
			components = append(components, component)
		}
	}

	for _, key := range keys {
		if _, seen := indices[key]; !seen {
			strongConnect(key)
		}
	}
	return components
}
