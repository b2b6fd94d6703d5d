// Package workflow defines the declarative workflow model and its compiler.
// A workflow is a directed graph of typed nodes connected by named ports;
// compilation validates the definition and produces the ExecutionGraph the
// scheduler walks. Cycles are first-class and become annotated loops.
package workflow

import (
	"encoding/json"
	"sort"
)

// Settings bounds.
const (
	MinRetries      = 1
	MaxRetriesLimit = 10
	MinRetryDelayMS = 0
	MaxRetryDelayMS = 60000

	// DefaultPort is assumed on connections that omit a port name.
	DefaultPort = "main"
)

// Workflow is an immutable workflow definition.
type Workflow struct {
	ID          string                             `json:"id"`
	Name        string                             `json:"name"`
	Description string                             `json:"description,omitempty"`
	Version     int                                `json:"version"`
	Nodes       []Node                             `json:"nodes"`
	Connections map[string]map[string][]Connection `json:"connections,omitempty"`
	Variables   map[string]interface{}             `json:"variables,omitempty"`
}

// Node is one vertex of a workflow. Type names the action executed for the
// node, looked up in the integration registry.
type Node struct {
	Key      string                 `json:"key"`
	Name     string                 `json:"name,omitempty"`
	Type     string                 `json:"type"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Settings NodeSettings           `json:"settings"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NodeSettings controls the retry policy of a node.
type NodeSettings struct {
	RetryOnFailed bool `json:"retry_on_failed"`
	MaxRetries    int  `json:"max_retries"`
	RetryDelayMS  int  `json:"retry_delay_ms"`
}

// DefaultNodeSettings returns the settings applied when a definition omits
// them: no retries, one attempt allowance, one second delay.
func DefaultNodeSettings() NodeSettings {
	return NodeSettings{
		RetryOnFailed: false,
		MaxRetries:    1,
		RetryDelayMS:  1000,
	}
}

// Clamped bounds the settings into their valid ranges.
func (s NodeSettings) Clamped() NodeSettings {
	if s.MaxRetries < MinRetries {
		s.MaxRetries = MinRetries
	}
	if s.MaxRetries > MaxRetriesLimit {
		s.MaxRetries = MaxRetriesLimit
	}
	if s.RetryDelayMS < MinRetryDelayMS {
		s.RetryDelayMS = MinRetryDelayMS
	}
	if s.RetryDelayMS > MaxRetryDelayMS {
		s.RetryDelayMS = MaxRetryDelayMS
	}
	return s
}

// UnmarshalJSON applies default settings before overlaying the document, so
// an absent settings object keeps the defaults while an explicit zero (for
// example retry_delay_ms: 0) survives.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	aux := alias{Settings: DefaultNodeSettings()}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = Node(aux)
	return nil
}

// Connection is a directed edge between two node ports.
type Connection struct {
	From     string `json:"from"`
	FromPort string `json:"from_port,omitempty"`
	To       string `json:"to"`
	ToPort   string `json:"to_port,omitempty"`
}

// Normalized fills in the default port names.
func (c Connection) Normalized() Connection {
	if c.FromPort == "" {
		c.FromPort = DefaultPort
	}
	if c.ToPort == "" {
		c.ToPort = DefaultPort
	}
	return c
}

// Node returns the node with the given key, or nil.
func (w *Workflow) Node(key string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Key == key {
			return &w.Nodes[i]
		}
	}
	return nil
}

// AllConnections flattens the nested connection map in a deterministic
// order: by source key, then port, then declaration order. Connection
// fields left empty inherit the map keys they were filed under.
func (w *Workflow) AllConnections() []Connection {
	var out []Connection
	for _, source := range sortedConnectionKeys(w.Connections) {
		ports := w.Connections[source]
		portNames := make([]string, 0, len(ports))
		for port := range ports {
			portNames = append(portNames, port)
		}
		sort.Strings(portNames)
		for _, port := range portNames {
			for _, conn := range ports[port] {
				if conn.From == "" {
					conn.From = source
				}
				if conn.FromPort == "" {
					conn.FromPort = port
				}
				out = append(out, conn.Normalized())
			}
		}
	}
	return out
}

func sortedConnectionKeys(m map[string]map[string][]Connection) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
