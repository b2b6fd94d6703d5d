// Package integration defines the contract between the workflow engine and
// the actions nodes dispatch to, plus the process-wide registry resolving
// action type ids like "http.request" to their descriptors.
package integration

import (
	"time"

	"github.com/pranaflow/prana/internal/workflow"
)

// ActionKind classifies an action for catalogs and UIs. The engine treats
// all kinds identically; only the compiler's trigger detection cares about
// graph position, not kind.
type ActionKind string

const (
	KindTrigger ActionKind = "trigger"
	KindAction  ActionKind = "action"
	KindLogic   ActionKind = "logic"
	KindWait    ActionKind = "wait"
)

// ExecutionContext is the view of the run an action receives. It mirrors
// what expressions can see: the routed input, the newest node outputs, the
// environment, workflow variables and the shared state bag.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	NodeKey     string
	Mode        string

	// RunIndex counts this node's attempts from zero; ExecutionIndex is
	// the global order stamp of the attempt.
	RunIndex       int
	ExecutionIndex int

	// Loopback is true when this attempt is a loop iteration.
	Loopback bool
	// Loop carries the compiler's loop annotations of this node.
	Loop map[string]interface{}

	// Input is the routed input. With a single "main" inbound port this
	// is that port's value directly; otherwise a port-keyed map.
	Input interface{}

	Nodes map[string]interface{}
	Env   map[string]interface{}
	Vars  map[string]interface{}
	// State is the workflow shared state, visible as $execution.state.
	State map[string]interface{}
	// Preparation holds this node's prepare() artifacts, such as minted
	// webhook resume URLs.
	Preparation map[string]interface{}

	Now time.Time
}

// Action executes a node. Implementations must be stateless across calls;
// per-execution state belongs in state updates or suspension data.
type Action interface {
	Execute(params map[string]interface{}, ctx *ExecutionContext) *Result
}

// Resumable is implemented by actions that can suspend and later finish
// with external data. Actions without it fail resume attempts.
type Resumable interface {
	Resume(params map[string]interface{}, ctx *ExecutionContext, resumeData map[string]interface{}) *Result
}

// PrepareContext identifies the execution a node is being prepared for.
type PrepareContext struct {
	ExecutionID string
	WorkflowID  string
	Env         map[string]interface{}
}

// Preparer runs before scheduling to mint artifacts the action will need,
// such as webhook resume URLs.
type Preparer interface {
	Prepare(node *workflow.Node, ctx *PrepareContext) (map[string]interface{}, error)
}

// ParamsValidator checks rendered params before Execute. A returned error
// fails the attempt as a params error without invoking the action.
type ParamsValidator interface {
	ValidateParams(params map[string]interface{}) error
}

// SchemaProvider exposes a param schema for catalogs.
type SchemaProvider interface {
	ParamsSchema() map[string]interface{}
}

// ResultStatus tags the outcome variant of an action call.
type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultError   ResultStatus = "error"
	ResultSuspend ResultStatus = "suspend"
)

// NodeContextKey is the reserved state_updates key whose value merges into
// the node's own context bag instead of the workflow shared state.
const NodeContextKey = "node_context"

// Result is the single return shape of Execute and Resume.
type Result struct {
	Status ResultStatus

	// Data is the output on success.
	Data interface{}
	// Port overrides the action's default success or error port.
	Port string
	// StateUpdates merge into the workflow shared state, except the
	// reserved NodeContextKey which merges into the node context bag.
	StateUpdates map[string]interface{}

	// Err describes the failure on ResultError.
	Err error

	// SuspensionType and SuspensionData park the node on ResultSuspend.
	SuspensionType string
	SuspensionData map[string]interface{}
}

// OK returns a success result on the action's default port.
func OK(data interface{}) *Result {
	return &Result{Status: ResultOK, Data: data}
}

// Fail returns a failure result.
func Fail(err error) *Result {
	return &Result{Status: ResultError, Err: err}
}

// Suspend parks the node with a suspension snapshot for the runner.
func Suspend(suspensionType string, data map[string]interface{}) *Result {
	return &Result{Status: ResultSuspend, SuspensionType: suspensionType, SuspensionData: data}
}

// WithPort selects an explicit output port.
func (r *Result) WithPort(port string) *Result {
	r.Port = port
	return r
}

// WithState attaches state updates to a success result.
func (r *Result) WithState(updates map[string]interface{}) *Result {
	r.StateUpdates = updates
	return r
}
