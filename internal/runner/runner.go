package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pranaflow/prana/internal/engine"
	"github.com/pranaflow/prana/internal/execution"
	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/platform/errortracker"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/platform/metrics"
	"github.com/pranaflow/prana/internal/platform/telemetry"
	"github.com/pranaflow/prana/internal/runner/realtime"
	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/shared/events"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/webhook"
	"github.com/pranaflow/prana/internal/workflow"
)

// EventPublisher receives lifecycle events; the Kafka publisher satisfies
// it. A nil publisher disables event emission.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Options wires a Runner. Store, Queue and Registry are required;
// everything else degrades gracefully when absent.
type Options struct {
	Store    storage.Adapter
	Queue    TaskQueue
	Registry *integration.Registry

	Log     logger.Logger
	Tracker errortracker.Tracker
	Metrics *metrics.Metrics
	Events  EventPublisher
	Hub     *realtime.Hub
	Tracing *telemetry.Telemetry

	// Env backs $env lookups in every execution. Never persisted.
	Env map[string]interface{}

	// MaxExecutionDepth bounds parent/child sub-workflow nesting.
	MaxExecutionDepth int
}

// Runner hosts the engine: it compiles and caches workflows, drives
// executions through the graph executor, persists every transition
// through the storage adapter and dispatches suspensions to timers,
// webhooks and the sub-workflow queue.
type Runner struct {
	store    storage.Adapter
	queue    TaskQueue
	registry *integration.Registry
	graph    *engine.GraphExecutor

	log     logger.Logger
	metrics *metrics.Metrics
	events  EventPublisher
	hub     *realtime.Hub
	tracing *telemetry.Telemetry

	env      map[string]interface{}
	maxDepth int

	mu       sync.Mutex
	graphs   map[string]*workflow.ExecutionGraph
	webhooks map[string]*webhook.Record
	timers   map[string]*time.Timer

	wg sync.WaitGroup
}

// New creates a runner and hooks node-level observability into the graph
// executor.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runner requires a storage adapter")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("runner requires a task queue")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("runner requires an action registry")
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.MaxExecutionDepth <= 0 {
		opts.MaxExecutionDepth = 10
	}

	r := &Runner{
		store:    opts.Store,
		queue:    opts.Queue,
		registry: opts.Registry,
		log:      opts.Log,
		metrics:  opts.Metrics,
		events:   opts.Events,
		hub:      opts.Hub,
		tracing:  opts.Tracing,
		env:      opts.Env,
		maxDepth: opts.MaxExecutionDepth,
		graphs:   make(map[string]*workflow.ExecutionGraph),
		webhooks: make(map[string]*webhook.Record),
		timers:   make(map[string]*time.Timer),
	}

	r.graph = engine.NewGraphExecutor(opts.Registry, opts.Log, opts.Tracker)
	r.graph.OnNodeExecuted = r.onNodeExecuted
	return r, nil
}

// Registry exposes the action registry for catalog endpoints.
func (r *Runner) Registry() *integration.Registry {
	return r.registry
}

// Store exposes the storage adapter for read endpoints.
func (r *Runner) Store() storage.Adapter {
	return r.store
}

// Start spawns queue workers. They drain until ctx ends and the queue
// closes; Shutdown waits for them.
func (r *Runner) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Shutdown closes the queue, cancels armed timers and waits for workers.
func (r *Runner) Shutdown() {
	r.queue.Close()
	r.wg.Wait()

	r.mu.Lock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.observeQueueDepth(ctx)

		if err := r.process(ctx, task); err != nil {
			r.log.Error("task processing failed",
				"task_id", task.ID,
				"task_kind", task.Kind,
				"workflow_id", task.WorkflowID,
				"error", err,
			)
			if nackErr := r.queue.Nack(ctx, task.ID); nackErr != nil {
				r.log.Warn("task dead-lettered", "task_id", task.ID, "error", nackErr)
			}
			continue
		}
		r.queue.Ack(ctx, task.ID)
	}
}

func (r *Runner) process(ctx context.Context, task *Task) error {
	switch task.Kind {
	case TaskExecute:
		_, err := r.ExecuteWorkflow(ctx, task.WorkflowID, engine.RunOptions{
			TriggerType: task.TriggerType,
			TriggerData: task.TriggerData,
			Vars:        task.Vars,
			Mode:        execution.ModeAsync,
		})
		return err

	case TaskSubWorkflow:
		// The child's afterRun resumes the waiting parent once the child
		// settles, even if it suspends and resumes along the way.
		_, err := r.ExecuteWorkflow(ctx, task.WorkflowID, engine.RunOptions{
			TriggerType:       "sub_workflow",
			TriggerData:       task.TriggerData,
			Vars:              task.Vars,
			Mode:              execution.ModeAsync,
			ParentExecutionID: task.ParentExecutionID,
		})
		return err

	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// ExecuteWorkflow starts a new execution of the stored workflow and runs
// it until it settles: completed, failed or suspended.
func (r *Runner) ExecuteWorkflow(ctx context.Context, workflowID string, opts engine.RunOptions) (*execution.WorkflowExecution, error) {
	return r.executeAtDepth(ctx, workflowID, opts, 0)
}

func (r *Runner) executeAtDepth(ctx context.Context, workflowID string, opts engine.RunOptions, depth int) (*execution.WorkflowExecution, error) {
	if depth >= r.maxDepth {
		return nil, errs.Newf(errs.CodeActionError, "sub-workflow nesting exceeds depth %d", r.maxDepth).
			WithDetail("workflow_id", workflowID)
	}

	graph, _, err := r.compiled(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	opts.Env = r.mergedEnv(opts.Env)
	exec, err := r.graph.InitializeExecution(graph, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, "workflow.execute", exec)
	defer span.End()

	r.registerPreparedWebhooks(exec)

	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ExecutionsStarted.WithLabelValues(exec.TriggerType).Inc()
	}
	r.publish(ctx, events.ForExecution(events.ExecutionStarted, exec))

	if err := r.graph.ExecuteWorkflow(graph, exec); err != nil {
		return nil, err
	}
	return exec, r.afterRun(ctx, exec, depth)
}

// Resume continues a suspended execution with the collected payload.
func (r *Runner) Resume(ctx context.Context, executionID string, resumeData map[string]interface{}) error {
	return r.resumeAtDepth(ctx, executionID, resumeData, 0)
}

func (r *Runner) resumeAtDepth(ctx context.Context, executionID string, resumeData map[string]interface{}, depth int) error {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != execution.StatusSuspended {
		return errs.Newf(errs.CodeInvalidStateTransition, "execution %q is %s, not suspended", executionID, exec.Status).
			WithDetail("execution_id", executionID)
	}

	graph, _, err := r.compiled(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	exec.SetEnv(r.mergedEnv(nil))

	ctx, span := r.startSpan(ctx, "workflow.resume", exec)
	defer span.End()

	suspensionType := exec.SuspensionType
	r.disarmTimer(executionID)
	if err := r.store.ResumeExecution(ctx, executionID); err != nil && err != storage.ErrNotFound {
		return err
	}
	if r.metrics != nil {
		r.metrics.ExecutionsResumed.WithLabelValues(string(suspensionType)).Inc()
	}
	r.publish(ctx, events.ForExecution(events.ExecutionResumed, exec))

	if err := r.graph.ResumeWorkflow(graph, exec, resumeData); err != nil {
		return err
	}
	return r.afterRun(ctx, exec, depth)
}

// ResumeByResumeID handles a webhook resume hit: the id is the
// capability. Unknown ids still resolve through the embedded execution
// id, so restarts do not orphan suspended webhooks.
func (r *Runner) ResumeByResumeID(ctx context.Context, resumeID string, payload map[string]interface{}) error {
	executionID, _, err := webhook.ParseResumeID(resumeID)
	if err != nil {
		r.countWebhookHit(webhook.KindResume, "invalid")
		return err
	}

	record := r.webhookRecord(resumeID)
	if record != nil {
		if err := record.Acceptable(time.Now().UTC()); err != nil {
			r.countWebhookHit(webhook.KindResume, "rejected")
			return err
		}
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		r.countWebhookHit(webhook.KindResume, "unknown")
		return err
	}
	if exec.SuspensionType == execution.SuspendWebhook {
		if id, _ := exec.SuspensionData["resume_id"].(string); id != "" && id != resumeID {
			r.countWebhookHit(webhook.KindResume, "rejected")
			return errs.Newf(errs.CodeInvalidResumeID, "resume id does not match the suspended webhook").
				WithDetail("execution_id", executionID)
		}
	}

	if err := r.Resume(ctx, executionID, payload); err != nil {
		r.countWebhookHit(webhook.KindResume, "error")
		return err
	}
	if record != nil {
		if err := record.Consume(time.Now().UTC()); err != nil {
			r.log.Warn("webhook consume after resume failed", "resume_id", resumeID, "error", err)
		}
	}
	r.countWebhookHit(webhook.KindResume, "ok")
	return nil
}

// TriggerByWebhook starts an execution from a trigger webhook hit.
func (r *Runner) TriggerByWebhook(ctx context.Context, workflowID string, payload map[string]interface{}) (*execution.WorkflowExecution, error) {
	exec, err := r.ExecuteWorkflow(ctx, workflowID, engine.RunOptions{
		TriggerType: "webhook",
		TriggerData: payload,
	})
	if err != nil {
		r.countWebhookHit(webhook.KindTrigger, "error")
		return nil, err
	}
	r.countWebhookHit(webhook.KindTrigger, "ok")
	return exec, nil
}

// EnqueueExecution queues a workflow start for the workers.
func (r *Runner) EnqueueExecution(ctx context.Context, workflowID, triggerType string, triggerData map[string]interface{}) error {
	err := r.queue.Enqueue(ctx, &Task{
		Kind:        TaskExecute,
		WorkflowID:  workflowID,
		TriggerType: triggerType,
		TriggerData: triggerData,
		MaxRetries:  3,
	})
	if err != nil {
		return err
	}
	r.observeQueueDepth(ctx)
	return nil
}

// RestoreSuspended re-arms timers for executions suspended before a
// restart. Past-due waits resume immediately; webhook suspensions wait
// for their hit.
func (r *Runner) RestoreSuspended(ctx context.Context) error {
	suspended, err := r.store.GetSuspendedExecutions(ctx)
	if err != nil {
		return err
	}
	for _, entry := range suspended {
		exec, err := r.store.GetExecution(ctx, entry.ExecutionID)
		if err != nil {
			r.log.Warn("suspended execution missing from storage", "execution_id", entry.ExecutionID)
			continue
		}
		switch exec.SuspensionType {
		case execution.SuspendRetry, execution.SuspendInterval, execution.SuspendSchedule:
			r.armResume(exec)
		case execution.SuspendWebhook:
			// Webhook suspensions survive restarts through the resume
			// id embedded in the URL; nothing to arm.
		}
	}
	return nil
}

// afterRun persists the settled execution and dispatches its outcome.
func (r *Runner) afterRun(ctx context.Context, exec *execution.WorkflowExecution, depth int) error {
	resumeToken := ""
	if exec.Status == execution.StatusSuspended && exec.SuspensionType == execution.SuspendWebhook {
		resumeToken, _ = exec.SuspensionData["resume_id"].(string)
	}

	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}

	switch exec.Status {
	case execution.StatusCompleted:
		r.observeSettled(exec, "completed")
		r.publish(ctx, events.ForExecution(events.ExecutionCompleted, exec))
		return r.settleParent(ctx, exec, depth)

	case execution.StatusFailed:
		r.observeSettled(exec, "failed")
		r.publish(ctx, events.ForExecution(events.ExecutionFailed, exec))
		return r.settleParent(ctx, exec, depth)

	case execution.StatusSuspended:
		if err := r.store.SuspendExecution(ctx, exec.ID, resumeToken); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.ExecutionsSuspended.WithLabelValues(string(exec.SuspensionType)).Inc()
		}
		r.publish(ctx, events.ForExecution(events.ExecutionSuspended, exec))
		return r.dispatchSuspension(ctx, exec, depth)
	}
	return nil
}

// dispatchSuspension hands the suspended execution to whatever resumes
// it: a timer, the webhook router or the sub-workflow machinery.
func (r *Runner) dispatchSuspension(ctx context.Context, exec *execution.WorkflowExecution, depth int) error {
	switch exec.SuspensionType {
	case execution.SuspendRetry, execution.SuspendInterval, execution.SuspendSchedule:
		r.armResume(exec)
		return nil

	case execution.SuspendWebhook:
		if id, _ := exec.SuspensionData["resume_id"].(string); id != "" {
			r.activateWebhook(id, exec)
		}
		return nil

	case execution.SuspendSubWorkflowSync:
		return r.runSubWorkflowSync(ctx, exec, depth)

	case execution.SuspendSubWorkflowAsync:
		return r.enqueueSubWorkflow(ctx, exec, true)

	case execution.SuspendSubWorkflowFireForget:
		if err := r.enqueueSubWorkflow(ctx, exec, false); err != nil {
			return err
		}
		childID, _ := exec.SuspensionData["workflow_id"].(string)
		return r.resumeAtDepth(ctx, exec.ID, map[string]interface{}{
			"sub_workflow_status": "enqueued",
			"workflow_id":         childID,
		}, depth)

	default:
		r.log.Warn("suspension type has no dispatcher",
			"execution_id", exec.ID,
			"suspension_type", string(exec.SuspensionType),
		)
		return nil
	}
}

// runSubWorkflowSync starts the child inline. The child's own afterRun
// resumes the parent once it settles, so a child that suspends mid-run
// leaves the parent suspended until the child completes or fails. Only a
// child that never starts resumes the parent here.
func (r *Runner) runSubWorkflowSync(ctx context.Context, parent *execution.WorkflowExecution, depth int) error {
	childID, _ := parent.SuspensionData["workflow_id"].(string)
	_, err := r.executeAtDepth(ctx, childID, engine.RunOptions{
		TriggerType:       "sub_workflow",
		TriggerData:       mapValue(parent.SuspensionData, "trigger_data"),
		Vars:              mapValue(parent.SuspensionData, "vars"),
		Mode:              parent.ExecutionMode,
		ParentExecutionID: parent.ID,
	}, depth+1)
	if err != nil {
		return r.resumeAtDepth(ctx, parent.ID, map[string]interface{}{
			"sub_workflow_status": "failed",
			"workflow_id":         childID,
			"error":               err.Error(),
		}, depth)
	}
	return nil
}

// settleParent resumes the execution waiting on a settled child. The
// parent must still be suspended on a sub-workflow node pointing at the
// child's workflow; anything else is left alone.
func (r *Runner) settleParent(ctx context.Context, child *execution.WorkflowExecution, depth int) error {
	if child.ParentExecutionID == "" {
		return nil
	}
	parent, err := r.store.GetExecution(ctx, child.ParentExecutionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if parent.Status != execution.StatusSuspended {
		return nil
	}
	switch parent.SuspensionType {
	case execution.SuspendSubWorkflowSync, execution.SuspendSubWorkflowAsync:
	default:
		return nil
	}
	if id, _ := parent.SuspensionData["workflow_id"].(string); id != child.WorkflowID {
		return nil
	}

	parentDepth := depth - 1
	if parentDepth < 0 {
		parentDepth = 0
	}
	return r.resumeAtDepth(ctx, parent.ID, childSummary(child), parentDepth)
}

func (r *Runner) enqueueSubWorkflow(ctx context.Context, parent *execution.WorkflowExecution, resumeParent bool) error {
	childID, _ := parent.SuspensionData["workflow_id"].(string)
	task := &Task{
		Kind:        TaskSubWorkflow,
		WorkflowID:  childID,
		TriggerData: mapValue(parent.SuspensionData, "trigger_data"),
		Vars:        mapValue(parent.SuspensionData, "vars"),
		MaxRetries:  3,
	}
	if resumeParent {
		task.ParentExecutionID = parent.ID
		task.ParentNodeKey = parent.SuspendedNodeID
	}
	if err := r.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	r.observeQueueDepth(ctx)
	return nil
}

// childSummary is the resume payload a settled child hands its parent.
func childSummary(child *execution.WorkflowExecution) map[string]interface{} {
	summary := map[string]interface{}{
		"sub_workflow_status": string(child.Status),
		"execution_id":        child.ID,
		"workflow_id":         child.WorkflowID,
	}
	if output := finalOutput(child); output != nil {
		summary["output"] = output
	}
	return summary
}

// finalOutput is the output of the child's newest completed node.
func finalOutput(exec *execution.WorkflowExecution) interface{} {
	var newest *execution.NodeExecution
	for _, list := range exec.NodeExecutions {
		for _, ne := range list {
			if ne.Status != execution.NodeStatusCompleted {
				continue
			}
			if newest == nil || ne.ExecutionIndex > newest.ExecutionIndex {
				newest = ne
			}
		}
	}
	if newest == nil {
		return nil
	}
	return newest.OutputData
}

// armResume schedules an in-process resume at the suspension's resume_at
// timestamp. Past-due and unparseable timestamps resume immediately.
func (r *Runner) armResume(exec *execution.WorkflowExecution) {
	delay := time.Duration(0)
	if raw, _ := exec.SuspensionData["resume_at"].(string); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			if d := time.Until(at); d > 0 {
				delay = d
			}
		}
	}

	executionID := exec.ID
	r.mu.Lock()
	if old, ok := r.timers[executionID]; ok {
		old.Stop()
	} else if r.metrics != nil {
		r.metrics.ActiveWaitArms.Inc()
	}
	r.timers[executionID] = time.AfterFunc(delay, func() {
		r.disarmTimer(executionID)
		if err := r.Resume(context.Background(), executionID, nil); err != nil {
			r.log.Error("timed resume failed", "execution_id", executionID, "error", err)
		}
	})
	r.mu.Unlock()

	r.log.Debug("wait timer armed", "execution_id", executionID, "delay", delay.String())
}

func (r *Runner) disarmTimer(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[executionID]; ok {
		timer.Stop()
		delete(r.timers, executionID)
		if r.metrics != nil {
			r.metrics.ActiveWaitArms.Dec()
		}
	}
}

// registerPreparedWebhooks creates pending webhook records for every
// resume id minted during preparation.
func (r *Runner) registerPreparedWebhooks(exec *execution.WorkflowExecution) {
	now := time.Now().UTC()
	for nodeKey, raw := range exec.PreparationData {
		prep, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resumeID, _ := prep["resume_id"].(string)
		if resumeID == "" {
			continue
		}
		record := webhook.NewRecord(webhook.KindResume, resumeID, exec.WorkflowID, exec.ID, nodeKey, now)

		r.mu.Lock()
		r.webhooks[resumeID] = record
		r.mu.Unlock()
	}
}

func (r *Runner) activateWebhook(resumeID string, exec *execution.WorkflowExecution) {
	r.mu.Lock()
	record, ok := r.webhooks[resumeID]
	if !ok {
		record = webhook.NewRecord(webhook.KindResume, resumeID, exec.WorkflowID, exec.ID, exec.SuspendedNodeID, time.Now().UTC())
		r.webhooks[resumeID] = record
	}
	r.mu.Unlock()

	if raw, _ := exec.SuspensionData["expires_at"].(string); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.ExpiresAt = &at
		}
	}
	if err := record.Activate(); err != nil {
		r.log.Warn("webhook activation rejected", "resume_id", resumeID, "error", err)
	}
}

func (r *Runner) webhookRecord(resumeID string) *webhook.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.webhooks[resumeID]
}

// compiled loads the workflow and compiles it, caching per id+version.
func (r *Runner) compiled(ctx context.Context, workflowID string) (*workflow.ExecutionGraph, *storage.WorkflowRecord, error) {
	record, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	key := fmt.Sprintf("%s@%d", workflowID, record.Workflow.Version)
	r.mu.Lock()
	graph, ok := r.graphs[key]
	r.mu.Unlock()
	if ok {
		return graph, record, nil
	}

	graph, err = workflow.Compile(record.Workflow, r.registry)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.graphs[key] = graph
	r.mu.Unlock()
	return graph, record, nil
}

// InvalidateGraph drops the cached compilation after a workflow update.
func (r *Runner) InvalidateGraph(workflowID string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graphs, fmt.Sprintf("%s@%d", workflowID, version))
}

// onNodeExecuted observes every settled node attempt: persistence,
// metrics and event fan-out.
func (r *Runner) onNodeExecuted(exec *execution.WorkflowExecution, ne *execution.NodeExecution) {
	ctx := context.Background()
	if err := r.store.UpdateNodeExecution(ctx, exec.ID, ne); err != nil {
		r.log.Warn("persist node execution failed",
			"execution_id", exec.ID,
			"node_key", ne.NodeKey,
			"error", err,
		)
	}

	actionType := r.actionTypeOf(exec.WorkflowID, ne.NodeKey)
	if r.metrics != nil {
		r.metrics.NodeExecutionsTotal.WithLabelValues(actionType, string(ne.Status)).Inc()
		if ne.DurationMS != nil {
			r.metrics.NodeExecutionDuration.WithLabelValues(actionType).Observe(float64(*ne.DurationMS) / 1000)
		}
		if ne.SuspensionType == execution.SuspendRetry {
			r.metrics.NodeRetriesTotal.WithLabelValues(actionType).Inc()
		}
	}
	r.publish(ctx, events.ForNode(exec, ne))
}

func (r *Runner) actionTypeOf(workflowID, nodeKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, graph := range r.graphs {
		if graph.WorkflowID != workflowID {
			continue
		}
		if node := graph.Node(nodeKey); node != nil {
			return node.Type
		}
	}
	return "unknown"
}

func (r *Runner) observeSettled(exec *execution.WorkflowExecution, status string) {
	if r.metrics == nil {
		return
	}
	if status == "completed" {
		r.metrics.ExecutionsCompleted.WithLabelValues(exec.WorkflowID).Inc()
	} else {
		r.metrics.ExecutionsFailed.WithLabelValues(exec.WorkflowID).Inc()
	}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		r.metrics.ExecutionDuration.WithLabelValues(exec.WorkflowID, status).
			Observe(exec.CompletedAt.Sub(*exec.StartedAt).Seconds())
	}
}

func (r *Runner) observeQueueDepth(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if depth, err := r.queue.Len(ctx); err == nil {
		r.metrics.QueueDepth.Set(float64(depth))
	}
}

func (r *Runner) countWebhookHit(kind webhook.Kind, status string) {
	if r.metrics != nil {
		r.metrics.WebhookHits.WithLabelValues(string(kind), status).Inc()
	}
}

func (r *Runner) publish(ctx context.Context, event *events.Event) {
	if r.events != nil {
		if err := r.events.Publish(ctx, event); err != nil {
			r.log.Warn("event publish failed", "event_type", string(event.Type), "error", err)
		}
	}
	if r.hub != nil {
		r.hub.Publish(event)
	}
}

func (r *Runner) startSpan(ctx context.Context, name string, exec *execution.WorkflowExecution) (context.Context, trace.Span) {
	if r.tracing == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracing.StartExecutionSpan(ctx, name, exec.WorkflowID, exec.ID)
}

func (r *Runner) mergedEnv(overlay map[string]interface{}) map[string]interface{} {
	if len(r.env) == 0 {
		return overlay
	}
	merged := make(map[string]interface{}, len(r.env)+len(overlay))
	for k, v := range r.env {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func mapValue(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}
