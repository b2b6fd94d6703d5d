package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/workflow"
)

// triggerCronParser accepts the optional seconds field and descriptors
// such as @hourly.
var triggerCronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TriggerScheduler fires workflows whose trigger node declares a cron
// expression. Each tick enqueues an execution task; the workers run it.
type TriggerScheduler struct {
	cron   *cron.Cron
	runner *Runner
	log    logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewTriggerScheduler builds the scheduler on the runner's queue.
func NewTriggerScheduler(r *Runner, log logger.Logger) *TriggerScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &TriggerScheduler{
		cron: cron.New(
			cron.WithParser(triggerCronParser),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		runner:  r,
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start arms every active workflow with a scheduled trigger and begins
// ticking.
func (s *TriggerScheduler) Start(ctx context.Context) error {
	records, err := s.runner.Store().ListWorkflows(ctx, storage.WorkflowFilter{Status: "active"})
	if err != nil {
		return fmt.Errorf("load scheduled workflows: %w", err)
	}
	for _, record := range records {
		if err := s.Arm(record.Workflow); err != nil {
			s.log.Warn("workflow schedule rejected",
				"workflow_id", record.Workflow.ID,
				"error", err,
			)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts ticking; the returned context is done when in-flight jobs
// finish.
func (s *TriggerScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Arm schedules the workflow if its trigger declares a cron expression.
// Re-arming after a workflow update replaces the previous entry.
func (s *TriggerScheduler) Arm(wf *workflow.Workflow) error {
	expr := scheduleExpr(wf)
	if expr == "" {
		s.Disarm(wf.ID)
		return nil
	}
	if _, err := triggerCronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	workflowID := wf.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[workflowID]; ok {
		s.cron.Remove(old)
	}
	entryID, err := s.cron.AddFunc(expr, func() {
		err := s.runner.EnqueueExecution(context.Background(), workflowID, "schedule", nil)
		if err != nil {
			s.log.Error("scheduled trigger enqueue failed", "workflow_id", workflowID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.entries[workflowID] = entryID

	s.log.Info("workflow schedule armed", "workflow_id", workflowID, "cron", expr)
	return nil
}

// Disarm removes the workflow's schedule, if any.
func (s *TriggerScheduler) Disarm(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[workflowID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, workflowID)
	}
}

// Armed reports whether the workflow currently has a cron entry.
func (s *TriggerScheduler) Armed(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[workflowID]
	return ok
}

// scheduleExpr finds the cron expression on the workflow's trigger node.
// The trigger is the only node with no inbound connections.
func scheduleExpr(wf *workflow.Workflow) string {
	inbound := make(map[string]bool)
	for _, ports := range wf.Connections {
		for _, conns := range ports {
			for _, conn := range conns {
				inbound[conn.To] = true
			}
		}
	}
	for _, node := range wf.Nodes {
		if inbound[node.Key] {
			continue
		}
		if expr, ok := node.Params["cron"].(string); ok && expr != "" {
			return expr
		}
	}
	return ""
}
