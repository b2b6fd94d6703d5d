package runner

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pranaflow/prana/internal/engine"
	"github.com/pranaflow/prana/internal/platform/health"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/platform/metrics"
	"github.com/pranaflow/prana/internal/platform/middleware"
	"github.com/pranaflow/prana/internal/platform/response"
	"github.com/pranaflow/prana/internal/runner/realtime"
	"github.com/pranaflow/prana/internal/shared/errs"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/workflow"
)

const maxRequestBody = 4 << 20

// ServerOptions wires the HTTP surface.
type ServerOptions struct {
	Runner    *Runner
	Scheduler *TriggerScheduler
	Hub       *realtime.Hub
	Metrics   *metrics.Metrics
	Health    *health.Handler
	Auth      *middleware.Auth
	Log       logger.Logger
}

// Server is the runner's HTTP surface: webhook endpoints, the management
// API, metrics, health and the realtime socket.
type Server struct {
	runner    *Runner
	scheduler *TriggerScheduler
	log       logger.Logger
	router    *mux.Router
}

// NewServer builds the router. Webhook endpoints stay outside auth; the
// resume id in the URL is the capability.
func NewServer(opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	s := &Server{
		runner:    opts.Runner,
		scheduler: opts.Scheduler,
		log:       opts.Log,
		router:    mux.NewRouter(),
	}

	s.router.Use(s.logging)
	if opts.Metrics != nil {
		s.router.Use(opts.Metrics.HTTPMiddleware)
	}

	s.router.HandleFunc("/webhook/workflow/trigger/{workflowID}", s.handleWebhookTrigger).Methods(http.MethodPost)
	s.router.HandleFunc("/webhook/workflow/resume/{resumeID}", s.handleWebhookResume).Methods(http.MethodPost, http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if opts.Auth != nil && opts.Auth.Enabled() {
		api.Use(opts.Auth.Middleware)
	}
	api.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	api.HandleFunc("/workflows/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/execute", s.handleExecuteWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/nodes", s.handleGetNodeExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/resume", s.handleResumeExecution).Methods(http.MethodPost)
	api.HandleFunc("/integrations", s.handleListIntegrations).Methods(http.MethodGet)

	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	if opts.Health != nil {
		s.router.Handle("/health", opts.Health).Methods(http.MethodGet)
	}
	if opts.Hub != nil {
		s.router.Handle("/ws", opts.Hub).Methods(http.MethodGet)
	}
	return s
}

// Router exposes the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// --- webhook endpoints ---

func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["workflowID"]
	payload := decodePayload(r)

	exec, err := s.runner.TriggerByWebhook(r.Context(), workflowID, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
	})
}

func (s *Server) handleWebhookResume(w http.ResponseWriter, r *http.Request) {
	resumeID := mux.Vars(r)["resumeID"]
	payload := decodePayload(r)

	if err := s.runner.ResumeByResumeID(r.Context(), resumeID, payload); err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, map[string]interface{}{"resumed": true})
}

// decodePayload collects the resume/trigger payload: JSON body for POST,
// query parameters for GET.
func decodePayload(r *http.Request) map[string]interface{} {
	payload := map[string]interface{}{}
	if r.Method == http.MethodGet {
		for key, values := range r.URL.Query() {
			if len(values) == 1 {
				payload[key] = values[0]
			} else {
				payload[key] = values
			}
		}
		return payload
	}

	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	defer body.Close()
	json.NewDecoder(body).Decode(&payload)
	return payload
}

// --- management API ---

type workflowRequest struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Status   string             `json:"status,omitempty"`
	Tags     []string           `json:"tags,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		response.ErrorWithMessage(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Workflow == nil || req.Workflow.ID == "" {
		response.ErrorWithMessage(w, http.StatusBadRequest, "invalid_body", "workflow with an id is required")
		return
	}
	if req.Workflow.Version == 0 {
		req.Workflow.Version = 1
	}
	if _, err := workflow.Compile(req.Workflow, s.runner.Registry()); err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	record := &storage.WorkflowRecord{
		Workflow:  req.Workflow,
		Status:    defaultStatus(req.Status),
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.runner.Store().CreateWorkflow(r.Context(), record); err != nil {
		s.writeError(w, err)
		return
	}
	s.armSchedule(record)
	response.Created(w, record)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.WorkflowFilter{
		Status:       q.Get("status"),
		NameContains: q.Get("name"),
	}
	if tags, ok := q["tag"]; ok {
		filter.Tags = tags
	}

	records, err := s.runner.Store().ListWorkflows(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	page, limit := pagination(q.Get("page"), q.Get("limit"))
	total := int64(len(records))
	start := (page - 1) * limit
	if start > len(records) {
		start = len(records)
	}
	end := start + limit
	if end > len(records) {
		end = len(records)
	}
	response.Paginated(w, records[start:end], page, limit, total)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	record, err := s.runner.Store().GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, record)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.runner.Store().GetWorkflow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		response.ErrorWithMessage(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Workflow == nil {
		response.ErrorWithMessage(w, http.StatusBadRequest, "invalid_body", "workflow is required")
		return
	}
	req.Workflow.ID = id
	req.Workflow.Version = existing.Workflow.Version + 1
	if _, err := workflow.Compile(req.Workflow, s.runner.Registry()); err != nil {
		s.writeError(w, err)
		return
	}

	record := &storage.WorkflowRecord{
		Workflow:  req.Workflow,
		Status:    defaultStatus(req.Status),
		Tags:      req.Tags,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.runner.Store().UpdateWorkflow(r.Context(), record); err != nil {
		s.writeError(w, err)
		return
	}
	s.runner.InvalidateGraph(id, existing.Workflow.Version)
	s.armSchedule(record)
	response.OK(w, record)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runner.Store().DeleteWorkflow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Disarm(id)
	}
	response.NoContent(w)
}

func (s *Server) armSchedule(record *storage.WorkflowRecord) {
	if s.scheduler == nil {
		return
	}
	if record.Status != "active" {
		s.scheduler.Disarm(record.Workflow.ID)
		return
	}
	if err := s.scheduler.Arm(record.Workflow); err != nil {
		s.log.Warn("workflow schedule rejected", "workflow_id", record.Workflow.ID, "error", err)
	}
}

type executeRequest struct {
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Vars        map[string]interface{} `json:"vars,omitempty"`
	Async       bool                   `json:"async,omitempty"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		response.ErrorWithMessage(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if req.Async {
		if err := s.runner.EnqueueExecution(r.Context(), id, "manual", req.TriggerData); err != nil {
			s.writeError(w, err)
			return
		}
		response.JSON(w, http.StatusAccepted, map[string]interface{}{
			"workflow_id": id,
			"status":      "queued",
		})
		return
	}

	exec, err := s.runner.ExecuteWorkflow(r.Context(), id, engine.RunOptions{
		TriggerType: "manual",
		TriggerData: req.TriggerData,
		Vars:        req.Vars,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, exec.ToMap())
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.runner.Store().ListExecutions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(execs))
	for _, exec := range execs {
		out = append(out, exec.ToMap())
	}
	response.OK(w, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.runner.Store().GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, exec.ToMap())
}

func (s *Server) handleGetNodeExecutions(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.runner.Store().GetNodeExecutions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string][]map[string]interface{}, len(nodes))
	for key, list := range nodes {
		for _, ne := range list {
			out[key] = append(out[key], ne.ToMap())
		}
	}
	response.OK(w, out)
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	payload := decodePayload(r)

	if err := s.runner.Resume(r.Context(), id, payload); err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, map[string]interface{}{"resumed": true})
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	registry := s.runner.Registry()
	catalog := make([]map[string]interface{}, 0)
	for _, name := range registry.ListIntegrations() {
		actions, err := registry.ListActions(name)
		if err != nil {
			continue
		}
		entries := make([]map[string]interface{}, 0, len(actions))
		for _, action := range actions {
			entries = append(entries, map[string]interface{}{
				"name":         action.Name,
				"display_name": action.DisplayName,
				"kind":         string(action.Kind),
				"input_ports":  action.InputPorts,
				"output_ports": action.OutputPorts,
			})
		}
		catalog = append(catalog, map[string]interface{}{
			"name":    name,
			"actions": entries,
		})
	}
	response.OK(w, catalog)
}

// --- helpers ---

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBody)
	defer body.Close()

	err := json.NewDecoder(body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func defaultStatus(status string) string {
	if status == "" {
		return "active"
	}
	return status
}

func pagination(pageRaw, limitRaw string) (int, int) {
	page, _ := strconv.Atoi(pageRaw)
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(limitRaw)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return page, limit
}

// writeError maps engine error codes onto HTTP statuses; the response
// envelope carries the taxonomy code and any attached details.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		err = errs.Wrap(errs.CodeNotFound, err)
	case errors.Is(err, storage.ErrDuplicate):
		status = http.StatusConflict
		err = errs.Wrap(errs.CodeDuplicate, err)
	default:
		switch errs.CodeOf(err) {
		case errs.CodeParamsError, errs.CodeDuplicateNodeKey, errs.CodeNoTrigger,
			errs.CodeMultipleTriggers, errs.CodeDanglingConnection, errs.CodeUnknownPort,
			errs.CodeActionNotFound, errs.CodeInvalidResumeID:
			status = http.StatusBadRequest
		case errs.CodeInvalidStateTransition, errs.CodeInvalidWebhookState:
			status = http.StatusConflict
		}
	}
	response.Err(w, status, err)
}
