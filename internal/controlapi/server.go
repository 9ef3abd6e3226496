package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agentmesh/internal/conductor"
	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/corelib/resilience"
	"github.com/swarmguard/agentmesh/internal/lifecycle"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/optimizer"
	"github.com/swarmguard/agentmesh/internal/planengine"
	"github.com/swarmguard/agentmesh/internal/queue"
	"github.com/swarmguard/agentmesh/internal/registry"
)

const maxBodyBytes = 4 << 20

// Server exposes every Control API operation over net/http + ServeMux,
// matching the teacher's own services/*/main.go handler style (one
// HandleFunc per route, json.Decoder/Encoder bodies, plain http.Error for
// failures) rather than a web framework.
type Server struct {
	Queue     *queue.Queue
	Registry  *registry.Registry
	Conductor *conductor.Conductor
	Engine    *planengine.Engine
	Lifecycle *lifecycle.Manager
	Optimizer *optimizer.Manager

	validator   *RequestValidator
	limiter     *resilience.HybridRateLimiter
	taskLimiter *resilience.RateLimiter
	bus         *eventbus.Bus

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	results map[string]*planengine.PlanResult
}

// New builds a Server and registers every route on a fresh ServeMux.
// taskLimiter may be nil, in which case submitTask applies no admission
// backpressure beyond the queue's own capacity check.
func New(q *queue.Queue, reg *registry.Registry, cond *conductor.Conductor, engine *planengine.Engine, lm *lifecycle.Manager, opt *optimizer.Manager, bus *eventbus.Bus, limiter *resilience.HybridRateLimiter, taskLimiter *resilience.RateLimiter) (*Server, *http.ServeMux) {
	s := &Server{
		Queue:       q,
		Registry:    reg,
		Conductor:   cond,
		Engine:      engine,
		Lifecycle:   lm,
		Optimizer:   opt,
		validator:   NewRequestValidator(),
		limiter:     limiter,
		taskLimiter: taskLimiter,
		bus:         bus,
		cancels:     make(map[string]context.CancelFunc),
		results:     make(map[string]*planengine.PlanResult),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/agents", s.withRateLimit(s.handleAgents))
	mux.HandleFunc("/v1/tasks", s.withRateLimit(s.handleTasks))
	mux.HandleFunc("/v1/workflows", s.withRateLimit(s.handleWorkflows))
	mux.HandleFunc("/v1/plans", s.withRateLimit(s.handlePlans))
	mux.HandleFunc("/v1/metrics/system", s.withRateLimit(s.handleSystemMetrics))
	mux.HandleFunc("/v1/reports", s.withRateLimit(s.handleReports))
	mux.HandleFunc("/v1/templates", s.withRateLimit(s.handleTemplates))
	mux.HandleFunc("/v1/deployments", s.withRateLimit(s.handleDeployments))
	return s, mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withRateLimit applies the admission backpressure policy: an immediate
// token allows the request through, otherwise the caller waits on the leaky
// bucket queue or is denied with 429 if that queue is also full.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			if err := s.limiter.AllowOrWait(r.Context()); err != nil {
				writeError(w, http.StatusTooManyRequests, models.ErrQueueFull)
				return
			}
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request, schemaName string, v *RequestValidator, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return ValidationError{Field: "payload", Message: "failed to read body"}
	}
	if len(body) > maxBodyBytes {
		return ValidationError{Field: "payload", Message: "request body too large"}
	}
	if schemaName != "" {
		if err := v.ValidateJSON(schemaName, body); err != nil {
			return err
		}
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidSpec), errors.Is(err, models.ErrCyclic):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrValidationFailed):
		return http.StatusBadRequest
	default:
		var ve ValidationError
		if errors.As(err, &ve) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// handleAgents implements registerAgent (POST), unregisterAgent (DELETE
// ?id=), and getAgentStatus (GET, optional ?id=).
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var spec models.AgentSpec
		if err := decodeBody(r, "agent_spec", s.validator, &spec); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		agent, err := s.Registry.Register(r.Context(), &spec)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"agentId": agent.AgentID})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		if err := s.Registry.Unregister(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id != "" {
			agent, err := s.Registry.Get(r.Context(), id)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, agent)
			return
		}
		agents, err := s.Registry.Discover(r.Context(), registry.Query{})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, agents)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTasks implements submitTask (POST), cancelTask (DELETE ?id=), and
// getTaskStatus (GET ?id=). GET requires id and answers 400 without it; it
// does not list tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if s.taskLimiter != nil && !s.taskLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, models.ErrQueueFull)
			return
		}
		var spec models.TaskSpec
		if err := decodeBody(r, "task_spec", s.validator, &spec); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		task := &models.Task{
			TaskID:               uuid.NewString(),
			Type:                 spec.Type,
			Priority:             spec.Priority,
			Payload:              spec.Payload,
			Dependencies:         spec.Dependencies,
			RequiredCapabilities: spec.RequiredCapabilities,
			Constraints:          spec.Constraints,
			Status:               models.TaskPending,
			CreatedAt:            time.Now(),
			ScheduledFor:         spec.ScheduledFor,
			BatchID:              spec.BatchID,
		}
		if err := s.Queue.Enqueue(r.Context(), task); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"taskId": task.TaskID})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		if err := s.Queue.Cancel(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		task, err := s.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWorkflows implements submitWorkflow: expand into tasks, validate,
// and drive the plan engine asynchronously so the caller does not block for
// the whole workflow.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var wf models.Workflow
	if err := decodeBody(r, "workflow", s.validator, &wf); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	plan, tasks, err := planengine.ExpandWorkflow(&wf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	taskIDs := make([]string, len(tasks))
	taskByID := make(map[string]*models.Task, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.TaskID
		taskByID[t.TaskID] = t
	}
	s.runPlanAsync(plan, taskByID)
	writeJSON(w, http.StatusAccepted, map[string]any{"workflowId": plan.PlanID, "taskIds": taskIDs})
}

// handlePlans implements submitPlan (POST) and cancelPlan (DELETE ?id=).
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var plan models.ExecutionPlan
		if err := decodeBody(r, "execution_plan", s.validator, &plan); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if plan.PlanID == "" {
			plan.PlanID = uuid.NewString()
		}
		taskByID := make(map[string]*models.Task, len(plan.TaskIDs))
		for _, id := range plan.TaskIDs {
			task, err := s.Queue.Get(r.Context(), id)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			taskByID[id] = task
		}
		s.runPlanAsync(&plan, taskByID)
		writeJSON(w, http.StatusAccepted, map[string]string{"planId": plan.PlanID})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		s.mu.Lock()
		cancel, ok := s.cancels[id]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, models.ErrNotFound)
			return
		}
		cancel()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		s.mu.Lock()
		result, ok := s.results[id]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, models.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// runPlanAsync drives plan/tasks through the engine on a background
// goroutine, tracking a cancel func (for cancelPlan) and the latest result
// (for getTaskStatus-style polling) by plan id.
func (s *Server) runPlanAsync(plan *models.ExecutionPlan, tasks map[string]*models.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[plan.PlanID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, plan.PlanID)
			s.mu.Unlock()
			cancel()
		}()
		result, err := s.Engine.Execute(ctx, plan, tasks)
		if err != nil {
			slog.Error("controlapi: plan execution failed", "planId", plan.PlanID, "error", err)
			return
		}
		s.mu.Lock()
		s.results[plan.PlanID] = result
		s.mu.Unlock()
	}()
}

// handleSystemMetrics implements getSystemMetrics: an aggregated snapshot
// built the same way the optimizer's own evaluation loop does.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := s.Optimizer.BuildReport(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleReports implements generateReport by returning the optimizer's
// BuildReport, stamped with its fixed one-hour window; no time window is
// read from the request.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := s.Optimizer.BuildReport(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleTemplates lets operators register agent templates the lifecycle
// manager provisions deployments from.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var tmpl models.AgentTemplate
		if err := decodeBody(r, "", s.validator, &tmpl); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if tmpl.TemplateID == "" {
			tmpl.TemplateID = uuid.NewString()
		}
		if err := s.Lifecycle.PutTemplate(r.Context(), &tmpl); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"templateId": tmpl.TemplateID})

	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Lifecycle.ListTemplates())

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleDeployments lets operators create/inspect deployments bound to a
// registered template.
func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var d models.Deployment
		if err := decodeBody(r, "", s.validator, &d); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if d.DeploymentID == "" {
			d.DeploymentID = uuid.NewString()
		}
		if err := s.Lifecycle.CreateDeployment(r.Context(), &d); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"deploymentId": d.DeploymentID})

	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, ValidationError{Field: "id", Message: "required"})
			return
		}
		d, err := s.Lifecycle.GetDeployment(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, d)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
