package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator-core/core"
	"github.com/agentmesh/orchestrator-core/executor"
	"github.com/agentmesh/orchestrator-core/feedback"
	"github.com/agentmesh/orchestrator-core/planner"
	"github.com/agentmesh/orchestrator-core/recursion"
	"github.com/agentmesh/orchestrator-core/registry"
	"github.com/agentmesh/orchestrator-core/resilience"
	"github.com/agentmesh/orchestrator-core/router"
)

// server holds every wired component the admin surface dispatches into.
// The context window manager has no handler of its own: it is wired into
// the router (router.WithContextPreparer) and exercised indirectly through
// routing, not exposed as a standalone endpoint.
type server struct {
	cfg      *core.Config
	logger   core.Logger
	registry *registry.Registry
	executor *executor.Executor
	planner  *planner.Planner
	recur    *recursion.Manager
	router   *router.Router
	feedback *feedback.Store
	cb       *resilience.CircuitBreaker
	retryCfg *resilience.RetryConfig
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	healthPath := s.cfg.HTTP.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	mux.HandleFunc(healthPath, s.handleHealth)

	mux.HandleFunc("/agents", s.handleAgentsCollection)
	mux.HandleFunc("/agents/search", s.handleSearch)
	mux.HandleFunc("/agents/", s.handleAgentItem)

	mux.HandleFunc("/recursion/frames", s.handleRecursionFrames)
	mux.HandleFunc("/plan", s.handlePlan)
	mux.HandleFunc("/route", s.handleRoute)
	mux.HandleFunc("/feedback/record", s.handleFeedbackRecord)
	mux.HandleFunc("/feedback/recommend", s.handleFeedbackRecommend)

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"active_frames":  s.recur.ActiveCount(),
		"circuit_closed": s.cb.CanExecute(),
	})
}

func (s *server) handleAgentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var def core.AgentDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.registry.Register(r.Context(), def)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id.String()})
}

func (s *server) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	capability := q.Get("capability")

	var status *core.AgentStatus
	if raw := q.Get("status"); raw != "" {
		st := core.AgentStatus(raw)
		status = &st
	}

	offset := atoiOr(q.Get("offset"), 0)
	limit := atoiOr(q.Get("limit"), 50)

	page, err := s.registry.List(r.Context(), kind, capability, status, offset, limit)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	results, err := s.registry.Search(r.Context(), query)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleAgentItem dispatches /agents/{id}[/execute].
func (s *server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.SplitN(rest, "/", 2)
	idStr := parts[0]
	if idStr == "" {
		writeError(w, http.StatusNotFound, "missing agent id")
		return
	}
	id, err := core.ParseAgentId(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	if len(parts) == 2 && parts[1] == "execute" {
		s.executeAgent(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "health" {
		s.healthAgent(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		def, err := s.registry.Resolve(r.Context(), id)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case http.MethodPatch:
		var patch registry.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		def, err := s.registry.Update(r.Context(), id, patch)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case http.MethodDelete:
		if err := s.registry.Retire(r.Context(), id); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *server) executeAgent(w http.ResponseWriter, r *http.Request, id core.AgentId) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var item core.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	timeout := s.cfg.Resilience.Timeout.DefaultTimeout
	if item.Deadline != nil {
		if d := time.Until(*item.Deadline); d > 0 {
			timeout = d
		}
	}
	// executor.Execute already reports the outcome to the registry via
	// Resolver.RecordExecution (executor.go's finish); recording it again
	// here would double-count it into exec_count/health_score.
	result := s.executor.Execute(r.Context(), id, item, timeout)
	writeJSON(w, http.StatusOK, result)
}

// healthAgent probes a remote agent's health endpoint. The probe is an
// idempotent read, so it runs through the shared circuit breaker with
// exponential-backoff retry rather than a single bare call.
func (s *server) healthAgent(w http.ResponseWriter, r *http.Request, id core.AgentId) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	def, err := s.registry.Resolve(r.Context(), id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	var (
		healthy bool
		latency time.Duration
	)
	err = resilience.RetryWithCircuitBreaker(r.Context(), s.retryCfg, s.cb, func() error {
		h, d, probeErr := s.executor.Health(r.Context(), def)
		healthy, latency = h, d
		return probeErr
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"healthy": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":    healthy,
		"latency_ms": latency.Milliseconds(),
	})
}

func (s *server) handleRecursionFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  s.recur.ActiveCount(),
		"history": s.recur.History(),
	})
}

// planRequest is the wire shape for a one-shot MCTS search over the
// planner's action space, independent of any live recursion frame.
type planRequest struct {
	Objectives            []string `json:"objectives"`
	CPUPercent            float64  `json:"cpu_percent"`
	MemoryMB              float64  `json:"memory_mb"`
	HistoryLen            int      `json:"history_len"`
	LastPerformanceSample float64  `json:"last_performance_sample"`
}

func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	initial := planner.State{
		Objectives:            req.Objectives,
		Resources:             planner.ResourceState{CPUPercent: req.CPUPercent, MemoryMB: req.MemoryMB},
		HistoryLen:            req.HistoryLen,
		LastPerformanceSample: req.LastPerformanceSample,
	}
	result, err := s.planner.Search(r.Context(), initial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// routeRequest is the wire shape for a one-shot routing decision: a pool of
// already-resolved candidates, a fallback pool to use if the primary pool
// yields no admissible agent, current system load, and urgency/preference.
type routeRequest struct {
	CacheKey   string                `json:"cache_key,omitempty"`
	Candidates []router.Candidate    `json:"candidates"`
	Fallback   []router.Candidate    `json:"fallback"`
	Load       float64               `json:"load"`
	Urgent     bool                  `json:"urgent"`
	Prioritize core.RouterPreference `json:"prioritize"`
}

func (s *server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	prioritize := req.Prioritize
	if prioritize == "" {
		prioritize = s.cfg.Router.Prioritize
	}

	var (
		id  core.AgentId
		err error
	)
	if req.CacheKey != "" {
		id, err = s.router.SelectCached(req.CacheKey, req.Candidates, req.Fallback, req.Load, req.Urgent, prioritize)
	} else {
		id, err = s.router.Select(req.Candidates, req.Fallback, req.Load, req.Urgent, prioritize)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id.String()})
}

// feedbackRecordRequest reports one completed execution's quality/latency
// sample for a given agent/task-kind/parameter fingerprint.
type feedbackRecordRequest struct {
	AgentID          string              `json:"agent_id"`
	TaskKind         string              `json:"task_kind"`
	Parameters       feedback.Parameters `json:"parameters"`
	Quality          float64             `json:"quality"`
	DurationMs       float64             `json:"duration_ms"`
	ObservedAtMillis int64               `json:"observed_at_millis"`
}

func (s *server) handleFeedbackRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req feedbackRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	agentID, err := core.ParseAgentId(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	key := feedback.Key{
		AgentID:              agentID,
		TaskKind:             req.TaskKind,
		ParameterFingerprint: feedback.Fingerprint(req.Parameters),
	}
	s.feedback.Record(key, req.Quality, req.DurationMs, req.ObservedAtMillis)
	w.WriteHeader(http.StatusNoContent)
}

// feedbackRecommendRequest asks the optimizer for ranked parameter
// variations to try next for a given agent/task kind.
type feedbackRecommendRequest struct {
	AgentID  string              `json:"agent_id"`
	TaskKind string              `json:"task_kind"`
	Current  feedback.Parameters `json:"current"`
	Bounds   feedback.Bounds     `json:"bounds"`
}

func (s *server) handleFeedbackRecommend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req feedbackRecommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	agentID, err := core.ParseAgentId(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	recs := s.feedback.Recommend(agentID, req.TaskKind, req.Current, req.Bounds)
	writeJSON(w, http.StatusOK, recs)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case core.IsConfigurationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func atoiOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
