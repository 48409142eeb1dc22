package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/agents"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/guard"
	"github.com/agentgate/agentgate/internal/jobs"
	"github.com/agentgate/agentgate/internal/middleware"
	"github.com/agentgate/agentgate/internal/payment"
)

// maxRequestBody caps request bodies on every JSON endpoint.
const maxRequestBody = 1 << 20

// routes builds the main API mux. The caller wraps it with the admission
// chain; the payment gate and worker auth apply per route here.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /availability", s.handleAvailability)
	mux.HandleFunc("GET /input_schema", s.handleInputSchema)
	mux.HandleFunc("POST /start_job", s.handleStartJob)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /provide_input", s.handleProvideInput)

	mux.Handle("POST /search", s.chain.RequirePayment(s.gate, http.HandlerFunc(s.handleSearch)))
	mux.Handle("POST /scrape", s.chain.RequirePayment(s.gate, http.HandlerFunc(s.handleScrape)))
	mux.Handle("POST /task", s.chain.RequirePayment(s.gate, http.HandlerFunc(s.handleTask)))

	mux.Handle("GET /worker/tasks", s.workerAuth.Wrap(http.HandlerFunc(s.handleWorkerList)))
	mux.Handle("POST /worker/tasks/claim", s.workerAuth.Wrap(http.HandlerFunc(s.handleWorkerClaim)))
	mux.Handle("POST /worker/tasks/complete", s.workerAuth.Wrap(http.HandlerFunc(s.handleWorkerComplete)))

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into v, answering 400 itself on
// failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", 0)
		return false
	}
	return true
}

type availabilityResponse struct {
	Status       string   `json:"status"`
	Agent        string   `json:"agent"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, _ *http.Request) {
	caps := make([]string, 0, 3)
	if s.searcher != nil {
		caps = append(caps, string(jobs.CapabilitySearch))
	}
	caps = append(caps, string(jobs.CapabilityScrape), string(jobs.CapabilityTask))

	writeJSON(w, http.StatusOK, availabilityResponse{
		Status:       "available",
		Agent:        s.cfg.Agent.Name,
		Description:  s.cfg.Agent.Description,
		Version:      s.version,
		Capabilities: caps,
	})
}

// inputSchemas documents the accepted input per capability, JSON Schema
// style.
var inputSchemas = map[jobs.Capability]json.RawMessage{
	jobs.CapabilitySearch: json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"max_results":{"type":"integer","minimum":1}}}`),
	jobs.CapabilityScrape: json.RawMessage(`{"type":"object","required":["url"],"properties":{"url":{"type":"string","format":"uri"}}}`),
	jobs.CapabilityTask:   json.RawMessage(`{"type":"object","required":["prompt"],"properties":{"prompt":{"type":"string"}}}`),
}

func (s *Server) handleInputSchema(w http.ResponseWriter, r *http.Request) {
	if c := r.URL.Query().Get("capability"); c != "" {
		schema, ok := inputSchemas[jobs.Capability(c)]
		if !ok {
			middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "unknown capability", 0)
			return
		}
		writeJSON(w, http.StatusOK, map[string]json.RawMessage{c: schema})
		return
	}
	writeJSON(w, http.StatusOK, inputSchemas)
}

type startJobRequest struct {
	// JobID pays for an existing awaiting_payment job instead of creating
	// a new one.
	JobID      string          `json:"job_id,omitempty"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
}

type startJobResponse struct {
	JobID        string                `json:"job_id"`
	Status       jobs.Status           `json:"status"`
	Requirements *payment.Requirements `json:"requirements,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if !readJSON(w, r, &req) {
		return
	}

	if req.JobID != "" {
		s.payExistingJob(w, r, req.JobID)
		return
	}

	capability := jobs.Capability(req.Capability)
	if !capability.Valid() {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "unknown capability", 0)
		return
	}
	if capability == jobs.CapabilitySearch && s.searcher == nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "search_disabled", "no search provider configured", 0)
		return
	}

	identity := middleware.IdentityFrom(r.Context())
	job := jobs.NewJob(capability, identity, req.Input, time.Now())
	ref := r.Header.Get(payment.Header)

	switch {
	case s.gate.Free():
		// Unpriced service: run immediately.
	case ref == "":
		job.Status = jobs.StatusAwaitingPayment
		if err := s.store.Create(r.Context(), job); err != nil {
			middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not store job", 0)
			return
		}
		reqs := s.gate.Requirements(job.ID)
		writeJSON(w, http.StatusCreated, startJobResponse{
			JobID:        job.ID,
			Status:       job.Status,
			Requirements: &reqs,
		})
		return
	default:
		if err := s.gate.Check(r.Context(), ref, identity, job.ID); err != nil {
			s.writePaymentError(w, job.ID, err)
			return
		}
		job.PaymentRef = ref
	}

	if err := s.store.Create(r.Context(), job); err != nil {
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not store job", 0)
		return
	}
	if err := s.executor.Submit(job.ID); err != nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "busy", "job queue is full, retry later", 0)
		return
	}
	writeJSON(w, http.StatusCreated, startJobResponse{JobID: job.ID, Status: job.Status})
}

// payExistingJob settles an awaiting_payment job and starts it.
func (s *Server) payExistingJob(w http.ResponseWriter, r *http.Request, id string) {
	if !jobs.ValidID(id) {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "invalid job_id", 0)
		return
	}
	identity := middleware.IdentityFrom(r.Context())
	ref := r.Header.Get(payment.Header)

	if err := s.gate.Check(r.Context(), ref, identity, id); err != nil {
		s.writePaymentError(w, id, err)
		return
	}

	job, err := s.store.Update(r.Context(), id, func(j *jobs.Job) error {
		if j.Status != jobs.StatusAwaitingPayment {
			return jobs.ErrInvalidTransition
		}
		j.PaymentRef = ref
		j.UpdatedAt = time.Now()
		return nil
	})
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "job not found", 0)
		return
	case errors.Is(err, jobs.ErrInvalidTransition):
		middleware.WriteJSONError(w, http.StatusConflict, "conflict", "job is not awaiting payment", 0)
		return
	case err != nil:
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not update job", 0)
		return
	}

	if err := s.executor.Submit(job.ID); err != nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "busy", "job queue is full, retry later", 0)
		return
	}
	writeJSON(w, http.StatusOK, startJobResponse{JobID: job.ID, Status: job.Status})
}

// paymentErrorBody mirrors the middleware 402 body so buyers see the same
// shape on both the direct and the job endpoints.
type paymentErrorBody struct {
	Error        string               `json:"error"`
	Message      string               `json:"message"`
	RequestID    string               `json:"request_id,omitempty"`
	Requirements payment.Requirements `json:"requirements"`
}

func (s *Server) writePaymentError(w http.ResponseWriter, jobID string, err error) {
	body := paymentErrorBody{
		Error:        "payment_invalid",
		Message:      "payment could not be verified",
		RequestID:    w.Header().Get(middleware.RequestIDHeader),
		Requirements: s.gate.Requirements(jobID),
	}
	if errors.Is(err, payment.ErrPaymentRequired) {
		body.Error = "payment_required"
		body.Message = "payment reference required"
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

type statusResponse struct {
	JobID        string                `json:"job_id"`
	Capability   jobs.Capability       `json:"capability"`
	Status       jobs.Status           `json:"status"`
	Result       json.RawMessage       `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Requirements *payment.Requirements `json:"requirements,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if !jobs.ValidID(id) {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "invalid job_id", 0)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "job not found", 0)
		return
	}
	if err != nil {
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not load job", 0)
		return
	}

	resp := statusResponse{
		JobID:      job.ID,
		Capability: job.Capability,
		Status:     job.Status,
		Result:     job.Result,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Status == jobs.StatusAwaitingPayment {
		reqs := s.gate.Requirements(job.ID)
		resp.Requirements = &reqs
	}
	writeJSON(w, http.StatusOK, resp)
}

type provideInputRequest struct {
	JobID string          `json:"job_id"`
	Input json.RawMessage `json:"input"`
}

// handleProvideInput resolves an awaiting_input job with buyer-supplied
// input. The queued human task, if any, is withdrawn.
func (s *Server) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	var req provideInputRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !jobs.ValidID(req.JobID) {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "invalid job_id", 0)
		return
	}

	job, err := s.store.Update(r.Context(), req.JobID, func(j *jobs.Job) error {
		if j.Status != jobs.StatusAwaitingInput {
			return jobs.ErrInvalidTransition
		}
		j.Status = jobs.StatusCompleted
		j.Result = req.Input
		j.UpdatedAt = time.Now()
		return nil
	})
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "job not found", 0)
		return
	case errors.Is(err, jobs.ErrInvalidTransition):
		middleware.WriteJSONError(w, http.StatusConflict, "conflict", "job is not awaiting input", 0)
		return
	case err != nil:
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not update job", 0)
		return
	}

	s.queue.Remove(job.ID)
	s.jobFinished(job)
	writeJSON(w, http.StatusOK, startJobResponse{JobID: job.ID, Status: job.Status})
}

// ---------------------------------------------------------------------------
// Direct capability endpoints (synchronous, payment-gated).
// ---------------------------------------------------------------------------

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	defer s.observeCapability("search", time.Now())

	var req agents.SearchRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "query is required", 0)
		return
	}
	if s.searcher == nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "search_disabled", "no search provider configured", 0)
		return
	}
	resp, err := s.searcher.Search(r.Context(), &req)
	if err != nil {
		s.logger.Error("search failed", "error", err, "request_id", middleware.RequestIDFrom(r.Context()))
		middleware.WriteJSONError(w, http.StatusBadGateway, "upstream_error", "search provider error", 0)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	defer s.observeCapability("scrape", time.Now())

	var req agents.ScrapeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "url is required", 0)
		return
	}
	resp, err := s.scraper.Scrape(r.Context(), &req)
	if err != nil {
		s.writeScrapeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeScrapeError maps fetch failures: blocked targets answer 400 with the
// coarse validator reason, everything else answers 502.
func (s *Server) writeScrapeError(w http.ResponseWriter, r *http.Request, err error) {
	var ute *guard.UnsafeTargetError
	switch {
	case errors.As(err, &ute):
		s.emitTargetBlocked(r, ute.Reason)
		middleware.WriteJSONError(w, http.StatusBadRequest, "target_blocked", ute.Reason, 0)
	case errors.Is(err, agents.ErrBlockedAddress):
		s.emitTargetBlocked(r, guard.ReasonInternalAddress)
		middleware.WriteJSONError(w, http.StatusBadRequest, "target_blocked", guard.ReasonInternalAddress, 0)
	default:
		s.logger.Error("scrape failed", "error", err, "request_id", middleware.RequestIDFrom(r.Context()))
		middleware.WriteJSONError(w, http.StatusBadGateway, "upstream_error", "fetch failed", 0)
	}
}

// emitTargetBlocked records a rejected fetch target as a usage event. The
// coarse reason stays out of the event body; the per-reason breakdown lives
// in the targets_blocked_total metric.
func (s *Server) emitTargetBlocked(r *http.Request, _ string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.UsageEvent{
		Identity:   middleware.IdentityFrom(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		Decision:   events.DecisionTargetBlocked,
		Capability: string(jobs.CapabilityScrape),
		StatusCode: http.StatusBadRequest,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  middleware.RequestIDFrom(r.Context()),
	})
}

func (s *Server) observeCapability(name string, start time.Time) {
	s.metrics.PromCapabilityDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

type taskRequest struct {
	Prompt json.RawMessage `json:"prompt"`
}

// handleTask submits a human-in-the-loop task. The job parks at
// awaiting_input until a worker completes it or the buyer answers via
// provide_input.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Prompt) == 0 {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "prompt is required", 0)
		return
	}

	queued, claimed := s.queue.Depth()
	if queued+claimed >= s.cfg.Tasks.QueueSize && s.cfg.Tasks.QueueSize > 0 {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "task_queue_full", "no task capacity, retry later", 0)
		return
	}

	identity := middleware.IdentityFrom(r.Context())
	input, err := json.Marshal(map[string]json.RawMessage{"prompt": req.Prompt})
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "bad_request", "invalid prompt", 0)
		return
	}
	job := jobs.NewJob(jobs.CapabilityTask, identity, input, time.Now())
	if err := s.store.Create(r.Context(), job); err != nil {
		middleware.WriteJSONError(w, http.StatusInternalServerError, "internal", "could not store job", 0)
		return
	}
	if err := s.executor.Submit(job.ID); err != nil {
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "busy", "job queue is full, retry later", 0)
		return
	}
	writeJSON(w, http.StatusAccepted, startJobResponse{JobID: job.ID, Status: job.Status})
}

// ---------------------------------------------------------------------------
// Worker endpoints (JWT-authenticated).
// ---------------------------------------------------------------------------

func (s *Server) handleWorkerList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]*agents.Task{"tasks": s.queue.List()})
}

func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	worker := middleware.WorkerFrom(r.Context())
	task, err := s.queue.Claim(worker)
	if errors.Is(err, agents.ErrNoQueuedTasks) {
		middleware.WriteJSONError(w, http.StatusNotFound, "no_tasks", "no queued tasks", 0)
		return
	}
	s.logger.Info("task claimed", "task_id", task.ID, "worker", worker)
	writeJSON(w, http.StatusOK, task)
}

type workerCompleteRequest struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	var req workerCompleteRequest
	if !readJSON(w, r, &req) {
		return
	}
	worker := middleware.WorkerFrom(r.Context())

	if _, err := s.queue.Complete(req.TaskID, worker); err != nil {
		switch {
		case errors.Is(err, agents.ErrWrongWorker):
			middleware.WriteJSONError(w, http.StatusForbidden, "forbidden", "task claimed by another worker", 0)
		default:
			middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "task not claimed", 0)
		}
		return
	}

	job, err := s.store.Update(r.Context(), req.TaskID, func(j *jobs.Job) error {
		if err := jobs.Transition(jobs.StatusCompleted, time.Now)(j); err != nil {
			return err
		}
		j.Result = req.Output
		return nil
	})
	if err != nil {
		s.logger.Error("worker completion lost, job unavailable",
			"task_id", req.TaskID, "worker", worker, "error", err)
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found",
			fmt.Sprintf("job %s no longer exists", req.TaskID), 0)
		return
	}

	s.jobFinished(job)
	s.logger.Info("task completed", "task_id", req.TaskID, "worker", worker)
	writeJSON(w, http.StatusOK, startJobResponse{JobID: job.ID, Status: job.Status})
}

// ---------------------------------------------------------------------------
// Executor capability handlers.
// ---------------------------------------------------------------------------

func (s *Server) runSearchJob(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	if s.searcher == nil {
		return nil, agents.ErrSearchDisabled
	}
	var req agents.SearchRequest
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return nil, fmt.Errorf("invalid search input: %w", err)
	}
	if req.Query == "" {
		return nil, errors.New("search input requires a query")
	}
	resp, err := s.searcher.Search(ctx, &req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (s *Server) runScrapeJob(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var req agents.ScrapeRequest
	if err := json.Unmarshal(job.Input, &req); err != nil {
		return nil, fmt.Errorf("invalid scrape input: %w", err)
	}
	if req.URL == "" {
		return nil, errors.New("scrape input requires a url")
	}
	resp, err := s.scraper.Scrape(ctx, &req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// runTaskJob enqueues the human task and parks the job until input arrives.
func (s *Server) runTaskJob(_ context.Context, job *jobs.Job) (json.RawMessage, error) {
	if _, err := s.queue.Enqueue(job.ID, job.Input); err != nil {
		return nil, err
	}
	return nil, jobs.ErrAwaitInput
}
