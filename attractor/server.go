// ABOUTME: HTTP monitoring server for submitting, inspecting, cancelling, and answering pipeline runs.
// ABOUTME: chi router, JSON in/out; suspended human gates resume through the answer endpoint.
package attractor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

// RunStatus is the lifecycle state of a server-managed pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PipelineRun tracks one pipeline execution owned by the server.
type PipelineRun struct {
	mu sync.RWMutex

	ID             string
	Status         RunStatus
	Source         string
	Graph          *Graph
	Result         *RunResult
	Error          string
	CheckpointPath string
	Question       string
	Options        []string
	CreatedAt      time.Time
	cancel         context.CancelFunc
}

// PipelineServer exposes pipeline execution over HTTP.
type PipelineServer struct {
	mu     sync.RWMutex
	runs   map[string]*PipelineRun
	engine func() *Engine // fresh engine per run so session state never leaks
	sink   LogSink
	router chi.Router
}

// NewPipelineServer creates a server. newEngine is called once per
// submitted run; sink, when non-nil, backs the events endpoint.
func NewPipelineServer(newEngine func() *Engine, sink LogSink) *PipelineServer {
	s := &PipelineServer{
		runs:   make(map[string]*PipelineRun),
		engine: newEngine,
		sink:   sink,
	}

	r := chi.NewRouter()
	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
			r.Post("/answer", s.handleAnswer)
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *PipelineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type submitRequest struct {
	Source string `json:"source"`
}

type runResponse struct {
	ID             string    `json:"id"`
	Status         RunStatus `json:"status"`
	CompletedNodes []string  `json:"completed_nodes,omitempty"`
	TotalCost      float64   `json:"total_cost,omitempty"`
	StepCount      int       `json:"step_count,omitempty"`
	Error          string    `json:"error,omitempty"`
	Question       string    `json:"question,omitempty"`
	Options        []string  `json:"options,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *PipelineServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		httpError(w, http.StatusBadRequest, "body must be JSON with a non-empty source field")
		return
	}

	graph, err := Parse(req.Source)
	if err != nil {
		httpError(w, http.StatusBadRequest, "parse error: "+err.Error())
		return
	}

	run := &PipelineRun{
		ID:        ulid.Make().String(),
		Status:    RunStatusRunning,
		Source:    req.Source,
		Graph:     graph,
		CreatedAt: time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	go s.executeRun(runCtx, run, func(ctx context.Context, eng *Engine) (*RunResult, error) {
		return eng.RunGraph(ctx, graph)
	})

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, run.snapshot())
}

// executeRun drives one engine invocation and files its result.
func (s *PipelineServer) executeRun(ctx context.Context, run *PipelineRun, invoke func(context.Context, *Engine) (*RunResult, error)) {
	result, err := invoke(ctx, s.engine())

	run.mu.Lock()
	defer run.mu.Unlock()
	run.Result = result

	var awaiting *AwaitingHumanError
	switch {
	case err == nil:
		run.Status = RunStatusCompleted
	case errors.As(err, &awaiting):
		run.Status = RunStatusSuspended
		run.Question = awaiting.Question
		run.Options = awaiting.Options
		run.CheckpointPath = awaiting.CheckpointPath
	case errors.Is(err, context.Canceled):
		run.Status = RunStatusCancelled
	default:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}
}

func (s *PipelineServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]runResponse, 0, len(s.runs))
	for _, run := range s.runs {
		list = append(list, run.snapshot())
	}
	writeJSON(w, list)
}

func (s *PipelineServer) handleGet(w http.ResponseWriter, r *http.Request) {
	run := s.lookup(w, r)
	if run == nil {
		return
	}
	writeJSON(w, run.snapshot())
}

func (s *PipelineServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	run := s.lookup(w, r)
	if run == nil {
		return
	}
	if s.sink == nil {
		httpError(w, http.StatusNotImplemented, "no event sink configured")
		return
	}

	run.mu.RLock()
	sessionID := ""
	if run.Result != nil {
		sessionID = run.Result.SessionID
	}
	run.mu.RUnlock()
	if sessionID == "" {
		writeJSON(w, []EngineEvent{})
		return
	}

	events, total, err := s.sink.Query(sessionID, EventFilter{})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"events": events, "total": total})
}

func (s *PipelineServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	run := s.lookup(w, r)
	if run == nil {
		return
	}

	run.mu.Lock()
	if run.Status == RunStatusRunning && run.cancel != nil {
		run.cancel()
	}
	run.mu.Unlock()

	writeJSON(w, run.snapshot())
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *PipelineServer) handleAnswer(w http.ResponseWriter, r *http.Request) {
	run := s.lookup(w, r)
	if run == nil {
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		httpError(w, http.StatusBadRequest, "body must be JSON with a non-empty answer field")
		return
	}

	run.mu.Lock()
	if run.Status != RunStatusSuspended {
		run.mu.Unlock()
		httpError(w, http.StatusConflict, "run is not suspended")
		return
	}
	checkpointPath := run.CheckpointPath
	graph := run.Graph
	run.Status = RunStatusRunning
	run.Question = ""
	run.Options = nil

	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	run.mu.Unlock()

	go s.executeRun(runCtx, run, func(ctx context.Context, eng *Engine) (*RunResult, error) {
		return eng.Resume(ctx, graph, checkpointPath, req.Answer)
	})

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, run.snapshot())
}

func (s *PipelineServer) lookup(w http.ResponseWriter, r *http.Request) *PipelineRun {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	run := s.runs[id]
	s.mu.RUnlock()
	if run == nil {
		httpError(w, http.StatusNotFound, "no such run")
		return nil
	}
	return run
}

func (run *PipelineRun) snapshot() runResponse {
	run.mu.RLock()
	defer run.mu.RUnlock()

	resp := runResponse{
		ID:        run.ID,
		Status:    run.Status,
		Error:     run.Error,
		Question:  run.Question,
		Options:   run.Options,
		CreatedAt: run.CreatedAt,
	}
	if run.Result != nil {
		resp.CompletedNodes = run.Result.CompletedNodes
		resp.TotalCost = run.Result.TotalCost
		resp.StepCount = run.Result.StepCount
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
