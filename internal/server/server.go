package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qsimlab/beopt/internal/config"
	apperrors "github.com/qsimlab/beopt/internal/errors"
	"github.com/qsimlab/beopt/internal/logging"
	"github.com/qsimlab/beopt/internal/optimization"
	"github.com/qsimlab/beopt/internal/scratch"
	"github.com/qsimlab/beopt/internal/store"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// RunState tracks one optimization run owned by the server. Access goes
// through the server's run mutex.
type RunState struct {
	ID          string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Spec        *config.RunSpec
	Result      *optimization.Result
	Err         string

	output *syncBuffer
	cancel context.CancelFunc
}

// syncBuffer is a mutex-guarded byte buffer so the iteration report can be
// read while the run goroutine is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Server implements the HTTP and JSON-RPC surface of the optimization
// service. It starts runs, tracks their state in memory, and persists run
// records so results survive restarts.
type Server struct {
	cfg    *config.Config
	logger Logger
	store  *store.FS

	runs   map[string]*RunState
	runsMu sync.RWMutex
}

// NewServer creates a server with the given config, logger, and run store.
func NewServer(cfg *config.Config, logger Logger, st *store.FS) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		runs:   make(map[string]*RunState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleRunStatusHTTP)
		r.Delete("/runs/{id}", s.handleCancelRunHTTP)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      interface{}   `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, apperrors.CodeParseError, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, apperrors.CodeInvalidRequest, "Invalid Request", nil)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "run.start":
		result, err = s.handleRunStart(request.Params)
	case "run.status":
		result, err = s.handleRunStatus(request.Params)
	case "run.cancel":
		err = s.handleRunCancel(request.Params)
	default:
		s.respondWithError(w, apperrors.CodeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, apperrors.CodeOf(err), err.Error(), request.ID)
		return
	}

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRunStart handles the run.start JSON-RPC method. The single
// parameter is a run spec object in the same shape as the TOML run file.
// Returns: {"run_id": "...", "status": "pending"}
func (s *Server) handleRunStart(params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, apperrors.InvalidParams("missing required parameters")
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return nil, apperrors.InvalidParams("invalid parameter format, expected object")
	}

	data, err := json.Marshal(paramMap)
	if err != nil {
		return nil, apperrors.InvalidParams("invalid run spec: %v", err)
	}
	spec := &config.RunSpec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, apperrors.InvalidParams("invalid run spec: %v", err)
	}
	if err := spec.Normalize(); err != nil {
		return nil, apperrors.WrapParams(err)
	}
	// The driver terminates the process on unsupported methods; reject
	// them at the API boundary instead.
	if spec.Method != "QN" {
		return nil, apperrors.InvalidParams("unsupported optimization method %q", spec.Method)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	state := &RunState{
		ID:          id,
		Status:      store.StatusPending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Spec:        spec,
		output:      &syncBuffer{},
		cancel:      cancel,
	}

	s.runsMu.Lock()
	s.runs[id] = state
	s.runsMu.Unlock()
	s.persist(state)

	go s.runOptimization(ctx, state)

	return map[string]interface{}{
		"run_id": id,
		"status": store.StatusPending,
	}, nil
}

// handleRunStatus handles the run.status JSON-RPC method.
// Expected parameters: {"run_id": "..."}
func (s *Server) handleRunStatus(params []interface{}) (interface{}, error) {
	id, err := runIDParam(params)
	if err != nil {
		return nil, err
	}

	s.runsMu.RLock()
	state, exists := s.runs[id]
	s.runsMu.RUnlock()

	if !exists {
		// Fall back to persisted records from earlier server lifetimes.
		rec, err := s.store.Get(id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fmt.Errorf("run not found")
			}
			return nil, err
		}
		return recordResponse(rec), nil
	}

	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	response := map[string]interface{}{
		"run_id":      state.ID,
		"status":      state.Status,
		"solver":      state.Spec.Solver,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
		"output":      state.output.String(),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	return response, nil
}

// handleRunCancel handles the run.cancel JSON-RPC method.
// Expected parameters: {"run_id": "..."}
func (s *Server) handleRunCancel(params []interface{}) error {
	id, err := runIDParam(params)
	if err != nil {
		return err
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	state, exists := s.runs[id]
	if !exists {
		return fmt.Errorf("run not found")
	}

	switch state.Status {
	case store.StatusConverged, store.StatusExhausted, store.StatusFailed, store.StatusCanceled:
		return fmt.Errorf("cannot cancel run with status: %s", state.Status)
	}

	if state.cancel != nil {
		state.cancel()
	}

	state.Status = store.StatusCanceled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	s.persistLocked(state)

	s.logger.Info("Run cancelled", map[string]interface{}{
		"run_id": id,
	})
	return nil
}

// runOptimization executes one run in a goroutine, keeping the state map
// and the persistent record in step with its progress.
func (s *Server) runOptimization(ctx context.Context, state *RunState) {
	s.runsMu.Lock()
	if state.Status == store.StatusCanceled {
		s.runsMu.Unlock()
		return
	}
	state.Status = store.StatusRunning
	state.LastUpdated = time.Now()
	s.persistLocked(state)
	s.runsMu.Unlock()

	res, err := s.executeRun(ctx, state)

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	if state.Status == store.StatusCanceled {
		// The cancel handler already finalized the state; keep whatever
		// partial output the run produced.
		s.persistLocked(state)
		return
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		state.Status = store.StatusCanceled
	case err != nil:
		s.logger.Error("Run failed", map[string]interface{}{
			"run_id": state.ID,
			"error":  err.Error(),
		})
		state.Status = store.StatusFailed
		state.Err = err.Error()
	case res.Converged:
		state.Status = store.StatusConverged
		state.Result = res
	default:
		state.Status = store.StatusExhausted
		state.Result = res
	}

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	s.persistLocked(state)
}

// executeRun assembles and runs the optimization, giving external solver
// runs a scratch tree that is released on success and kept on failure.
func (s *Server) executeRun(ctx context.Context, state *RunState) (*optimization.Result, error) {
	runLogger := s.logger.WithFields(map[string]interface{}{
		"run_id": state.ID,
	})

	build := func(scratchRoot string) (*optimization.Run, error) {
		return optimization.BuildRun(optimization.RunParams{
			Spec:        state.Spec,
			ScratchRoot: scratchRoot,
			Output:      state.output,
			Logger:      runLogger,
			Context:     ctx,
		})
	}

	if state.Spec.Command == "" {
		run, err := build("")
		if err != nil {
			return nil, err
		}
		return run.Execute()
	}

	root := s.cfg.Scratch.Root
	if root == "" {
		root = os.TempDir()
	}
	dir, err := scratch.New(filepath.Join(root, "BeOpt_run_"+state.ID))
	if err != nil {
		return nil, err
	}

	var res *optimization.Result
	err = dir.Do(func(d *scratch.Dir) error {
		run, err := build(d.Path())
		if err != nil {
			return err
		}
		res, err = run.Execute()
		return err
	})
	return res, err
}

// persist writes the state's record, logging rather than failing on store
// errors so a full data directory cannot take down a run.
func (s *Server) persist(state *RunState) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	s.persistLocked(state)
}

func (s *Server) persistLocked(state *RunState) {
	rec := &store.RunRecord{
		ID:        state.ID,
		Status:    state.Status,
		Solver:    state.Spec.Solver,
		OnlyChem:  state.Spec.OnlyChemPot,
		Potential: state.Spec.Potential,
		CreatedAt: state.StartTime,
		UpdatedAt: state.LastUpdated,
		Result:    state.Result,
		Error:     state.Err,
		Output:    state.output.String(),
	}
	if err := s.store.Save(rec); err != nil {
		s.logger.Error("Failed to persist run record", map[string]interface{}{
			"run_id": state.ID,
			"error":  err.Error(),
		})
	}
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Close cancels every run that is still in flight.
func (s *Server) Close() error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	for _, run := range s.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
	return nil
}

// runIDParam extracts the run_id parameter shared by status and cancel.
func runIDParam(params []interface{}) (string, error) {
	if len(params) == 0 {
		return "", apperrors.InvalidParams("missing required parameters")
	}
	paramMap, ok := params[0].(map[string]interface{})
	if !ok {
		return "", apperrors.InvalidParams("invalid parameter format, expected object")
	}
	id, ok := paramMap["run_id"].(string)
	if !ok || id == "" {
		return "", apperrors.InvalidParams("run_id is required")
	}
	return id, nil
}

// recordResponse shapes a persisted record like a live status response.
func recordResponse(rec *store.RunRecord) map[string]interface{} {
	response := map[string]interface{}{
		"run_id":      rec.ID,
		"status":      rec.Status,
		"solver":      rec.Solver,
		"start_time":  rec.CreatedAt.Format(time.RFC3339),
		"last_update": rec.UpdatedAt.Format(time.RFC3339),
		"output":      rec.Output,
	}
	if rec.Result != nil {
		response["result"] = rec.Result
	}
	if rec.Error != "" {
		response["error"] = rec.Error
	}
	return response
}

// handleStartRun handles POST /api/v1/runs.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.handleRunStart([]interface{}{body})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(result)
}

// handleListRuns handles GET /api/v1/runs from the persistent store.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The listing omits bulky per-run output.
	type listItem struct {
		ID        string    `json:"run_id"`
		Status    string    `json:"status"`
		Solver    string    `json:"solver"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	items := make([]listItem, len(recs))
	for i, rec := range recs {
		items[i] = listItem{
			ID:        rec.ID,
			Status:    rec.Status,
			Solver:    rec.Solver,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs": items,
	})
}

// handleRunStatusHTTP handles GET /api/v1/runs/{id}.
func (s *Server) handleRunStatusHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	result, err := s.handleRunStatus([]interface{}{map[string]interface{}{
		"run_id": id,
	}})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// handleCancelRunHTTP handles DELETE /api/v1/runs/{id}.
func (s *Server) handleCancelRunHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	err := s.handleRunCancel([]interface{}{map[string]interface{}{
		"run_id": id,
	}})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "cancellation requested",
	})
}
