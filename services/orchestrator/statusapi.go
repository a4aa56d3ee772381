package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ddsfleet/pkg/metrics"
	"ddsfleet/services/modules"
)

// StatusAPI serves read-only fleet state while `fleetctl up --serve` runs.
type StatusAPI struct {
	orch    *Orchestrator
	metrics *metrics.Recorder

	mu   sync.RWMutex
	last *UpResult
}

// NewStatusAPI builds the status surface. recorder may be nil, in which case
// /metrics is not mounted.
func NewStatusAPI(orch *Orchestrator, recorder *metrics.Recorder) (*StatusAPI, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	return &StatusAPI{orch: orch, metrics: recorder}, nil
}

// SetResult records the outcome of the latest BringUp for /readyz.
func (s *StatusAPI) SetResult(result *UpResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = result
}

func (s *StatusAPI) result() *UpResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Routes constructs the chi router for the status endpoints.
func (s *StatusAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/ledger", s.handleLedger)
		r.Get("/modules", s.handleModules)
		r.Get("/run", s.handleRun)
	})
	return r
}

func (s *StatusAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.orch.Supervisor().State(),
	})
}

func (s *StatusAPI) handleReady(w http.ResponseWriter, _ *http.Request) {
	result := s.result()
	if result == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("fleet not started"))
		return
	}
	if !result.Ready {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "run_id": result.RunID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ready": true, "run_id": result.RunID})
}

func (s *StatusAPI) handleLedger(w http.ResponseWriter, _ *http.Request) {
	ledger := s.orch.Supervisor().Ledger()
	entries, err := ledger.Entries()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"path":    ledger.Path(),
		"entries": entries,
	})
}

func (s *StatusAPI) handleModules(w http.ResponseWriter, _ *http.Request) {
	result, err := modules.Discover(s.orch.ModulesDir())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *StatusAPI) handleRun(w http.ResponseWriter, _ *http.Request) {
	result := s.result()
	if result == nil {
		respondError(w, http.StatusNotFound, errors.New("no run recorded"))
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
