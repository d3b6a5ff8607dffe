// Package server provides the docrag HTTP surface: health checks, the search,
// ask and document API, and graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// DefaultCheckTimeout bounds a full health run.
const DefaultCheckTimeout = 5 * time.Second

// HealthCheck represents a single health check.
type HealthCheck struct {
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse is the response from health endpoints.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker is a function that performs a health check.
type HealthChecker func(ctx context.Context) HealthCheck

// HealthServer serves liveness, readiness and dependency checks.
type HealthServer struct {
	mu      sync.RWMutex
	checks  map[string]HealthChecker
	version string
	timeout time.Duration
	ready   bool
	live    bool
}

// HealthConfig configures the health server.
type HealthConfig struct {
	Version string
	// Timeout for one full check run (default: 5s)
	Timeout time.Duration
}

// NewHealthServer creates a new health server.
func NewHealthServer(config *HealthConfig) *HealthServer {
	s := &HealthServer{
		checks:  make(map[string]HealthChecker),
		timeout: DefaultCheckTimeout,
		live:    true,
	}
	if config != nil {
		s.version = config.Version
		if config.Timeout > 0 {
			s.timeout = config.Timeout
		}
	}
	return s
}

// RegisterCheck adds a health check.
func (s *HealthServer) RegisterCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = checker
}

// SetReady marks the server as ready to accept traffic.
func (s *HealthServer) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// SetLive marks the server as live (or not).
func (s *HealthServer) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

// Register mounts the health endpoints on mux.
func (s *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/healthz", s.handleHealth) // Kubernetes alias
	mux.HandleFunc("/readyz", s.handleReady)   // Kubernetes alias
	mux.HandleFunc("/livez", s.handleLive)     // Kubernetes alias
}

// Handler returns an http.Handler for the health endpoints.
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Check runs every registered check concurrently and aggregates the result.
// One unhealthy check makes the whole response unhealthy; degraded checks
// only degrade it.
func (s *HealthServer) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.RLock()
	checks := make(map[string]HealthChecker, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	version := s.version
	s.mu.RUnlock()

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Checks:    make([]HealthCheck, 0, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			check := checker(ctx)
			check.Name = name
			mu.Lock()
			response.Checks = append(response.Checks, check)
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	sort.Slice(response.Checks, func(i, j int) bool { return response.Checks[i].Name < response.Checks[j].Name })
	for _, check := range response.Checks {
		if check.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if check.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy {
			response.Status = HealthStatusDegraded
		}
	}
	return response
}

// handleHealth handles the /health endpoint - full health check.
func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := s.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// handleReady handles the /ready endpoint - readiness probe.
func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	s.writeProbe(w, ready)
}

// handleLive handles the /live endpoint - liveness probe.
func (s *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	live := s.live
	s.mu.RUnlock()
	s.writeProbe(w, live)
}

func (s *HealthServer) writeProbe(w http.ResponseWriter, ok bool) {
	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
	}
	if !ok {
		response.Status = HealthStatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Common health checkers

// VectorHealthChecker checks the vector service. checkFn returns the service
// version when it has one.
func VectorHealthChecker(backend string, checkFn func(ctx context.Context) (string, error)) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"backend": backend}
		version, err := checkFn(ctx)
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: "Vector service unreachable: " + err.Error(),
				Details: details,
			}
		}
		if version != "" {
			details["version"] = version
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Vector service OK",
			Details: details,
		}
	}
}

// CatalogHealthChecker checks the document catalog database.
func CatalogHealthChecker(checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		err := checkFn(ctx)
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: "Catalog connection failed: " + err.Error(),
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Catalog connection OK",
		}
	}
}

// GenerationHealthChecker checks the generation service. Search keeps
// working without it, so a failure only degrades the service.
func GenerationHealthChecker(host string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"host": host}
		if checkFn == nil {
			return HealthCheck{
				Status:  HealthStatusHealthy,
				Message: "Generation service configured",
				Details: details,
			}
		}

		err := checkFn(ctx)
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "Generation service unreachable: " + err.Error(),
				Details: details,
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Generation service OK",
			Details: details,
		}
	}
}

// ModelHealthChecker degrades when the configured model is not pulled.
func ModelHealthChecker(model string, hasModel func(ctx context.Context, name string) (bool, error)) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"model": model}
		ok, err := hasModel(ctx, model)
		switch {
		case err != nil:
			return HealthCheck{Status: HealthStatusDegraded, Message: "Model lookup failed: " + err.Error(), Details: details}
		case !ok:
			return HealthCheck{Status: HealthStatusDegraded, Message: "Model not available: " + model, Details: details}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "Model available", Details: details}
	}
}

// CorpusHealthChecker verifies the docs directory exists and is writable.
func CorpusHealthChecker(dir string) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"path": dir}
		info, err := os.Stat(dir)
		if err != nil {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: "Docs directory missing: " + err.Error(), Details: details}
		}
		if !info.IsDir() {
			return HealthCheck{Status: HealthStatusUnhealthy, Message: "Docs path is not a directory", Details: details}
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return HealthCheck{Status: HealthStatusDegraded, Message: "Docs directory read-only: " + err.Error(), Details: details}
		}
		f.Close()
		os.Remove(filepath.Clean(f.Name()))
		return HealthCheck{Status: HealthStatusHealthy, Message: "Docs directory OK", Details: details}
	}
}
