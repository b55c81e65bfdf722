// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// maxConvergeTimeoutSec caps the per-check timeout of POST /v1/converge.
const maxConvergeTimeoutSec = 600

// RunAPI defines the interface for the run controller that handlers need.
type RunAPI interface {
	StartRun(req types.StartRunRequest) (string, error)
	StopRun() bool
	Metrics() types.RunMetrics
	Converge(ctx context.Context, checks types.ConvergeChecks, timeout time.Duration) []types.ConvergeResult

	// Persistent history
	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(ctx context.Context, id string, opsLimit int) (*controller.RunDetail, error)
	RunOps(ctx context.Context, id string, limit, offset int) (*storage.PaginatedOps, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckNodes(ctx context.Context) map[string]error
}

var _ RunAPI = (*controller.Controller)(nil)

// Server handles HTTP requests for the workload generator.
type Server struct {
	api       RunAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server.
func NewServer(api RunAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Create WebSocket server for real-time metrics streaming
	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the WebSocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/converge", s.corsMiddleware(s.handleConverge))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// writeJSON writes v as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleStatus returns the current run metrics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Metrics())
}

// handleStart starts a new run.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := controller.ValidateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.StartRun(req)
	if err != nil {
		if errors.Is(err, controller.ErrRunActive) {
			s.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]string{"status": "started", "id": id})
}

// handleStop stops the current run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "idle"
	if s.api.StopRun() {
		status = "stopping"
	}
	s.writeJSON(w, map[string]string{"status": status})
}

// handleConverge runs convergence checks against the configured nodes and
// waits for their outcome.
func (s *Server) handleConverge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.ConvergeRequest
	// An empty body selects every check with default timeouts.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TimeoutSec < 0 || req.TimeoutSec > maxConvergeTimeoutSec {
		s.writeJSONError(w, "Validation error: timeoutSec must be between 0 and "+strconv.Itoa(maxConvergeTimeoutSec), http.StatusBadRequest)
		return
	}

	results := s.api.Converge(r.Context(), req.Checks, time.Duration(req.TimeoutSec)*time.Second)
	resp := types.ConvergeResponse{Converged: len(results) > 0, Results: results}
	for _, res := range results {
		if !res.Converged {
			resp.Converged = false
		}
	}
	s.writeJSON(w, resp)
}

// pagination parses limit and offset query parameters.
func pagination(r *http.Request, defLimit, maxLimit int) (limit, offset int) {
	limit = defLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// handleHistory returns run history with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, 50, 100)
	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleHistoryDetail handles /v1/history/{id} and /v1/history/{id}/ops routes.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/history/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	runID := parts[0]

	if len(parts) > 1 && parts[1] == "ops" {
		s.handleRunOps(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.api.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			if strings.Contains(err.Error(), "not found") {
				s.writeJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to update run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		detail, err := s.api.RunDetail(r.Context(), runID, 0)
		if err != nil || detail == nil {
			s.writeJSONError(w, "Failed to get updated run", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, detail.Run)

	case http.MethodGet:
		opsLimit, _ := pagination(r, 100, 1000)
		detail, err := s.api.RunDetail(r.Context(), runID, opsLimit)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, detail)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunOps handles GET /v1/history/{id}/ops.
func (s *Server) handleRunOps(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, 100, 1000)
	result, err := s.api.RunOps(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get operations: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "failed"
	Error  string `json:"error,omitempty"`
}

// handleReady handles readiness probes: every node must answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for name, err := range s.health.CheckNodes(ctx) {
			check := ReadinessCheck{Name: "node-" + name, Status: "ok"}
			if err != nil {
				check.Status = "failed"
				check.Error = err.Error()
				allHealthy = false
			}
			checks = append(checks, check)
		}
		slices.SortFunc(checks, func(a, b ReadinessCheck) int { return strings.Compare(a.Name, b.Name) })
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
