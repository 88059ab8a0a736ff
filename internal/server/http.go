package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer exposes the store-handle surface to the viewer: range
// listing, one-shot criteria evaluation, live result streaming, and
// diagnostics. All presentation stays on the client side.
type HTTPServer struct {
	config   *types.Config
	store    interfaces.EventStore
	engine   interfaces.FilterEngine
	ingestor interfaces.Ingestor
	server   *http.Server

	upgrader websocket.Upgrader

	// Server lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	isRunning  bool
	runningMux sync.RWMutex

	stats      HTTPServerStats
	statsMutex sync.RWMutex
}

// HTTPServerStats represents statistics about the HTTP server
type HTTPServerStats struct {
	RequestsHandled  int64 `json:"requests_handled"`
	RequestErrors    int64 `json:"request_errors"`
	ActiveStreams    int64 `json:"active_streams"`
	IsRunning        bool  `json:"is_running"`
}

// APIResponse represents a standard API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(config *types.Config, eventStore interfaces.EventStore, engine interfaces.FilterEngine, ingestor interfaces.Ingestor) *HTTPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &HTTPServer{
		config:   config,
		store:    eventStore,
		engine:   engine,
		ingestor: ingestor,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The viewer connects from localhost tooling
				return true
			},
		},
	}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.runningMux.Lock()
	defer s.runningMux.Unlock()

	if s.isRunning {
		return fmt.Errorf("HTTP server is already running")
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.isRunning = true
	s.updateStats(func(stats *HTTPServerStats) {
		stats.IsRunning = true
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("HTTP server starting on port %d", s.config.HTTPPort)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.runningMux.Lock()
	defer s.runningMux.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	s.wg.Wait()

	s.isRunning = false
	s.updateStats(func(stats *HTTPServerStats) {
		stats.IsRunning = false
	})

	log.Printf("HTTP server stopped")
	return nil
}

// GetStats returns server statistics
func (s *HTTPServer) GetStats() HTTPServerStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// setupRoutes configures all HTTP routes
func (s *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/events/", s.authMiddleware(s.handleEventBody))
	mux.HandleFunc("/api/labels", s.authMiddleware(s.handleLabels))
	mux.HandleFunc("/api/query", s.authMiddleware(s.handleQuery))
	mux.HandleFunc("/api/stats", s.authMiddleware(s.handleStats))
	mux.HandleFunc("/ws/results", s.authMiddleware(s.handleResultStream))
	mux.Handle("/metrics", promhttp.Handler())
}

// authMiddleware provides HTTP Basic Authentication when enabled
func (s *HTTPServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.AuthEnabled {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			s.sendUnauthorized(w)
			return
		}

		usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.AuthUsername)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.config.AuthPassword)) == 1
		if !usernameMatch || !passwordMatch {
			s.sendUnauthorized(w)
			return
		}

		next(w, r)
	}
}

func (s *HTTPServer) sendUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="pulsetrail"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// handleHealth reports liveness and component status
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"last_id":   s.store.LastID(),
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: health})
}

// handleEvents lists events within an optional id/time range.
// Query parameters: min_id, max_id, start, end (RFC3339), limit.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	eventRange, err := parseEventRange(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.Events(eventRange)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: events})
}

// handleEventBody serves a network task's lazily loaded request or
// response payload: GET /api/events/{id}/body?type=response
func (s *HTTPServer) handleEventBody(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/events/")
	idText, ok := strings.CutSuffix(rest, "/body")
	if !ok {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	body, err := s.store.TaskBody(id, r.URL.Query().Get("type") != "request")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	s.countRequest(nil)
}

// handleLabels returns the distinct labels for the viewer's label picker
func (s *HTTPServer) handleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.store.Labels()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: labels})
}

// queryResponse carries a one-shot evaluation result together with the
// matching events so the viewer needs a single round trip
type queryResponse struct {
	Result *types.ResultSet `json:"result"`
	Events []*types.Event   `json:"events"`
}

// handleQuery evaluates a criteria once against the current snapshot
func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	criteria, err := decodeCriteria(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.Evaluate(criteria)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.store.GetByIDs(result.IDs)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: queryResponse{Result: result, Events: events}})
}

// handleStats aggregates component statistics
func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"store":       s.store.Stats(),
		"http_server": s.GetStats(),
	}
	if s.ingestor != nil {
		stats["ingestor"] = s.ingestor.Stats()
	}
	s.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: stats})
}

// decodeCriteria reads a FilterCriteria from the request body, filling in
// defaults for omitted sections
func decodeCriteria(r *http.Request) (types.FilterCriteria, error) {
	criteria := types.DefaultCriteria()
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		return criteria, fmt.Errorf("invalid criteria: %w", err)
	}
	criteria.Labels.NormalizeLabels()
	return criteria, nil
}

// parseEventRange extracts range bounds from query parameters
func parseEventRange(r *http.Request) (interfaces.EventRange, error) {
	var eventRange interfaces.EventRange
	query := r.URL.Query()

	for _, bound := range []struct {
		name   string
		target *int64
	}{
		{"min_id", &eventRange.MinID},
		{"max_id", &eventRange.MaxID},
	} {
		if value := query.Get(bound.name); value != "" {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return eventRange, fmt.Errorf("invalid %s: %q", bound.name, value)
			}
			*bound.target = parsed
		}
	}

	if value := query.Get("start"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return eventRange, fmt.Errorf("invalid start: %q", value)
		}
		eventRange.Start = &parsed
	}
	if value := query.Get("end"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return eventRange, fmt.Errorf("invalid end: %q", value)
		}
		eventRange.End = &parsed
	}
	if value := query.Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return eventRange, fmt.Errorf("invalid limit: %q", value)
		}
		eventRange.Limit = parsed
	}

	return eventRange, nil
}

// sendJSON writes a JSON response and updates request statistics
func (s *HTTPServer) sendJSON(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
	s.countRequest(nil)
}

// sendError writes an error response and updates request statistics
func (s *HTTPServer) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
	s.countRequest(fmt.Errorf("%s", message))
}

func (s *HTTPServer) countRequest(err error) {
	s.updateStats(func(stats *HTTPServerStats) {
		stats.RequestsHandled++
		if err != nil {
			stats.RequestErrors++
		}
	})
}

// updateStats safely updates the server statistics
func (s *HTTPServer) updateStats(updateFunc func(*HTTPServerStats)) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	updateFunc(&s.stats)
}
