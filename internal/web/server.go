package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/registry"
	"github.com/Not-Mally-Raw/Citadel/internal/state"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer handles HTTP requests for vault data and operations
type WebServer struct {
	router     *mux.Router
	listenAddr string
	registry   *registry.Registry
	trigger    func() // requests an immediate rebalance cycle, may be nil
	configName string
}

// NewWebServer creates a new web server instance
func NewWebServer(listenAddr string, reg *registry.Registry, trigger func(), configName string) *WebServer {
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	if configName == "" {
		configName = "default"
	}

	server := &WebServer{
		router:     mux.NewRouter(),
		listenAddr: listenAddr,
		registry:   reg,
		trigger:    trigger,
		configName: configName,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// Prometheus metrics
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vaults", ws.handleListVaults).Methods("GET")
	api.HandleFunc("/vault/{id}", ws.handleGetVault).Methods("GET")
	api.HandleFunc("/vault/{id}/positions", ws.handleGetPositions).Methods("GET")
	api.HandleFunc("/vault/{id}/plan", ws.handleGetPlan).Methods("GET")
	api.HandleFunc("/vault/{id}/strategies", ws.handleGetStrategies).Methods("GET")
	api.HandleFunc("/vault/{id}/summary", ws.handleGetVaultSummary).Methods("GET")
	api.HandleFunc("/vault/{id}/rebalance", ws.handleTriggerRebalance).Methods("POST")
	api.HandleFunc("/vault/{id}/bridge/stats", ws.handleGetBridgeStats).Methods("GET")
	api.HandleFunc("/vault/{id}/bridge/performance", ws.handleGetBridgePerformance).Methods("GET")
	api.HandleFunc("/strategies/{id}/returns", ws.handleGetStrategyReturns).Methods("GET")
	api.HandleFunc("/risk-parameters", ws.handleGetRiskParameters).Methods("GET")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("listen_addr", ws.listenAddr).Msg("Starting web server")

	server := &http.Server{
		Addr:         ws.listenAddr,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
	}

	vaults := make(map[string]string)
	allActive := true
	for _, vaultID := range ws.registry.List() {
		entry, err := ws.registry.Get(vaultID)
		if err != nil {
			continue
		}
		status := entry.Ledger.Status()
		vaults[vaultID] = string(status)
		if status == types.VaultEmergencyShutdown {
			allActive = false
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	} else if !allActive {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"database_healthy": dbHealthy,
		"vaults":           vaults,
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleListVaults returns the registered vault IDs
func (ws *WebServer) handleListVaults(w http.ResponseWriter, r *http.Request) {
	ids := ws.registry.List()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"vaults": ids,
		"count":  len(ids),
	})
}

// handleGetVault returns the live accounting snapshot of a vault
func (ws *WebServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	entry, ok := ws.resolveVault(w, r)
	if !ok {
		return
	}

	snapshot := entry.Ledger.Snapshot()
	response := map[string]interface{}{
		"snapshot":     snapshot,
		"total_assets": snapshot.TotalAssets(),
		"share_price":  snapshot.SharePrice(),
		"drift":        entry.Ledger.Drift(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetPositions returns all open depositor positions
func (ws *WebServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	entry, ok := ws.resolveVault(w, r)
	if !ok {
		return
	}

	positions := entry.Ledger.Positions()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleGetPlan returns the allocation plan in force
func (ws *WebServer) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	entry, ok := ws.resolveVault(w, r)
	if !ok {
		return
	}

	plan := entry.Ledger.CurrentPlan()
	if plan.ID == "" {
		ws.writeErrorResponse(w, http.StatusNotFound, "No allocation plan in force")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, plan)
}

// handleGetStrategies returns the strategy catalog with current scores
func (ws *WebServer) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	entry, ok := ws.resolveVault(w, r)
	if !ok {
		return
	}

	strategies := entry.Catalog.List()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

// handleGetVaultSummary returns persisted vault statistics
func (ws *WebServer) handleGetVaultSummary(w http.ResponseWriter, r *http.Request) {
	vaultID := mux.Vars(r)["id"]

	summary, err := state.GetVaultSummary(vaultID)
	if err != nil {
		webLogger.Error().Err(err).Str("vault_id", vaultID).Msg("Failed to get vault summary")
		ws.writeErrorResponse(w, http.StatusNotFound, "Vault summary not available")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// handleTriggerRebalance requests an immediate rebalance cycle
func (ws *WebServer) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	if _, ok := ws.resolveVault(w, r); !ok {
		return
	}
	if ws.trigger == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Rebalance trigger not available")
		return
	}

	ws.trigger()
	ws.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"triggered": true,
		"timestamp": time.Now().UTC(),
	})
}

// handleGetBridgeStats returns live bridge coordinator statistics
func (ws *WebServer) handleGetBridgeStats(w http.ResponseWriter, r *http.Request) {
	entry, ok := ws.resolveVault(w, r)
	if !ok {
		return
	}
	if entry.Bridge == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Vault has no bridge configured")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, entry.Bridge.Stats())
}

// handleGetBridgePerformance returns persisted bridge transfer aggregates
func (ws *WebServer) handleGetBridgePerformance(w http.ResponseWriter, r *http.Request) {
	vaultID := mux.Vars(r)["id"]

	perf, err := state.GetBridgePerformance(vaultID)
	if err != nil {
		webLogger.Error().Err(err).Str("vault_id", vaultID).Msg("Failed to get bridge performance")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve bridge performance")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, perf)
}

// handleGetStrategyReturns returns persisted return history for a strategy
func (ws *WebServer) handleGetStrategyReturns(w http.ResponseWriter, r *http.Request) {
	strategyID := mux.Vars(r)["id"]

	limit := 90
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 1000 {
			limit = parsedLimit
		}
	}

	points, err := state.LoadReturns(types.StrategyID(strategyID), limit)
	if err != nil {
		webLogger.Error().Err(err).Str("strategy_id", strategyID).Msg("Failed to get strategy returns")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve strategy returns")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"strategy_id": strategyID,
		"returns":     points,
		"count":       len(points),
	})
}

// handleGetRiskParameters returns the active risk parameter set
func (ws *WebServer) handleGetRiskParameters(w http.ResponseWriter, r *http.Request) {
	params, err := state.LoadActiveRiskParameters(ws.configName)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get risk parameters")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve risk parameters")
		return
	}

	response := map[string]interface{}{
		"parameters": params,
		"timestamp":  time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// resolveVault extracts the vault ID from the route and looks it up,
// writing the 404 itself when the vault is unknown.
func (ws *WebServer) resolveVault(w http.ResponseWriter, r *http.Request) (*registry.Entry, bool) {
	vaultID := mux.Vars(r)["id"]
	entry, err := ws.registry.Get(vaultID)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Vault not found")
		return nil, false
	}
	return entry, true
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
