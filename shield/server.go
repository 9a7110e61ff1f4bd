// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shield

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"sqlshield/shared/logger"
	"sqlshield/shield/sqli"
)

// Version is reported by /health.
const Version = "1.0.0"

// maxScanRequestBytes bounds POST /api/v1/scan bodies.
const maxScanRequestBytes = 4 << 20

// Dependencies are the collaborators a Server is assembled from.
type Dependencies struct {
	Detector *sqli.Detector
	Sinks    []Sink

	// Closers run in order on shutdown.
	Closers []func(ctx context.Context) error
}

// Server hosts the screening middleware, the scan API and operational
// endpoints.
type Server struct {
	cfg        Config
	log        *logger.Logger
	detector   *sqli.Detector
	scanCfg    sqli.ScanConfig
	reporter   *Reporter
	middleware *Middleware
	router     *mux.Router
	handler    http.Handler
	closers    []func(ctx context.Context) error
	startTime  time.Time
}

// NewServer wires routes around deps. A nil detector uses the defaults.
func NewServer(cfg Config, deps Dependencies, log *logger.Logger) *Server {
	detector := deps.Detector
	if detector == nil {
		detector = sqli.NewDetector(sqli.WithLogger(log))
	}

	reporter := NewReporter(log, deps.Sinks...)
	opts := cfg.ScanOptions()
	opts.ReportingEnabled = opts.ReportingEnabled || reporter.HasSinks()
	scanCfg := sqli.NewScanConfig(opts, log)

	s := &Server{
		cfg:        cfg,
		log:        log,
		detector:   detector,
		scanCfg:    scanCfg,
		reporter:   reporter,
		middleware: NewMiddleware(detector, scanCfg, reporter, cfg.MaxBodyBytes, log),
		router:     mux.NewRouter(),
		closers:    deps.Closers,
		startTime:  time.Now(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	s.router.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/scan", requireAuth(s.cfg.JWTSecret, http.HandlerFunc(s.scanHandler))).Methods("POST")
	api.Handle("/inspect", requireAuth(s.cfg.JWTSecret, http.HandlerFunc(s.inspectHandler))).Methods("POST")
	api.Handle("/rules", requireAuth(s.cfg.JWTSecret, http.HandlerFunc(s.rulesHandler))).Methods("GET")

	// Routes behind the screening middleware.
	demo := s.router.PathPrefix("/demo").Subrouter()
	demo.Use(s.middleware.Handler)
	demo.HandleFunc("/test", echoHandler).Methods("GET", "POST")
	demo.HandleFunc("/users/{id}", echoHandler).Methods("GET", "POST")
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Middleware returns the screening middleware for use on other routers.
func (s *Server) Middleware() *Middleware {
	return s.middleware
}

// ScanConfig returns the effective scan configuration.
func (s *Server) ScanConfig() sqli.ScanConfig {
	return s.scanCfg
}

// ListenAndServe serves until ctx ends and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "SQL Shield starting", map[string]interface{}{
			"port": s.cfg.Port,
			"mode": string(s.scanCfg.Mode),
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.log.Info("", "", "Shutting down SQL Shield", nil)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("", "", "HTTP server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return s.Close(shutdownCtx)
}

// Close releases the server's collaborators.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for _, c := range s.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"service":   "sqlshield",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"mode":      string(s.scanCfg.Mode),
		"rules":     s.detector.Rules().Len(),
	}); err != nil {
		s.log.Error("", "", "Error encoding health response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := s.detector.Metrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans_total":      m.ScansTotal,
		"detections_total": m.DetectionsTotal,
		"blocked_total":    m.BlockedTotal,
		"aborted_total":    m.AbortedTotal,
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
	})
}

// ScanRequest is the body of POST /api/v1/scan. Payload keys are request
// sources (query, body, params, cookies, headers).
type ScanRequest struct {
	Payload map[string]interface{} `json:"payload"`
	Mode    string                 `json:"mode,omitempty"`
}

// ScanResponse is the result of POST /api/v1/scan.
type ScanResponse struct {
	Action       sqli.Action      `json:"action"`
	ShouldReport bool             `json:"should_report"`
	Report       *sqli.ScanResult `json:"report,omitempty"`
	DurationMS   float64          `json:"duration_ms"`
	Aborted      bool             `json:"aborted,omitempty"`
}

func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := PayloadFromMap(req.Payload)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg := s.scanCfg
	if req.Mode != "" {
		mode := sqli.Mode(strings.ToLower(req.Mode))
		if !mode.IsValid() {
			sendErrorResponse(w, fmt.Sprintf("invalid mode: %q", req.Mode), http.StatusBadRequest)
			return
		}
		cfg = cfg.WithMode(mode)
	}

	ev := s.detector.Evaluate(r.Context(), payload, cfg)
	observeEvaluation(ev, cfg.Mode)

	s.log.Debug(subjectFromContext(r.Context()), r.Header.Get("X-Request-ID"), "Payload scanned", map[string]interface{}{
		"action":   string(ev.Action),
		"detected": ev.Report != nil,
	})

	writeJSON(w, http.StatusOK, ScanResponse{
		Action:       ev.Action,
		ShouldReport: ev.ShouldReport,
		Report:       ev.Report,
		DurationMS:   float64(ev.Duration.Microseconds()) / 1000,
		Aborted:      ev.Aborted,
	})
}

// PayloadFromMap maps JSON source names (query, body, params, cookies,
// headers) to a scan payload.
func PayloadFromMap(raw map[string]interface{}) (sqli.Payload, error) {
	payload := make(sqli.Payload, len(raw))
	for k, v := range raw {
		src := sqli.Source(strings.ToLower(k))
		if !src.IsValid() {
			return nil, fmt.Errorf("invalid source: %q", k)
		}
		payload[src] = v
	}
	return payload, nil
}

type inspectRequest struct {
	Input string `json:"input"`
}

func (s *Server) inspectHandler(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanRequestBytes)).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.detector.Scanner().Inspect(r.Context(), req.Input, s.scanCfg))
}

type ruleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Category    string `json:"category,omitempty"`
}

func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	rules := s.detector.Rules().Rules()
	out := make([]ruleInfo, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleInfo{
			ID:          rule.ID,
			Name:        rule.Name,
			Description: rule.Description,
			Pattern:     rule.Pattern.String(),
			Severity:    string(rule.Severity),
			Category:    string(rule.Category),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": out,
		"count": len(out),
	})
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"message": "Success"}
	if id, ok := mux.Vars(r)["id"]; ok {
		resp["id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
