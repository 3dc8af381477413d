// Package server is the HTTP + WebSocket API surface for the scan engine.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/app"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/logging"
	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/scan"
)

// Config carries the server's listen address and collaborators.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	Manager *app.Manager
	Logger  logging.Logger
}

// Server owns the router and the websocket upgrader. The scan manager does
// the real work; handlers translate HTTP to manager calls and map the error
// taxonomy onto status codes.
type Server struct {
	cfg      Config
	manager  *app.Manager
	router   chi.Router
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewServer wires routes onto a fresh router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}

	s := &Server{
		cfg:     cfg,
		manager: cfg.Manager,
		router:  chi.NewRouter(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: tighten for production
				return true
			},
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/scans", s.optionsHandler("GET, POST"))
	r.Options("/scans/{scanID}", s.optionsHandler("GET, DELETE"))
	r.Options("/scans/{scanID}/start", s.optionsHandler("POST"))
	r.Options("/scans/{scanID}/findings", s.optionsHandler("GET"))
	r.Options("/ws/scans/{scanID}", s.optionsHandler("GET"))

	// Scans
	r.Post("/scans", s.handleCreateScan)
	r.Get("/scans", s.handleListScans)
	r.Get("/scans/{scanID}", s.handleGetScan)
	r.Post("/scans/{scanID}/start", s.handleStartScan)
	r.Delete("/scans/{scanID}", s.handleCancelScan)

	// Findings
	r.Get("/scans/{scanID}/findings", s.handleListFindings)

	// WebSocket for live scan events
	r.Get("/ws/scans/{scanID}", s.handleScanWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the scan error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scan.ErrScanNotFound):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrAlreadyStarted), errors.Is(err, scan.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- HTTP handlers ---

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target  string       `json:"target"`
		SpecRef string       `json:"spec_ref"`
		Options scan.Options `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sc, err := s.manager.Create(r.Context(), body.Target, body.SpecRef, body.Options)
	if err != nil {
		s.logger.Warn("creating scan", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("created scan", logging.Field{Key: "scan_id", Value: sc.ID})
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans := s.manager.List()
	s.logger.Info("listed scans", logging.Field{Key: "count", Value: len(scans)})
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	snap, err := s.manager.Snapshot(scanID)
	if err != nil {
		s.logger.Warn("getting scan: not found", logging.Field{Key: "scan_id", Value: scanID})
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	if err := s.manager.Start(r.Context(), scanID); err != nil {
		s.logger.Warn("starting scan",
			logging.Field{Key: "scan_id", Value: scanID},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("started scan", logging.Field{Key: "scan_id", Value: scanID})

	snap, err := s.manager.Snapshot(scanID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	if err := s.manager.Cancel(scanID); err != nil {
		s.logger.Warn("cancelling scan",
			logging.Field{Key: "scan_id", Value: scanID},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("cancelled scan", logging.Field{Key: "scan_id", Value: scanID})
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	perPage := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 && v <= 500 {
		perPage = v
	}
	var severity scan.Severity
	if sev := r.URL.Query().Get("severity"); sev != "" {
		severity = scan.Severity(sev)
		if !severity.Valid() {
			writeError(w, http.StatusBadRequest, "unknown severity "+sev)
			return
		}
	}

	findings, total, err := s.manager.Findings(r.Context(), scanID, severity, perPage, (page-1)*perPage)
	if err != nil {
		s.logger.Warn("listing findings",
			logging.Field{Key: "scan_id", Value: scanID},
			logging.Field{Key: "error", Value: err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	if findings == nil {
		findings = []scan.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id":  scanID,
		"page":     page,
		"per_page": perPage,
		"total":    total,
		"findings": findings,
	})
}

// WebSocket

func (s *Server) handleScanWS(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	events, err := s.manager.Events(scanID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	// Send the current snapshot first so late subscribers start consistent.
	if snap, err := s.manager.Snapshot(scanID); err == nil {
		_ = conn.WriteJSON(snap)
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			// Client gone. The scan keeps running; cancellation is an
			// explicit DELETE, never a side effect of a dropped socket.
			s.logger.Debug("websocket write failed, detaching",
				logging.Field{Key: "scan_id", Value: scanID})
			return
		}
	}
}
