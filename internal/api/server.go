// Package api serves read-only JSON views of the engine state and the
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Query is the read side of the monitor.
type Query interface {
	LatestZones() []models.ZoneReport
	RecentHeadlines(n int) ([]models.AlertRecord, error)
	NextEvent(now time.Time) (models.CalendarEvent, []models.ReminderOffset, bool)
	UpcomingEvents(now time.Time, limit int) []models.CalendarEvent
	Health() []models.SourceHealth
}

type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the local-only HTTP surface.
type Server struct {
	router  *mux.Router
	server  *http.Server
	query   Query
	metrics http.Handler
	log     zerolog.Logger
	now     func() time.Time
}

// NewServer wires the routes. metrics may be nil.
func NewServer(cfg Config, q Query, metrics http.Handler) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		query:   q,
		metrics: metrics,
		log:     logger.With("api"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/zones", s.zones).Methods(http.MethodGet)
	api.HandleFunc("/zones/{symbol}", s.zone).Methods(http.MethodGet)
	api.HandleFunc("/headlines/recent", s.recentHeadlines).Methods(http.MethodGet)
	api.HandleFunc("/events", s.events).Methods(http.MethodGet)
	api.HandleFunc("/events/next", s.nextEvent).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	logger.Info("Starting HTTP server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status  string                `json:"status"`
	Time    time.Time             `json:"time"`
	Sources []models.SourceHealth `json:"sources"`
}

// health answers 503 when any enabled source is failing.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: s.now(), Sources: s.query.Health()}
	code := http.StatusOK
	for _, h := range resp.Sources {
		if h.Enabled && h.ConsecutiveFailures > 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) zones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.query.LatestZones())
}

func (s *Server) zone(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	for _, z := range s.query.LatestZones() {
		if z.Symbol == symbol {
			writeJSON(w, http.StatusOK, z)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no scan for "+symbol)
}

func (s *Server) recentHeadlines(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	records, err := s.query.RecentHeadlines(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	events := s.query.UpcomingEvents(s.now(), limit)
	if events == nil {
		events = []models.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type nextEventResponse struct {
	Event   models.CalendarEvent    `json:"event"`
	Pending []models.ReminderOffset `json:"pending"`
	Until   string                  `json:"until"`
}

func (s *Server) nextEvent(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	e, pending, ok := s.query.NextEvent(now)
	if !ok {
		writeError(w, http.StatusNotFound, "no upcoming event")
		return
	}
	writeJSON(w, http.StatusOK, nextEventResponse{
		Event:   e,
		Pending: pending,
		Until:   e.EventTime.Sub(now).Round(time.Minute).String(),
	})
}

// parseLimit reads ?limit=, capped at 100.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
