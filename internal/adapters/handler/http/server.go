package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/ports"
	"fuzzbench.harness/internal/core/services"
)

const shutdownTimeout = 10 * time.Second

// Server is the read-only report API over one or more result stores.
type Server struct {
	router    *chi.Mux
	agg       *services.Aggregator
	healthSvc *services.HealthService
	hub       *Hub
}

func NewServer(agg *services.Aggregator, healthSvc *services.HealthService, hub *Hub) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		agg:       agg,
		healthSvc: healthSvc,
		hub:       hub,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	if s.hub != nil {
		s.router.Get("/api/ws", s.handleWS)
	}

	s.router.Get("/api/report", s.handleReport)
	s.router.Get("/api/series/overall", s.handleOverallSeries)
	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/logs", s.handleGetJobLogs)
		r.Get("/{id}/series", s.handleGetJobSeries)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP report server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.agg.Report(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleOverallSeries(w http.ResponseWriter, r *http.Request) {
	reader, err := s.reader(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	points, err := s.agg.OverallSeries(r.Context(), reader)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if points == nil {
		points = []domain.SeriesPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// PaginatedOutcomes is the /api/jobs response.
type PaginatedOutcomes struct {
	Jobs   []*domain.JobOutcome `json:"jobs"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	offset := 0
	limit := 50

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}
	status := domain.JobStatus(r.URL.Query().Get("status"))

	reader, err := s.reader(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	outcomes, _, err := reader.ListOutcomes()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	filtered := make([]*domain.JobOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if status == "" || o.Status == status {
			filtered = append(filtered, o)
		}
	}
	page := PaginatedOutcomes{Jobs: []*domain.JobOutcome{}, Total: len(filtered), Offset: offset, Limit: limit}
	if offset < len(filtered) {
		end := offset + limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page.Jobs = filtered[offset:end]
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reader, err := s.reader(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	outcome, err := reader.ReadOutcome(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := services.StdoutLogName
	switch r.URL.Query().Get("stream") {
	case "", "stdout":
	case "stderr":
		name = services.StderrLogName
	default:
		writeError(w, http.StatusBadRequest, "stream must be stdout or stderr")
		return
	}

	reader, err := s.reader(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Only jobs with a record have logs; this also rejects ids that are not
	// plain names.
	outcome, err := reader.ReadOutcome(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	path := outcome.StdoutLogPath
	if name == services.StderrLogName {
		path = outcome.StderrLogPath
	}
	if path == "" {
		path = filepath.Join(reader.Root(), "jobs", id, name)
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleGetJobSeries(w http.ResponseWriter, r *http.Request) {
	reader, err := s.reader(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := reader.ReadSeries(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) reader(r *http.Request) (ports.ResultReader, error) {
	return s.agg.Reader(r.URL.Query().Get("run"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Error("Report request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
