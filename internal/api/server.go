package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/report"
	"github.com/pbaille/scriptreg/internal/store"
)

// Reader is the read-only registry view the API serves
type Reader interface {
	report.Reader
	ListArtifacts(ctx context.Context, f store.Filter) ([]domain.Artifact, error)
	GetArtifact(ctx context.Context, identity string) (*domain.Artifact, error)
	ClassificationHistory(ctx context.Context, identity string, limit int) ([]domain.ClassificationResult, error)
}

// Server serves registry state as JSON. It has no write endpoints.
type Server struct {
	store Reader
	addr  string
	log   *zap.Logger
}

// New creates a new API server
func New(s Reader, addr string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: s, addr: addr, log: log}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Artifacts
	mux.HandleFunc("GET /artifacts", s.listArtifacts)
	mux.HandleFunc("GET /artifacts/{id...}", s.getArtifact)

	// Archive log and pipelines
	mux.HandleFunc("GET /archive", s.listArchive)
	mux.HandleFunc("GET /pipelines", s.listPipelines)

	// Summary
	mux.HandleFunc("GET /report", s.getReport)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Pipeline: q.Get("pipeline"),
		State:    domain.State(q.Get("state")),
	}
	if f.State != "" && !f.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(f.State)))
		return
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_archived must be a boolean")
			return
		}
		f.IncludeArchived = b
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// ArtifactResponse is an artifact with its classification and archive history
type ArtifactResponse struct {
	Artifact *domain.Artifact              `json:"artifact"`
	Latest   *domain.ClassificationResult  `json:"latest,omitempty"`
	History  []domain.ClassificationResult `json:"history,omitempty"`
	Archive  []domain.ArchiveRecord        `json:"archive,omitempty"`
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	a, err := s.store.GetArtifact(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := ArtifactResponse{Artifact: a}

	limit := 10
	if l := r.URL.Query().Get("history"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := s.store.ClassificationHistory(ctx, id, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp.History = history
	if len(history) > 0 {
		resp.Latest = &history[0]
	}

	records, err := s.store.ListArchiveRecords(ctx, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp.Archive = records

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListArchiveRecords(r.Context(), r.URL.Query().Get("identity"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if records == nil {
		records = []domain.ArchiveRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
	})
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []domain.Pipeline{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": pipelines,
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Build(r.Context(), s.store, time.Now())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		if err := rep.WriteMarkdown(w); err != nil {
			s.log.Warn("write report", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": rep.GeneratedAt,
		"counts":       rep.Counts(),
		"pipelines":    rep.Pipelines,
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
