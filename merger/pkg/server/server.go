package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/dimlake/merger/pkg/dimension"
	"github.com/malbeclabs/dimlake/merger/pkg/scd2"
)

// ReadyChecker reports whether the merger has caught up with its source at
// least once.
type ReadyChecker interface {
	Ready() bool
}

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger
	Merger *scd2.Merger
	// Ready gates /readyz. When nil the server is ready as soon as it serves.
	Ready     ReadyChecker
	BuildInfo BuildInfo

	CORSOrigins []string
	// RequestsPerMinute limits /v1 requests per client IP. Zero disables the
	// limit.
	RequestsPerMinute int
	Burst             int
	// Sentry enables request tracing and panic capture through sentry.
	Sentry bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Merger == nil {
		return errors.New("merger is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RequestsPerMinute < 0 {
		return errors.New("requests per minute must not be negative")
	}
	if cfg.RequestsPerMinute > 0 && cfg.Burst <= 0 {
		cfg.Burst = max(cfg.RequestsPerMinute/5, 1)
	}
	return nil
}

// Server exposes health, metrics and read-only history endpoints for one
// dimension.
type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
}

// New builds the router. ctx bounds the lifetime of the rate limiter.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.routes(ctx)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(ctx context.Context) {
	r := s.router
	if s.cfg.Sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if txn := sentry.TransactionFromContext(req.Context()); txn != nil {
					txn.Name = req.Method + " " + req.URL.Path
				}
				next.ServeHTTP(w, req)
			})
		})
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Ready != nil && !s.cfg.Ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.cfg.BuildInfo)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RequestsPerMinute > 0 {
			limiter := NewRateLimiter(ctx, rate.Every(time.Minute/time.Duration(s.cfg.RequestsPerMinute)), s.cfg.Burst)
			r.Use(limiter.Middleware)
		}
		r.Get("/history", s.handleHistory)
		r.Get("/current", s.handleCurrent)
		r.Get("/batches/last", s.handleLastBatch)
	})
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

type versionResponse struct {
	SurrogateKey   int64          `json:"surrogate_key"`
	EntityID       string         `json:"entity_id"`
	Key            []any          `json:"key"`
	Attributes     map[string]any `json:"attributes"`
	EffectiveStart time.Time      `json:"effective_start"`
	EffectiveEnd   time.Time      `json:"effective_end"`
	IsCurrent      bool           `json:"is_current"`
	IsDeleted      bool           `json:"is_deleted"`
	BatchID        string         `json:"batch_id"`
}

type versionsResponse struct {
	Dimension string            `json:"dimension"`
	Versions  []versionResponse `json:"versions"`
}

type batchResponse struct {
	BatchID        string    `json:"batch_id"`
	OpID           string    `json:"op_id"`
	BatchTimestamp time.Time `json:"batch_timestamp"`
	New            int       `json:"new"`
	Changed        int       `json:"changed"`
	Unchanged      int       `json:"unchanged"`
	Deleted        int       `json:"deleted"`
	AppliedAt      time.Time `json:"applied_at"`
}

func toVersionResponses(versions []dimension.Version) []versionResponse {
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionResponse{
			SurrogateKey:   int64(v.SurrogateKey),
			EntityID:       string(v.EntityID),
			Key:            v.Key.Values,
			Attributes:     v.Attrs,
			EffectiveStart: v.EffectiveStart,
			EffectiveEnd:   v.EffectiveEnd,
			IsCurrent:      v.IsCurrent,
			IsDeleted:      v.IsDeleted,
			BatchID:        v.BatchID,
		})
	}
	return out
}

// handleHistory returns every version of one entity. The natural key is
// given as one query parameter per key column.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	dim := s.cfg.Merger.Dimension()
	raw := make(map[string]string)
	for _, col := range dim.KeyColumns() {
		if r.URL.Query().Has(col.Name) {
			raw[col.Name] = r.URL.Query().Get(col.Name)
		}
	}
	key, err := dim.ParseKey(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	versions, err := s.cfg.Merger.History(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(versions) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("natural key %s not found", key)})
		return
	}
	s.writeJSON(w, http.StatusOK, versionsResponse{Dimension: dim.Name(), Versions: toVersionResponses(versions)})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	versions, err := s.cfg.Merger.Current(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versionsResponse{Dimension: s.cfg.Merger.Dimension().Name(), Versions: toVersionResponses(versions)})
}

func (s *Server) handleLastBatch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Merger.LastBatch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no batch applied"})
		return
	}
	s.writeJSON(w, http.StatusOK, batchResponse{
		BatchID:        rec.BatchID,
		OpID:           rec.OpID,
		BatchTimestamp: rec.BatchTimestamp,
		New:            rec.New,
		Changed:        rec.Changed,
		Unchanged:      rec.Unchanged,
		Deleted:        rec.Deleted,
		AppliedAt:      rec.AppliedAt,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scd2.ErrSchema):
		status = http.StatusBadRequest
	case errors.Is(err, scd2.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("server: request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}
