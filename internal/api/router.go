// Package api serves a small admin JSON API over the block registry and the
// run store.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/blocks"
	"github.com/sells-group/datapack-cli/internal/model"
	"github.com/sells-group/datapack-cli/internal/monitoring"
	"github.com/sells-group/datapack-cli/internal/store"
)

const corsMaxAgeSecs = 12 * 60 * 60

// BlockAdmin is the part of *blocks.Registry the API exposes.
type BlockAdmin interface {
	List(ctx context.Context) ([]blocks.Record, error)
	Get(ctx context.Context, id string) (*blocks.Record, error)
	Clear(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// RunReader is the read side of store.Store the API exposes.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*model.IndustryRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IndustryRun, error)
	ListAttempts(ctx context.Context, runID, scope string) ([]model.SourceAttempt, error)
}

// Deps wires the API handlers. Stats may be nil, which disables /v1/stats.
type Deps struct {
	Blocks        BlockAdmin
	Runs          RunReader
	Stats         *monitoring.Collector
	LookbackHours int
	// AllowedOrigins defaults to any origin.
	AllowedOrigins []string
}

type server struct {
	deps    Deps
	nowFunc func() time.Time
}

// NewRouter builds the admin API handler.
func NewRouter(deps Deps) http.Handler {
	if deps.LookbackHours <= 0 {
		deps.LookbackHours = 24
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &server{deps: deps, nowFunc: time.Now}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         corsMaxAgeSecs,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", s.listBlocks)
			r.Post("/cleanup", s.cleanupBlocks)
			r.Get("/{id}", s.getBlock)
			r.Delete("/{id}", s.clearBlock)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{id}", s.getRun)
			r.Get("/{id}/attempts", s.listAttempts)
		})
		r.Get("/stats", s.stats)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
