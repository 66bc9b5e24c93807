package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gateway-relay/internal/shard"
)

// Server exposes the subscriber-facing surface: the per-shard WebSocket
// attach endpoint, the current ready snapshot and operational routes.
type Server struct {
	ctx      context.Context
	sessions map[int]*shard.Session
	logger   *zap.Logger
}

// NewServer creates the subscriber surface over the given shard sessions.
// ctx bounds the lifetime of attached subscriber streams.
func NewServer(ctx context.Context, sessions []*shard.Session, logger *zap.Logger) *Server {
	byID := make(map[int]*shard.Session, len(sessions))
	for _, s := range sessions {
		byID[s.ID()] = s
	}
	return &Server{
		ctx:      ctx,
		sessions: byID,
		logger:   logger,
	}
}

// NewRouter builds the HTTP routing table.
func NewRouter(srv *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", healthzHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/shard/{id}", srv.handleShardWS)
	r.Get("/shards/{id}/ready", srv.handleShardReady)

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
