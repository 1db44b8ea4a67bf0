package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/api"
	"github.com/manpreetbhatti/synccode/backend/internal/events"
	"github.com/manpreetbhatti/synccode/backend/internal/metrics"
	"github.com/manpreetbhatti/synccode/backend/internal/relay"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

type originFunc func(r *http.Request, origin string) bool

// allowOrigin accepts the configured client, any localhost port and Vercel
// preview deployments.
func allowOrigin(clientURL string) originFunc {
	clientURL = strings.TrimRight(clientURL, "/")
	return func(_ *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		if strings.TrimRight(origin, "/") == clientURL {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".vercel.app")
	}
}

func newRouter(logger *zap.Logger, registry *room.Registry, upgrader *ws.Upgrader, handlers *api.API, allow originFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		accessLog(logger.Named("http")),
		middleware.Recoverer,
		metrics.Middleware,
	)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allow,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	// Long-lived websocket routes stay outside the request timeout
	docs := relay.Handler(registry, upgrader, logger.Named("relay"))
	r.Get("/yjs", docs)
	r.Get("/yjs/{roomId}", docs)
	r.Get("/ws", events.Handler(registry, upgrader, logger.Named("events")))

	r.Get("/healthz", handlers.HealthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Mount("/api", handlers.Routes())
	})

	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
