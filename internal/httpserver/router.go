package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"recsys-proxy-cache/internal/handlers"
	"recsys-proxy-cache/internal/metrics"
	"recsys-proxy-cache/internal/middleware"
	"recsys-proxy-cache/pkg/logging/logging"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64

	// RateLimitRequests per RateLimitWindow, keyed by client IP and X-Client-ID.
	// Zero disables the limiter.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Ready is pinged by /readyz; nil means always ready.
	Ready Pinger
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, scoreHandler *handlers.ScoreHandler, opts Options) {
	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.MaxBodyBytes > 0 {
			r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))
		}
		if opts.RateLimitRequests > 0 {
			r.Use(httprate.Limit(
				opts.RateLimitRequests,
				opts.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP, keyByClientID),
			))
		}
		r.Post("/scores", scoreHandler.GetScores)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			if err := opts.Ready.Ping(ctx); err != nil {
				logging.L(ctx).Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Handle("/metrics", metrics.Handler())
}

func keyByClientID(r *http.Request) (string, error) {
	return r.Header.Get(middleware.ClientIDHeader), nil
}
