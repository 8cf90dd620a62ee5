package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"recsys-proxy-cache/internal/backend"
	"recsys-proxy-cache/internal/cache"
	"recsys-proxy-cache/internal/config"
	"recsys-proxy-cache/internal/fingerprint"
	"recsys-proxy-cache/internal/handlers"
	"recsys-proxy-cache/internal/httpserver"
	"recsys-proxy-cache/internal/metrics"
	"recsys-proxy-cache/internal/scoring"
	"recsys-proxy-cache/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("proxy exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.New(logging.Options{Env: cfg.Logging.Env, Level: cfg.Logging.Level})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logging.SetDefault(logger)

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("recsys_target", cfg.Backend.Target),
		zap.Duration("backend_timeout", cfg.Backend.Timeout),
		zap.Duration("expire_after_access", cfg.Cache.ExpireAfterAccess),
		zap.Int("high_cardinality_keys", len(cfg.HighCardinalityKeys)),
	)

	// ----- Keys -----
	encoder, err := fingerprint.NewEncoder(cfg.HighCardinalityKeys, cfg.Limits.Fingerprint())
	if err != nil {
		return err
	}

	// ----- In-process score cache -----
	cacheOpts := cfg.Cache.Options()
	cacheOpts.Logger = logger
	scores := cache.NewScoreCache(cacheOpts)
	defer func() { _ = scores.Close() }()

	// ----- Shared store tier (optional) -----
	var redisClient *redis.Client
	var mcClient *memcache.Client
	switch cfg.Store.Backend {
	case cache.BackendRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Store.RedisAddr,
			Password:     cfg.Store.RedisPassword,
			DB:           cfg.Store.RedisDB,
			ReadTimeout:  cfg.Store.Timeout,
			WriteTimeout: cfg.Store.Timeout,
		})
		defer func() { _ = redisClient.Close() }()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Store.RedisAddr))

	case cache.BackendMemcache:
		mcClient = memcache.New(cfg.Store.MemcacheAddrs...)
		if cfg.Store.Timeout > 0 {
			mcClient.Timeout = cfg.Store.Timeout
		}

		if err := mcClient.Ping(); err != nil {
			logger.Error("memcache connection failed", zap.Error(err))
			return err
		}
		logger.Info("memcache connection established", zap.Strings("addrs", cfg.Store.MemcacheAddrs))
	}

	store, err := cache.NewScoreStore(cfg.Store.Factory(), redisClient, mcClient)
	if err != nil {
		return err
	}

	// ----- Model server -----
	predict, err := backend.NewPredictClient(cfg.Backend.Client(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = predict.Close() }()

	var modelServer backend.Scorer = predict
	if cfg.Breaker.Enabled {
		modelServer = backend.NewBreakerScorer(predict, cfg.Breaker.Scorer(), logger)
	}
	invoker := backend.NewInvoker(&backend.ModelRouter{
		Random:  backend.RandomScorer{},
		Default: modelServer,
	}, logger)

	// ----- Coordinator + handlers -----
	coord := scoring.New(encoder, scores, store, invoker, cfg.Scoring.Coordinator(), logger)
	scoreHandler := handlers.NewScoreHandler(coord)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, scoreHandler, httpserver.Options{
		RequestTimeout:    cfg.Server.RequestTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
		Ready:             store,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	logger.Info("starting proxy", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	// in-flight requests are done; flush their store writes
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
