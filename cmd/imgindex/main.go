package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/guozhaokui/imgindex/internal/config"
	"github.com/guozhaokui/imgindex/internal/db/flat"
	dbRedis "github.com/guozhaokui/imgindex/internal/db/redis"
	"github.com/guozhaokui/imgindex/internal/domain"
	"github.com/guozhaokui/imgindex/internal/domain/search/request"
	logpkg "github.com/guozhaokui/imgindex/internal/logger"
	"github.com/guozhaokui/imgindex/internal/metrics"
	"github.com/guozhaokui/imgindex/internal/registry"
	"github.com/guozhaokui/imgindex/internal/repository/description"
	"github.com/guozhaokui/imgindex/internal/repository/embcache"
	chiTransport "github.com/guozhaokui/imgindex/internal/transport/chi"
	"github.com/guozhaokui/imgindex/internal/transport/modelsvc"
	openaiEmb "github.com/guozhaokui/imgindex/internal/transport/openai"
	embeddinguc "github.com/guozhaokui/imgindex/internal/usecase/embedding"
	healthuc "github.com/guozhaokui/imgindex/internal/usecase/health"
	ingestuc "github.com/guozhaokui/imgindex/internal/usecase/ingest"
	searchuc "github.com/guozhaokui/imgindex/internal/usecase/search"
	"github.com/guozhaokui/imgindex/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting imgindex API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("index_dir", cfg.Index.Dir),
		zap.Strings("indexes", cfg.IndexNames()),
	)

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSearchMetrics()
	metrics.RegisterHTTPMetrics()

	ctx := context.Background()

	// Embedding cache is optional
	var cache *dbRedis.Store
	if cfg.Cache.Enabled() {
		cache, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Cache.Addrs,
			Password: cfg.Cache.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create cache store", zap.Error(err))
		}
		defer cache.Close()

		if err := cache.WaitForReady(ctx, time.Duration(cfg.Cache.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Cache not ready", zap.Error(err))
		}
		logger.Info("Connected to embedding cache", zap.Strings("addrs", cfg.Cache.Addrs))
	}

	// Build provider registry (composition root)
	reg, providerChecks, err := buildRegistry(&cfg, cache, logger)
	if err != nil {
		logger.Fatal("Invalid provider configuration", zap.Error(err))
	}
	rerankers, rerankerChecks := buildRerankers(cfg.Rerankers, logger)

	indexes, err := flat.NewManager(cfg.Index.Dir, flat.Options{
		ShardSize: cfg.Index.ShardSize,
		Overfetch: cfg.Index.Overfetch,
		OnPersist: metrics.ObservePersist,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open index directory", zap.Error(err))
	}
	if metas, err := indexes.List(); err != nil {
		logger.Warn("Failed to list indexes", zap.Error(err))
	} else {
		for _, m := range metas {
			metrics.IndexEntries.WithLabelValues(m.IndexName).Set(float64(m.TotalCount))
		}
		logger.Info("Indexes found on disk", zap.Int("count", len(metas)))
	}

	// Pass nil interfaces (not typed nil pointers!) when descriptions or cache are not configured.
	var texts searchuc.TextResolver
	var descWriter ingestuc.DescriptionWriter
	if cfg.Descriptions.Root != "" {
		descs := description.New(cfg.Descriptions.Root)
		texts = descs
		descWriter = descs
	}
	var cachePinger healthuc.CachePinger
	if cache != nil {
		cachePinger = cache
	}

	// Create use case services
	searchSvc := searchuc.New(indexes, reg, rerankers, texts, cfg.Search.FanoutWorkers)
	ingestSvc := ingestuc.New(indexes, reg, descWriter, cfg.Search.FanoutWorkers)
	healthSvc := healthuc.New(providerChecks, rerankerChecks, cachePinger)

	// Create chi server
	server := chiTransport.NewServer(searchSvc, ingestSvc, healthSvc, logger).
		WithLimits(request.Limits{
			DefaultTopK: cfg.Search.DefaultTopK,
			MaxTopK:     cfg.Search.MaxTopK,
		}, int64(cfg.HTTP.MaxBodyMB)<<20)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildRegistry creates every configured provider and binds indexes to them. Disabled
// providers are registered without an embedder so their indexes are reported, not searched.
func buildRegistry(
	cfg *config.Config, cache *dbRedis.Store, logger *zap.Logger,
) (*registry.Registry, []healthuc.Component, error) {
	var providers []registry.Provider
	var checks []healthuc.Component

	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		mods, err := registry.ParseModalities(pc.Modalities)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", name, err)
		}
		p := registry.Provider{
			Name:         name,
			Kind:         registry.Kind(pc.Kind),
			ModelName:    pc.Model,
			ModelVersion: pc.Version,
			Dimension:    pc.Dimension,
			Modalities:   mods,
			Enabled:      pc.Enabled,
		}
		if pc.Enabled {
			p.Embedder, p.Health = buildEmbedder(name, pc, cfg.Cache, cache, logger)
			checks = append(checks, healthuc.Component{Name: name, Checker: p.Health})
			logger.Info("Embedding provider enabled",
				zap.String("provider", name),
				zap.String("kind", pc.Kind),
				zap.String("model", pc.Model),
				zap.Int("dimension", pc.Dimension),
				zap.String("modalities", mods.String()),
			)
		}
		providers = append(providers, p)
	}

	var bindings []registry.IndexBinding
	for _, index := range cfg.IndexNames() {
		bindings = append(bindings, registry.IndexBinding{Index: index, Provider: cfg.Indexes[index].Provider})
	}

	reg, err := registry.New(providers, bindings)
	if err != nil {
		return nil, nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, checks, nil
}

// buildEmbedder assembles the decorator chain: transport -> Cached -> Instrumented.
// OpenAI-compatible providers get the query instruction as a text prefix (outermost, so the
// cache key includes it); model services receive it as a request field.
func buildEmbedder(
	name string,
	pc config.ProviderConfig,
	cacheCfg config.CacheConfig,
	cache *dbRedis.Store,
	logger *zap.Logger,
) (domain.Embedder, domain.HealthChecker) {
	timeout := time.Duration(pc.TimeoutSec) * time.Second

	var embedder domain.Embedder
	var health domain.HealthChecker
	switch pc.Kind {
	case config.KindOpenAI:
		base := openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     pc.APIKey,
			BaseURL:    pc.BaseURL,
			Model:      pc.Model,
			Version:    pc.Version,
			Dimensions: pc.Dimension,
			Provider:   name,
			Timeout:    timeout,
			Logger:     logger,
		})
		embedder, health = base, base
	default:
		base := modelsvc.New(modelsvc.Config{
			Name:             name,
			BaseURL:          pc.BaseURL,
			Timeout:          timeout,
			ModelName:        pc.Model,
			ModelVersion:     pc.Version,
			QueryInstruction: pc.QueryInstruction,
			Logger:           logger,
		})
		embedder, health = base, base
	}

	if cache != nil {
		embedder = embcache.New(embedder, cache, embcache.Options{
			Prefix:       cacheCfg.KeyPrefix + name + ":",
			ModelName:    pc.Model,
			ModelVersion: pc.Version,
			TTL:          time.Duration(cacheCfg.TTLSec) * time.Second,
		}, metrics.EmbeddingCacheTotal, logger)
	}

	embedder = embeddinguc.NewInstrumentedEmbedder(
		embedder, name, pc.Model, pc.Version, pc.Dimension, logger,
	)

	if pc.Kind == config.KindOpenAI && pc.QueryInstruction != "" {
		embedder = domain.NewInstructionEmbedder(embedder, pc.QueryInstruction)
	}
	return embedder, health
}

// buildRerankers creates the rerank chain in configured priority order.
func buildRerankers(
	cfgs []config.RerankerConfig, logger *zap.Logger,
) (registry.Rerankers, []healthuc.Component) {
	var chain registry.Rerankers
	var checks []healthuc.Component
	for _, rc := range cfgs {
		if !rc.Enabled {
			continue
		}
		client := modelsvc.New(modelsvc.Config{
			Name:    rc.Name,
			BaseURL: rc.BaseURL,
			Timeout: time.Duration(rc.TimeoutSec) * time.Second,
			Logger:  logger,
		})
		chain = append(chain, registry.NamedReranker{Name: rc.Name, Reranker: client, Health: client})
		checks = append(checks, healthuc.Component{Name: rc.Name, Checker: client})
	}
	if len(chain) > 0 {
		names := make([]string, len(chain))
		for i, rr := range chain {
			names[i] = rr.Name
		}
		logger.Info("Rerank chain configured", zap.Strings("rerankers", names))
	}
	return chain, checks
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line: one per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
