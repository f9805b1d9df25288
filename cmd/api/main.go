package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bar-loyalty-api/internal/cache"
	"bar-loyalty-api/internal/config"
	"bar-loyalty-api/internal/database"
	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/features"
	"bar-loyalty-api/internal/handler"
	"bar-loyalty-api/internal/logging"
	"bar-loyalty-api/internal/metrics"
	"bar-loyalty-api/internal/middleware"
	"bar-loyalty-api/internal/service"
	"bar-loyalty-api/internal/stream"
	"bar-loyalty-api/internal/tracing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const serviceName = "bar-loyalty-api"

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Service:    serviceName,
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	flags := features.NewDefaultManager(cfg.Features)
	eventManager := events.NewManager(true, logger)
	m := metrics.New("")

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var ruleCache cache.Cache
	if flags.IsEnabled(features.FeatureRuleCache) {
		if cfg.Redis.Addr != "" {
			ruleCache, err = cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
			if err != nil {
				return err
			}
		} else {
			ruleCache = cache.NewInMemoryCache()
		}
		defer ruleCache.Close()
	}

	var publisher *stream.Publisher
	if flags.IsEnabled(features.FeatureEventStream) {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("event stream enabled without kafka brokers")
		}
		publisher = stream.NewPublisher(stream.NewKafkaWriter(stream.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: time.Duration(cfg.Kafka.BatchTimeout) * time.Millisecond,
		}), logger)
		publisher.Attach(eventManager)
	}

	// Initialize service
	svc, err := service.NewService(db, cfg, service.Options{
		Cache:    ruleCache,
		Events:   eventManager,
		Features: flags,
		Metrics:  m,
		Tracer:   tracer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.Rules.SeedFile != "" {
		if _, err := svc.SeedRules(ctx, cfg.Rules.SeedFile); err != nil {
			return err
		}
	}

	// Initialize handlers
	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger,
	})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:   cfg.Auth.Enabled,
		Secret:    cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: time.Duration(cfg.Ledger.ClockSkew) * time.Second,
	}, logger)
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled, callers are identified by X-User-ID, X-Role and X-Bar-ID headers")
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(m))

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second, cfg.RateLimit.Burst)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		h.Routes(r)
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", server.Addr,
			"tls", cfg.Server.EnableTLS,
			"database", cfg.Database.Path,
			"features", flags.List(),
		)
		if cfg.Server.EnableTLS {
			errCh <- server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}

	// drain event handlers before closing the Kafka writer they use
	eventManager.Shutdown()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close event stream", "error", err)
		}
	}
	return nil
}
