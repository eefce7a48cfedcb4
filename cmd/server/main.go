// AgentCaptcha - Decision-Proof Protocol verifier server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/agentcaptcha/internal/api"
	"github.com/ashureev/agentcaptcha/internal/challenge"
	"github.com/ashureev/agentcaptcha/internal/config"
	"github.com/ashureev/agentcaptcha/internal/credential"
	"github.com/ashureev/agentcaptcha/internal/identity"
	"github.com/ashureev/agentcaptcha/internal/middleware"
	"github.com/ashureev/agentcaptcha/internal/retention"
	"github.com/ashureev/agentcaptcha/internal/store"
	"github.com/ashureev/agentcaptcha/internal/transport"
	"github.com/ashureev/agentcaptcha/internal/verifier"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "mock_mode", cfg.MockMode())
	if cfg.JWTSecret == config.DefaultJWTSecret {
		slog.Warn("JWT_SECRET is the development default; set it before exposing the server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	source, err := newChallengeSource(ctx, cfg, logger)
	if err != nil {
		return err
	}

	issuer, err := credential.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := verifier.NewRegistry()
	v, err := verifier.New(verifier.Config{
		Policies:  cfg.Policies(),
		Store:     repo,
		Source:    source,
		Issuer:    issuer,
		Registry:  registry,
		Metrics:   verifier.NewMetrics(reg),
		Logger:    logger,
		MockHints: source.Mock(),
	})
	if err != nil {
		return err
	}

	rl := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer rl.Close()

	// Initialize handlers.
	apiHandler := api.NewHandler(api.Options{
		Repo:         repo,
		Inspector:    issuer,
		Active:       registry,
		MockMode:     source.Mock(),
		HistoryLimit: cfg.HistoryLimit,
	})
	wsHandler := transport.NewHandler(v, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.FrontendURL, cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// WebSocket endpoint.
	r.With(middleware.RateLimit(rl), identity.Middleware).Get("/ws/verify", wsHandler.ServeHTTP)

	// WebSocket sessions outlive WriteTimeout, so it stays disabled.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := retention.NewWorker(repo, cfg.Retention, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...", "active_sessions", registry.Count())

		// Hijacked WebSocket connections are not tracked by Shutdown.
		registry.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newChallengeSource wraps the genai provider, when configured, in the
// static-bank fallback.
func newChallengeSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*challenge.Fallback, error) {
	bank, err := challenge.NewBank()
	if err != nil {
		return nil, err
	}

	var provider challenge.Source
	if !cfg.MockMode() {
		gen, err := challenge.NewGenAI(ctx, cfg.GenAI.APIKey, cfg.GenAI.Model, bank)
		if err != nil {
			slog.Warn("Failed to initialize genai provider, serving the static bank", "error", err)
		} else {
			provider = gen
			slog.Info("Generative challenges enabled", "model", cfg.GenAI.Model)
		}
	}
	if provider == nil {
		slog.Info("Mock mode: decision challenges come from the static bank", "challenges", bank.Len())
	}
	return challenge.NewFallback(provider, bank, cfg.GenAI.Timeout, logger), nil
}
