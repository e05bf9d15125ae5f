package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guardrail-dev/guardrail/internal/admission"
	"github.com/guardrail-dev/guardrail/internal/app/migrate"
	httpx "github.com/guardrail-dev/guardrail/internal/http"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository/postgres"
	"github.com/guardrail-dev/guardrail/internal/service/detection"
	"github.com/guardrail-dev/guardrail/internal/service/incident"
	"github.com/guardrail-dev/guardrail/internal/service/rca"
	"github.com/guardrail-dev/guardrail/internal/service/remediation"
	"github.com/guardrail-dev/guardrail/internal/service/telemetry"
	"github.com/guardrail-dev/guardrail/internal/service/webhook"
	"github.com/guardrail-dev/guardrail/internal/ws"
	"github.com/guardrail-dev/guardrail/pkg/config"
	"github.com/guardrail-dev/guardrail/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.EventBuffer)

	limiter := admission.NewMemoryLimiter()
	if addr := strings.TrimSpace(cfg.AdmissionRedisAddr); addr != "" {
		redisLimiter, err := admission.NewRedisLimiter(addr, cfg.AdmissionRedisPass, cfg.AdmissionRedisDB, log)
		if err != nil {
			log.Warn("redis admission limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	var generator rca.TextGenerator
	if cfg.RCAAPIKey != "" {
		gemini, err := rca.NewGeminiGenerator(ctx, cfg.RCAAPIKey, cfg.RCAModel)
		if err != nil {
			log.Warn("gemini generator unavailable, using fallback analysis", "error", err)
		} else {
			generator = gemini
		}
	}
	rcaSvc := rca.New(repo, repo, generator, log, cfg)
	analyzer := rca.NewWorker(rcaSvc, log, cfg)
	go analyzer.Run(ctx)

	actionSvc := remediation.New(repo, repo, hub, log)
	telemetrySvc := telemetry.New(repo, actionSvc, limiter, hub, log, cfg)
	incidentSvc := incident.New(repo, hub, log)
	webhookSvc := webhook.New(repo, incidentSvc, analyzer, log, cfg)

	detector := detection.New(repo, log)
	detectCfg := detection.ConfigFromAPI(cfg)
	if monitor := detection.NewMonitor(detector, repo, incidentSvc, analyzer, log, cfg); monitor != nil {
		go monitor.Run(ctx)
	}

	router := httpx.NewRouter(log, telemetrySvc, detector, detectCfg, incidentSvc, actionSvc, webhookSvc, analyzer, hub, limiter, httpx.NewJWTAuthorizer(cfg.JWTSecret), pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
