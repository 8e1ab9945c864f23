package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/actions"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/audit"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/config"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/engine"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/events"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/health"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/httpapi"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/llm"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/orchestrator"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/progress"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/session"
	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/voting"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appCfg, err := config.Load(os.Getenv("INTENTENGINE_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Hot-reloadable voting panel
	votingCfg, err := config.NewManager(appCfg.VotingConfigPath, logger)
	if err != nil {
		logger.Fatal("Failed to load voting configuration", zap.Error(err))
	}
	if err := votingCfg.Start(); err != nil {
		logger.Warn("Voting config watcher unavailable, hot reload disabled", zap.Error(err))
	} else {
		defer votingCfg.Stop()
	}

	healthMgr := health.NewManager(logger)

	// Conversation sessions (Redis). Optional: the engine works
	// stateless when Redis is unreachable at startup.
	var sessions *session.Store
	if appCfg.RedisAddr != "" {
		sessions, err = session.NewStore(appCfg.RedisAddr, appCfg.SessionTTL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without session persistence", zap.Error(err))
		} else {
			defer sessions.Close()
			healthMgr.Register(health.NewPingChecker("redis", true, sessions.Ping))
		}
	}

	// Audit persistence (Postgres). Optional.
	var recorder *audit.Recorder
	if appCfg.PostgresDSN != "" {
		recorder, err = audit.NewRecorder(appCfg.PostgresDSN, logger)
		if err != nil {
			logger.Warn("Postgres unavailable, running without audit persistence", zap.Error(err))
		} else {
			defer recorder.Close()
			healthMgr.Register(health.NewPingChecker("postgres", false, recorder.Ping))
		}
	}

	prompts := llm.NewPromptBuilder(nil, nil, appCfg.ExampleRetrievalCount)
	votingSvc := voting.NewService(votingCfg, voting.ProviderFactory{}, prompts, logger, voting.Options{
		RoundTimeout: appCfg.RoundTimeout,
	})

	tracker := progress.NewTracker(appCfg.TrackerRetention, logger)
	go tracker.Run(ctx)

	var executor orchestrator.ActionExecutor
	if appCfg.ActionServiceURL != "" {
		executor = actions.NewHTTPExecutor(appCfg.ActionServiceURL, appCfg.ActionServiceTimeout, logger)
	} else {
		logger.Warn("No action service configured, subtasks will be acknowledged only")
		executor = actions.NewLogExecutor(logger)
	}
	orch := orchestrator.New(executor, nil, logger, orchestrator.Options{
		MaxParallelism: appCfg.MaxParallelism,
	})

	eng := engine.New(appCfg, engine.Options{
		Voting:   votingSvc,
		Orch:     orch,
		Tracker:  tracker,
		Sessions: sessions,
		Recorder: recorder,
		Events:   events.NewManager(256),
	}, logger)

	// API server
	mux := http.NewServeMux()
	httpapi.NewHandler(eng, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", appCfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", appCfg.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", appCfg.MetricsPort)
		logger.Info("Metrics listening", zap.Int("port", appCfg.MetricsPort))
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
}
