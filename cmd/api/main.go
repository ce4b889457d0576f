package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/launchforge/engine/internal/api"
	"github.com/launchforge/engine/internal/api/handlers"
	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/operations"
	"github.com/launchforge/engine/internal/repository"
	"github.com/launchforge/engine/internal/services"
	"github.com/launchforge/engine/pkg/config"
	"github.com/launchforge/engine/pkg/database"
	"github.com/launchforge/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting launchforge api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer asynqClient.Close()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	operationRepo := repository.NewOperationRepository(db)
	agentLogRepo := repository.NewAgentLogRepository(db)

	// Log pipeline: durable store plus redis-bridged fan-out so this replica
	// streams entries produced by the worker process.
	hub := logstream.NewHub()
	bus := logstream.NewBus(hub, rdb)
	streamer := logstream.NewStreamer(logstream.NewDBStore(db, agentLogRepo), bus)
	go bus.Run(ctx)

	manager := operations.NewManager(operationRepo, streamer)

	sessionSvc := services.NewSessionService(sessionRepo, projectRepo, asynqClient)
	// Execution happens in the worker; the API side only claims and enqueues,
	// so it carries no sandbox executor or credential resolver.
	deploySvc := services.NewDeploymentService(projectRepo, sessionRepo, manager, nil, nil, asynqClient, cfg.WorkingDir)

	jwtSecret := []byte(cfg.JWTSecret)

	router := api.NewRouter(api.Dependencies{
		HMACSecret:        jwtSecret,
		HealthHandler:     handlers.NewHealthHandler(db),
		AuthHandler:       handlers.NewAuthHandler(userRepo, jwtSecret),
		SessionsHandler:   handlers.NewSessionsHandler(sessionSvc),
		ProjectsHandler:   handlers.NewProjectsHandler(deploySvc),
		OperationsHandler: handlers.NewOperationsHandler(deploySvc),
		LogsHandler:       handlers.NewLogsHandler(streamer, sessionSvc, deploySvc),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
		// No WriteTimeout: SSE log streams stay open for the life of an
		// operation.
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
