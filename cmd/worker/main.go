package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/launchforge/engine/internal/credentials"
	"github.com/launchforge/engine/internal/generator"
	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/operations"
	"github.com/launchforge/engine/internal/orchestrator"
	"github.com/launchforge/engine/internal/queue/tasks"
	"github.com/launchforge/engine/internal/repofetch"
	"github.com/launchforge/engine/internal/repository"
	"github.com/launchforge/engine/internal/sandbox"
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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	sessionRepo := repository.NewSessionRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	operationRepo := repository.NewOperationRepository(db)
	agentLogRepo := repository.NewAgentLogRepository(db)
	workflowRepo := repository.NewWorkflowLogRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	hub := logstream.NewHub()
	bus := logstream.NewBus(hub, rdb)
	streamer := logstream.NewStreamer(logstream.NewDBStore(db, agentLogRepo), bus)
	go bus.Run(ctx)

	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	} else if err := os.MkdirAll(workingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}

	var executor sandbox.Executor
	switch cfg.SandboxDriver {
	case "docker":
		executor, err = sandbox.NewDockerExecutor(cfg.SandboxImage, cfg.OperationTimeout)
		if err != nil {
			log.Fatal("docker executor init failed", zap.Error(err))
		}
	default:
		executor = sandbox.NewLocalExecutor(cfg.OperationTimeout)
	}

	producer, err := generator.NewGenAIProducer(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	if err != nil {
		log.Fatal("genai client init failed", zap.Error(err))
	}

	resolver := credentials.NewResolver(credentialRepo,
		credentials.NewAWSSource(),
		credentials.NewGCPSource(),
	)

	orch := orchestrator.New(
		sessionRepo,
		workflowRepo,
		streamer,
		repofetch.NewFetcher(workingDir),
		producer,
		nil,
	)

	manager := operations.NewManager(operationRepo, streamer)
	// The worker consumes rather than enqueues, so it carries no asynq client.
	deploySvc := services.NewDeploymentService(projectRepo, sessionRepo, manager, executor, resolver, nil, workingDir)

	mux := tasks.Mux(
		tasks.NewGenerateTaskHandler(orch),
		tasks.NewOperationTaskHandler(deploySvc),
	)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("asynq worker starting",
			zap.Int("concurrency", cfg.AsynqConcurrency),
			zap.String("sandbox_driver", cfg.SandboxDriver),
		)
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	stop()
	srv.Shutdown()
}
