package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/forgeops/pipeforge/internal/agentexec"
	"github.com/forgeops/pipeforge/internal/approval"
	"github.com/forgeops/pipeforge/internal/checkpoint"
	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/internal/eventbus"
	"github.com/forgeops/pipeforge/internal/health"
	"github.com/forgeops/pipeforge/internal/notify"
	"github.com/forgeops/pipeforge/internal/orchestrator"
	"github.com/forgeops/pipeforge/internal/recovery"
	"github.com/forgeops/pipeforge/internal/repos"
	"github.com/forgeops/pipeforge/internal/retry"
	"github.com/forgeops/pipeforge/internal/sandbox"
	"github.com/forgeops/pipeforge/internal/server"
	"github.com/forgeops/pipeforge/internal/task"
	taskrepo "github.com/forgeops/pipeforge/internal/task/repositoryimpl"
	"github.com/forgeops/pipeforge/pkg/clog"
	"github.com/forgeops/pipeforge/pkg/storage"
)

var (
	app = kingpin.New("pipeforge-server", "Orchestration engine for autonomous multi-phase development tasks")

	runCmd      = app.Command("run", "Run the server")
	sentinelCmd = app.Command("sentinel", "Run the server under the sentinel supervisor")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		run()
	case sentinelCmd.FullCommand():
		runSentinel()
	}
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
	logger := slog.Default()

	// Setup storage and the task store backend
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	var taskRepo task.Repository
	if env.StorageEnv.Type == "sqlite" {
		sqliteRepo, err := taskrepo.NewSQLiteRepository(context.Background(), env.StorageEnv.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite task store", "error", err)
			os.Exit(1)
		}
		defer sqliteRepo.Close()
		taskRepo = sqliteRepo
	} else {
		taskRepo = taskrepo.NewYAMLRepository(store)
	}

	// Event bus and notification sinks
	bus := eventbus.New()
	sink := notify.NewMultiSink(notify.NewBusSink(bus))

	// Push notifications
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSubRepo := notify.NewYAMLSubscriptionRepository(store)
	pushSender := notify.NewSender(vapidEnv, pushSubRepo)
	pushDispatcher := notify.NewDispatcher(bus, pushSender)

	// Agent executor behind a circuit breaker
	agentEnv := config.AgentEnvFromEnv(env)
	orchEnv := config.OrchestratorEnvFromEnv(env)
	executor := agentexec.NewBreakerExecutor(
		agentexec.NewClaude(agentEnv, agentEnv.MaxTurns, orchEnv.AgentTimeout),
		logger,
	)

	// Orchestration engine
	gate := approval.NewGate()
	active := orchestrator.NewActiveRegistry()
	repoSvc := repos.NewLocal(logger)
	sandboxProvider := sandbox.NewLocal(filepath.Join(env.StorageEnv.BaseDir, "workspaces"), orchEnv.VerifyTimeout, logger)
	coord := orchestrator.NewCoordinator(taskRepo, gate, executor, repoSvc, sink, active, sandboxProvider, orchEnv, logger)
	svc := orchestrator.NewService(taskRepo, gate, coord, sink, active, logger)

	// Background processors
	recoverySvc := recovery.NewService(taskRepo, coord, logger)
	reattach := checkpoint.NewReattach(taskRepo, coord, logger)
	retryProc := retry.NewProcessor(taskRepo, coord, orchEnv, logger)
	healthMon := health.NewMonitor(taskRepo, coord, active, orchEnv, logger)

	srv := server.NewServer(env, server.NewControl(svc, taskRepo, pushSubRepo))

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	recoverySvc.Start(ctx)
	go reattach.Run(ctx)
	go retryProc.Run(ctx)
	go healthMon.Run(ctx)
	go pushDispatcher.Start(ctx)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
