package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "nisbot/app/configs"
	"nisbot/app/core/interaction/cli"
	"nisbot/app/core/interaction/gateway"
	statushttp "nisbot/app/core/interaction/http"
	"nisbot/app/core/interaction/telegram"
	"nisbot/app/core/llm"
	"nisbot/app/core/orchestrator/agent"
	"nisbot/app/core/orchestrator/db"
	"nisbot/app/core/orchestrator/session"
	"nisbot/app/core/orchestrator/task"
	"nisbot/app/core/runtime"
	"nisbot/app/core/scheduler"
	"nisbot/app/pkg/logger"
	"nisbot/app/pkg/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Storage.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("NISBot Starting...")
	logger.Info("Config: %s", cfg.SummaryLine())

	database, err := db.NewSQLiteDB(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	taskStore := task.NewStore(database)
	if total, err := taskStore.Count(context.Background()); err != nil {
		logger.Error("Failed to read task store: %v", err)
		os.Exit(1)
	} else {
		logger.Info("Database initialized successfully (%s, %d tasks)", database.Path(), total)
	}

	completion := llm.NewClient(cfg.Completion)
	logger.Info("Completion client ready (model=%s)", completion.Model())

	dispatcher := agent.NewDispatcher(taskStore, completion, session.NewTracker(), agent.Options{
		StrictDelete: cfg.Task.StrictDelete,
	})

	gw := gateway.NewGateway(dispatcher)

	tracer, err := gateway.NewTraceRecorder(cfg.Storage.TraceDir)
	if err != nil {
		logger.Error("Failed to initialize gateway trace: %v", err)
		os.Exit(1)
	}
	defer tracer.Close()
	gw.SetTraceRecorder(tracer)

	if cfg.Telegram.BotToken != "" {
		gw.RegisterChannel(telegram.NewChannel(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			TimeoutSeconds: cfg.Telegram.TimeoutSeconds,
		}))
	}
	if cfg.CLI.Enabled {
		gw.RegisterChannel(cli.NewCLIChannel(cfg.CLI.UserID))
	}

	var executionQueue *queue.Queue
	if cfg.Runtime.Queue.Enabled {
		executionQueue = queue.New(cfg.Runtime.Queue.Buffer)
		// Workers outlive the signal context so accepted messages can still be
		// answered while draining.
		if err := executionQueue.Start(context.Background(), cfg.Runtime.Queue.Workers); err != nil {
			logger.Error("Failed to start execution queue: %v", err)
			os.Exit(1)
		}
		gw.SetExecutionQueue(executionQueue, gateway.QueueOptions{
			Enabled:        true,
			EnqueueTimeout: time.Duration(cfg.Runtime.Queue.EnqueueTimeoutSec) * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobScheduler := scheduler.New()
	err = runtime.RegisterMaintenanceJobs(jobScheduler, runtime.MaintenanceOptions{
		Enabled:            cfg.Runtime.Maintenance.Enabled,
		TraceDir:           cfg.Storage.TraceDir,
		TraceRetentionDays: cfg.Runtime.Maintenance.TraceRetentionDays,
		DBPath:             database.Path(),
		BackupKeep:         cfg.Runtime.Maintenance.BackupKeep,
	})
	if err != nil {
		logger.Error("Failed to register maintenance jobs: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	if cfg.Runtime.StatusPort > 0 {
		statusServer := statushttp.NewStatusServer(cfg.Runtime.StatusPort)
		statusServer.SetStatusProvider(runtimeStatus(gw, jobScheduler, taskStore, database))
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				logger.Error("Status server stopped: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gw.Start(ctx); err != nil {
			logger.Error("Gateway crashed: %v", err)
		}
	}()

	logger.Info("NISBot is ready to serve.")
	if cfg.CLI.Enabled {
		fmt.Println("- CLI Interface: Interactive")
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal. NISBot Shutting Down...")
	case <-done:
		logger.Info("All channels stopped. NISBot Shutting Down...")
	}
	stop()
	// The CLI channel can stay blocked on stdin; don't wait on it forever.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logger.Error("Channels did not stop in time")
	}

	if executionQueue != nil {
		timeout := time.Duration(cfg.Runtime.Queue.ShutdownTimeoutSec) * time.Second
		if err := executionQueue.Stop(timeout); err != nil {
			logger.Error("Execution queue shutdown: %v", err)
		}
	}

	status := gw.HealthStatus()
	logger.Info("Gateway stats: processed=%d failed=%d panics=%d queue_completed=%d",
		status.ProcessedMessages, status.FailedMessages, status.RecoveredPanics, status.Queue.Completed)
}

type taskCounter interface {
	Count(ctx context.Context) (int, error)
}

type schemaReader interface {
	SchemaVersion() (int, error)
}

// runtimeStatus builds the /api/status payload. Store errors drop their key
// instead of failing the whole snapshot.
func runtimeStatus(gw *gateway.DefaultGateway, jobScheduler *scheduler.Scheduler, tasks taskCounter, schema schemaReader) func(context.Context) map[string]interface{} {
	return func(ctx context.Context) map[string]interface{} {
		snapshot := map[string]interface{}{
			"gateway":          gw.HealthStatus(),
			"scheduler":        jobScheduler.Snapshot(),
			"scheduler_health": jobScheduler.Health(),
		}
		if total, err := tasks.Count(ctx); err == nil {
			snapshot["tasks"] = total
		}
		if version, err := schema.SchemaVersion(); err == nil {
			snapshot["schema_version"] = version
		}
		return snapshot
	}
}
