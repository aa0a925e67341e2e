package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"nisbot/app/core/interaction/gateway"
	"nisbot/app/core/scheduler"
	"nisbot/app/pkg/types"
)

type idleAgent struct{}

func (idleAgent) Process(context.Context, types.Message, types.Responder) error { return nil }
func (idleAgent) Name() string { return "idle" }

type staticCounts struct {
	tasks   int
	version int
	err     error
}

func (s staticCounts) Count(context.Context) (int, error) { return s.tasks, s.err }
func (s staticCounts) SchemaVersion() (int, error) { return s.version, s.err }

func TestRuntimeStatusIncludesSchedulerHealth(t *testing.T) {
	jobScheduler := scheduler.New()
	err := jobScheduler.Register(scheduler.JobSpec{
		Name:     "trace-prune",
		Interval: time.Hour,
		Run:      func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := jobScheduler.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer jobScheduler.Stop(time.Second)

	provider := runtimeStatus(gateway.NewGateway(idleAgent{}), jobScheduler, staticCounts{tasks: 3, version: 2}, staticCounts{tasks: 3, version: 2})
	snapshot := provider(context.Background())

	health, ok := snapshot["scheduler_health"].(scheduler.Health)
	if !ok {
		t.Fatalf("missing scheduler_health: %+v", snapshot)
	}
	if !health.Started || health.RegisteredJobs != 1 || health.RunningJobs != 1 {
		t.Fatalf("unexpected scheduler health: %+v", health)
	}
	if snapshot["tasks"] != 3 || snapshot["schema_version"] != 2 {
		t.Fatalf("unexpected store fields: %+v", snapshot)
	}
}

func TestRuntimeStatusSkipsFailingStoreFields(t *testing.T) {
	failing := staticCounts{err: errors.New("database is locked")}
	provider := runtimeStatus(gateway.NewGateway(idleAgent{}), scheduler.New(), failing, failing)
	snapshot := provider(context.Background())

	if _, ok := snapshot["tasks"]; ok {
		t.Fatalf("tasks should be omitted on error: %+v", snapshot)
	}
	if _, ok := snapshot["schema_version"]; ok {
		t.Fatalf("schema_version should be omitted on error: %+v", snapshot)
	}
	if health := snapshot["scheduler_health"].(scheduler.Health); health.Started {
		t.Fatalf("scheduler should report not started: %+v", health)
	}
}
