package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	ErrJobExists      = errors.New("scheduler: job already exists")
	ErrSchedulerStart = errors.New("scheduler: already started")
)

// JobSpec describes a housekeeping job that runs every Interval until the
// scheduler stops.
type JobSpec struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(context.Context) error
}

type JobStatus struct {
	Name                string        `json:"name"`
	Runs                int64         `json:"runs"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	InProgress          bool          `json:"in_progress"`
	LastStartAt         time.Time     `json:"last_start_at"`
	LastEndAt           time.Time     `json:"last_end_at"`
	LastError           string        `json:"last_error,omitempty"`
	LastDuration        time.Duration `json:"last_duration"`
	NextRunAt           time.Time     `json:"next_run_at"`
}

type Health struct {
	Started        bool      `json:"started"`
	StartedAt      time.Time `json:"started_at"`
	RegisteredJobs int       `json:"registered_jobs"`
	RunningJobs    int       `json:"running_jobs"`
}

type entry struct {
	spec   JobSpec
	status JobStatus
	active bool
}

type Scheduler struct {
	mu        sync.Mutex
	entries   map[string]*entry
	started   bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{entries: make(map[string]*entry)}
}

// Register adds a job. Jobs registered after Start begin immediately.
func (s *Scheduler) Register(spec JobSpec) error {
	if err := validateJob(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, spec.Name)
	}
	e := &entry{spec: spec, status: JobStatus{Name: spec.Name}}
	s.entries[spec.Name] = e
	if s.started {
		s.launchLocked(e)
	}
	return nil
}

func (s *Scheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStart
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.started = true
	s.startedAt = time.Now()
	for _, e := range s.entries {
		s.launchLocked(e)
	}
	log.Printf("[Scheduler] started jobs=%d", len(s.entries))
	return nil
}

// Stop cancels every job loop and waits up to timeout for in-progress runs.
// A non-positive timeout waits forever.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	// Cancel under the lock so a run finishing now cannot reschedule itself.
	s.cancel()
	s.ctx = nil
	s.cancel = nil
	s.started = false
	s.startedAt = time.Time{}
	for _, e := range s.entries {
		e.active = false
		e.status.NextRunAt = time.Time{}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-done:
		return nil
	case <-deadline:
		return fmt.Errorf("scheduler: stop timeout after %s", timeout)
	}
}

// Snapshot returns job statuses sorted by name.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		items = append(items, e.status)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, e := range s.entries {
		if e.active {
			running++
		}
	}
	return Health{
		Started:        s.started,
		StartedAt:      s.startedAt,
		RegisteredJobs: len(s.entries),
		RunningJobs:    running,
	}
}

func (s *Scheduler) launchLocked(e *entry) {
	if e.active || s.ctx == nil {
		return
	}
	e.active = true
	if !e.spec.RunOnStart {
		e.status.NextRunAt = time.Now().Add(e.spec.Interval)
	}
	s.wg.Add(1)
	go s.loop(s.ctx, e.spec)
}

func (s *Scheduler) loop(ctx context.Context, spec JobSpec) {
	defer s.wg.Done()
	if spec.RunOnStart {
		s.run(ctx, spec)
	}
	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, spec)
		}
	}
}

func (s *Scheduler) run(parent context.Context, spec JobSpec) {
	started := time.Now()
	s.update(spec.Name, func(st *JobStatus) {
		st.InProgress = true
		st.LastStartAt = started
	})

	runCtx := parent
	cancel := func() {}
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, spec.Timeout)
	}
	err := safeRun(runCtx, spec.Run)
	cancel()

	ended := time.Now()
	s.update(spec.Name, func(st *JobStatus) {
		st.InProgress = false
		st.Runs++
		st.LastEndAt = ended
		st.LastDuration = ended.Sub(started)
		if parent.Err() == nil {
			st.NextRunAt = started.Add(spec.Interval)
		}
		if err != nil {
			st.Failures++
			st.ConsecutiveFailures++
			st.LastError = err.Error()
			return
		}
		st.ConsecutiveFailures = 0
		st.LastError = ""
	})

	if err != nil {
		log.Printf("[Scheduler] job=%s failed after %s: %v", spec.Name, ended.Sub(started).Round(time.Millisecond), err)
	}
}

// update applies fn to the status of a still-registered job.
func (s *Scheduler) update(name string, fn func(*JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		fn(&e.status)
	}
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

func validateJob(spec JobSpec) error {
	if spec.Name == "" {
		return errors.New("scheduler: job name is required")
	}
	if spec.Interval <= 0 {
		return errors.New("scheduler: job interval must be greater than zero")
	}
	if spec.Run == nil {
		return errors.New("scheduler: job run callback is required")
	}
	return nil
}
