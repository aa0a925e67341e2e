package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueStarted    = errors.New("queue: already started")
	ErrQueueStopped    = errors.New("queue: stopped")
	ErrEnqueueCanceled = errors.New("queue: enqueue canceled")
)

// Job is one unit of work. Jobs run once; a failing or panicking job is
// counted and dropped.
type Job struct {
	ID string
	// Key pins the job to one worker lane. Jobs sharing a key run one at a
	// time in enqueue order. An empty key spreads jobs round robin.
	Key     string
	Timeout time.Duration
	Run     func(context.Context) error
}

// Queue is a fixed pool of workers. Jobs enter a buffered intake channel and
// a router hands each one to the lane of the worker that owns its key.
type Queue struct {
	mu        sync.Mutex
	jobs      chan Job
	lanes     []chan Job
	started   bool
	stopping  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pending   atomic.Int64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
}

type Stats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	InFlight  int64  `json:"in_flight"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panicked  uint64 `json:"panicked"`
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{jobs: make(chan Job, buffer)}
}

func (q *Queue) Enqueue(job Job) (string, error) {
	return q.EnqueueContext(context.Background(), job)
}

// EnqueueContext blocks while the buffer is full, until ctx is done.
func (q *Queue) EnqueueContext(ctx context.Context, job Job) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateJob(job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = "q-" + uuid.NewString()
	}

	q.mu.Lock()
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	q.pending.Add(1)
	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		return job.ID, nil
	case <-ctx.Done():
		q.pending.Add(-1)
		return "", fmt.Errorf("%w: %w", ErrEnqueueCanceled, ctx.Err())
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	return Stats{
		Started:   started,
		Depth:     int(q.pending.Load() - q.inFlight.Load()),
		Capacity:  cap(q.jobs),
		InFlight:  q.inFlight.Load(),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Panicked:  q.panicked.Load(),
	}
}

func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.stopping = false
	laneBuffer := cap(q.jobs) / workers
	if laneBuffer < 1 {
		laneBuffer = 1
	}
	lanes := make([]chan Job, workers)
	for i := range lanes {
		lanes[i] = make(chan Job, laneBuffer)
	}
	q.lanes = lanes
	q.mu.Unlock()

	q.wg.Add(1)
	go q.route(ctx, lanes)
	for _, lane := range lanes {
		q.wg.Add(1)
		go q.worker(ctx, lane)
	}
	return nil
}

// Stop refuses new jobs, waits up to timeout for queued and running jobs to
// finish, then cancels the workers. A non-positive timeout waits forever.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	lanes := q.lanes
	q.cancel = nil
	q.lanes = nil
	q.started = false
	q.stopping = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.stopping = false
		q.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for q.pending.Load() > 0 {
		select {
		case <-deadline:
			cancel()
			return fmt.Errorf("queue: stop timeout after %s", timeout)
		case <-ticker.C:
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()
	select {
	case <-done:
		q.dropLanes(lanes)
		return nil
	case <-deadline:
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
}

// dropLanes discards jobs already routed to lanes of stopped workers. Jobs
// still in the intake channel survive for the next Start.
func (q *Queue) dropLanes(lanes []chan Job) {
	for _, lane := range lanes {
		for {
			select {
			case job := <-lane:
				q.pending.Add(-1)
				log.Printf("[Queue] job=%s dropped on stop", job.ID)
				continue
			default:
			}
			break
		}
	}
}

func (q *Queue) route(ctx context.Context, lanes []chan Job) {
	defer q.wg.Done()
	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			idx := laneIndex(job.Key, len(lanes), &next)
			select {
			case lanes[idx] <- job:
			case <-ctx.Done():
				q.pending.Add(-1)
				log.Printf("[Queue] job=%s dropped on stop", job.ID)
				return
			}
		}
	}
}

func laneIndex(key string, lanes int, next *int) int {
	if key == "" {
		idx := *next % lanes
		*next = idx + 1
		return idx
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(lanes))
}

func (q *Queue) worker(ctx context.Context, lane <-chan Job) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-lane:
			q.inFlight.Add(1)
			q.runOnce(ctx, job)
			q.inFlight.Add(-1)
			q.pending.Add(-1)
		}
	}
}

func (q *Queue) runOnce(parent context.Context, job Job) {
	runCtx := parent
	cancel := func() {}
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.Timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.panicked.Add(1)
			log.Printf("[Queue] job=%s panicked: %v", job.ID, r)
		}
	}()

	if err := job.Run(runCtx); err != nil {
		q.failed.Add(1)
		log.Printf("[Queue] job=%s failed: %v", job.ID, err)
		return
	}
	q.completed.Add(1)
}

func validateJob(job Job) error {
	if job.Run == nil {
		return errors.New("queue: job run callback is required")
	}
	if job.Timeout < 0 {
		return errors.New("queue: job timeout cannot be negative")
	}
	return nil
}
