// Package kernel supervises the substrate's background loops: the CRI
// heartbeat sweep, the news compaction tick, the subscription rate-window
// purge, and the nightly compliance audit. Every loop honors cancellation
// and never re-enters a running tick.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is one tick of a background loop.
type TaskFunc func(ctx context.Context) error

// task is one supervised loop.
type task struct {
	name  string
	every time.Duration
	spec  string // cron spec; set for scheduled tasks instead of every
	run   TaskFunc

	running  atomic.Bool
	runs     atomic.Int64
	skips    atomic.Int64
	failures atomic.Int64

	mu       sync.Mutex
	lastErr  error
	lastTick time.Time
}

// TaskStatus is a point-in-time view of one loop.
type TaskStatus struct {
	Name     string    `json:"name"`
	Runs     int64     `json:"runs"`
	Skips    int64     `json:"skips"`
	Failures int64     `json:"failures"`
	LastTick time.Time `json:"last_tick,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
}

// Kernel owns the loop set. Register tasks before Start; the set is fixed
// once running.
type Kernel struct {
	tasks  []*task
	cron   *cron.Cron
	logger *slog.Logger
	clock  func() time.Time

	wg      sync.WaitGroup
	started atomic.Bool
}

// New constructs an empty kernel.
func New() *Kernel {
	return &Kernel{
		cron:   cron.New(),
		logger: slog.Default().With("component", "kernel"),
		clock:  time.Now,
	}
}

// WithClock overrides the time source used for status stamps, for tests.
// The cron scheduler keeps wall-clock time.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	return k
}

// AddLoop registers a fixed-interval loop.
func (k *Kernel) AddLoop(name string, every time.Duration, run TaskFunc) {
	k.tasks = append(k.tasks, &task{name: name, every: every, run: run})
}

// AddNightly registers a task executed once per day at the given wall-clock
// hour.
func (k *Kernel) AddNightly(name string, hour int, run TaskFunc) {
	k.tasks = append(k.tasks, &task{
		name: name,
		spec: fmt.Sprintf("0 %d * * *", hour),
		run:  run,
	})
}

// Start launches every registered loop. It returns immediately; loops stop
// when ctx is cancelled, each completing its current tick first.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel already started")
	}

	for _, t := range k.tasks {
		if t.spec != "" {
			t := t
			if _, err := k.cron.AddFunc(t.spec, func() { k.execute(ctx, t) }); err != nil {
				return fmt.Errorf("schedule %s: %w", t.name, err)
			}
			k.logger.Info("scheduled task registered", "task", t.name, "spec", t.spec)
			continue
		}
		k.wg.Add(1)
		go k.loop(ctx, t)
	}
	k.cron.Start()

	go func() {
		<-ctx.Done()
		// Stop returns a context that resolves once running cron jobs finish.
		<-k.cron.Stop().Done()
	}()
	return nil
}

// Wait blocks until every interval loop has exited.
func (k *Kernel) Wait() {
	k.wg.Wait()
}

func (k *Kernel) loop(ctx context.Context, t *task) {
	defer k.wg.Done()

	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	k.logger.Info("loop started", "task", t.name, "every", t.every.String())
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("loop stopped", "task", t.name)
			return
		case <-ticker.C:
			k.execute(ctx, t)
		}
	}
}

// execute runs one tick under the reentry guard. An overlapping schedule
// fire is counted and dropped, never queued.
func (k *Kernel) execute(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		t.skips.Add(1)
		k.logger.Warn("tick skipped, previous still running", "task", t.name)
		return
	}
	defer t.running.Store(false)

	err := t.run(ctx)

	t.runs.Add(1)
	t.mu.Lock()
	t.lastErr = err
	t.lastTick = k.clock()
	t.mu.Unlock()

	if err != nil {
		t.failures.Add(1)
		k.logger.Error("tick failed", "task", t.name, "error", err)
	}
}

// Snapshot returns the status of every registered task.
func (k *Kernel) Snapshot() []TaskStatus {
	out := make([]TaskStatus, 0, len(k.tasks))
	for _, t := range k.tasks {
		s := TaskStatus{
			Name:     t.name,
			Runs:     t.runs.Load(),
			Skips:    t.skips.Load(),
			Failures: t.failures.Load(),
		}
		t.mu.Lock()
		s.LastTick = t.lastTick
		if t.lastErr != nil {
			s.LastErr = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, s)
	}
	return out
}
