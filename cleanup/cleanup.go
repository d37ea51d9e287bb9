// Package cleanup provides a background worker that sweeps expired
// credentials out of the store.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for the worker.
const (
	DefaultInterval = time.Hour
	DefaultTimeout  = 5 * time.Minute
)

// Func performs cleanup and returns the number of records deleted.
type Func func(ctx context.Context) (int64, error)

// Task is a named cleanup function.
type Task struct {
	Name string
	Run  Func
}

// Config holds cleanup worker configuration.
type Config struct {
	// Interval is how often to run cleanup. Defaults to 1 hour.
	Interval time.Duration

	// Timeout bounds a single run. Defaults to 5 minutes.
	Timeout time.Duration

	// Concurrency caps how many tasks run at once. Zero means no limit.
	Concurrency int

	// Logger for cleanup events. Defaults to discarding.
	Logger *slog.Logger
}

// Worker performs periodic cleanup of expired data.
type Worker struct {
	tasks       []Task
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.RWMutex
	lastRun time.Time
	runs    int64
	deleted map[string]int64
	errors  int64
}

// NewWorker creates a new cleanup worker over tasks.
func NewWorker(cfg *Config, tasks ...Task) *Worker {
	if cfg == nil {
		cfg = &Config{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Worker{
		tasks:       tasks,
		interval:    interval,
		timeout:     timeout,
		concurrency: cfg.Concurrency,
		logger:      logger.With("component", "cleanup"),
		done:        make(chan struct{}),
		deleted:     make(map[string]int64, len(tasks)),
	}
}

// Start begins the cleanup worker. The first run happens immediately.
// Calling Start more than once has no effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Stop gracefully stops the cleanup worker, waiting for an in-flight run.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if err := w.RunNow(ctx); err != nil {
		w.logger.Warn("cleanup run finished with errors", "error", err)
	}
}

// RunNow runs every task once, concurrently, and returns the joined task
// errors. One failing task does not stop the others.
func (w *Worker) RunNow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if w.concurrency > 0 {
		g.SetLimit(w.concurrency)
	}

	counts := make(map[string]int64, len(w.tasks))
	for _, task := range w.tasks {
		g.Go(func() error {
			n, err := task.Run(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				w.logger.Error("cleanup task failed", "task", task.Name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
				return nil
			}
			counts[task.Name] += n
			if n > 0 {
				w.logger.Info("deleted expired records", "task", task.Name, "count", n)
			}
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.lastRun = time.Now()
	w.runs++
	for name, n := range counts {
		w.deleted[name] += n
	}
	w.errors += int64(len(errs))
	w.mu.Unlock()

	return errors.Join(errs...)
}

// Stats holds cleanup statistics.
type Stats struct {
	LastRun time.Time
	Runs    int64
	Deleted map[string]int64
	Errors  int64
}

// Total returns the number of records deleted across all tasks.
func (s Stats) Total() int64 {
	var total int64
	for _, n := range s.Deleted {
		total += n
	}
	return total
}

// Stats returns the current cleanup statistics.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	deleted := make(map[string]int64, len(w.deleted))
	for k, v := range w.deleted {
		deleted[k] = v
	}
	return Stats{
		LastRun: w.lastRun,
		Runs:    w.runs,
		Deleted: deleted,
		Errors:  w.errors,
	}
}
