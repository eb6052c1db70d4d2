// Package lifecycle handles process shutdown ordering: signal handling, an
// ordered cleanup task registry, and optional parent-process monitoring.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CleanupFunc is one shutdown task. It must respect the context deadline.
type CleanupFunc func(ctx context.Context) error

type cleanupTask struct {
	name string
	fn   CleanupFunc
}

// CleanupRegistry runs registered tasks in registration order on shutdown.
// Task failures are logged but never abort subsequent tasks.
type CleanupRegistry struct {
	mu     sync.Mutex
	tasks  []cleanupTask
	logger *zap.SugaredLogger
}

func NewCleanupRegistry(logger *zap.SugaredLogger) *CleanupRegistry {
	return &CleanupRegistry{logger: logger}
}

// Register appends a named cleanup task.
func (r *CleanupRegistry) Register(name string, fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, cleanupTask{name: name, fn: fn})
}

// Run executes every task in order with a per-task timeout.
func (r *CleanupRegistry) Run(ctx context.Context, perTaskTimeout time.Duration) {
	r.mu.Lock()
	tasks := make([]cleanupTask, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	for _, task := range tasks {
		taskCtx, cancel := context.WithTimeout(ctx, perTaskTimeout)

		done := make(chan error, 1)
		go func() {
			done <- task.fn(taskCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				r.logger.Warnw("Cleanup task failed",
					"task", task.name,
					"error", err.Error(),
				)
			} else {
				r.logger.Debugw("Cleanup task complete", "task", task.name)
			}
		case <-taskCtx.Done():
			r.logger.Warnw("Cleanup task timed out",
				"task", task.name,
				"timeout", perTaskTimeout,
			)
		}
		cancel()
	}
}
