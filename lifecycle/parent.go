package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// parentPollInterval is how often the parent process is probed.
// A variable so tests can shorten it.
var parentPollInterval = 5 * time.Second

// ParentMonitor probes a parent pid and invokes onGone once when it
// disappears, so an orphaned hub can shut itself down. Off unless a parent
// pid is configured.
type ParentMonitor struct {
	pid    int
	onGone func()
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewParentMonitor(pid int, onGone func(), logger *zap.SugaredLogger) *ParentMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ParentMonitor{
		pid:    pid,
		onGone: onGone,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the probe loop.
func (m *ParentMonitor) Start() {
	m.logger.Infow("Parent monitor started", "parent_pid", m.pid)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(parentPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				exists, err := process.PidExists(int32(m.pid))
				if err != nil {
					m.logger.Debugw("Parent probe failed", "parent_pid", m.pid, "error", err.Error())
					continue
				}
				if !exists {
					m.logger.Warnw("Parent process gone, initiating shutdown", "parent_pid", m.pid)
					m.once.Do(m.onGone)
					return
				}
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *ParentMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
