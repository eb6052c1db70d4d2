package operation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/protocol"
)

// Sentinel errors surfaced to callers of Get/Wait/Cancel.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrWaitTimeout      = errors.New("operation wait timed out")
)

// sweepInterval is how often the garbage collector scans the table.
const sweepInterval = time.Minute

// Manager owns the operation table. All mutation happens under a single
// mutex; waiters subscribe before reading current state so a terminal
// transition between subscribe and read cannot be lost.
type Manager struct {
	mu      sync.Mutex
	ops     map[string]*Operation
	waiters map[string][]chan *Operation

	cleanupAge time.Duration
	abandonAge time.Duration

	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an operation manager. cleanupAge bounds how long
// terminal operations are retained; abandonAge is the hard ceiling after
// which non-terminal operations are failed with ABANDONED.
func NewManager(cleanupAge, abandonAge time.Duration, logger *zap.SugaredLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ops:        make(map[string]*Operation),
		waiters:    make(map[string][]chan *Operation),
		cleanupAge: cleanupAge,
		abandonAge: abandonAge,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the periodic garbage collection sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				m.logger.Debugw("Operation sweeper stopping due to context cancellation")
				return
			case <-ticker.C:
				m.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweeper. Pending waiters are not resolved; callers are
// expected to be cancelled through their own contexts during shutdown.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Create registers a new operation owned by the given requester and returns
// its record. If id is empty a uuid is synthesized.
func (m *Manager) Create(id, opType, owner string) *Operation {
	if id == "" {
		id = uuid.NewString()
	}
	now := protocol.NowMillis()

	op := &Operation{
		ID:          id,
		Type:        opType,
		Owner:       owner,
		CreatedAt:   now,
		LastUpdated: now,
		Status:      StatusStarted,
	}

	m.mu.Lock()
	m.ops[id] = op
	count := len(m.ops)
	m.mu.Unlock()

	m.logger.Debugw("Operation created",
		"operation_id", id,
		"type", opType,
		"owner", owner,
		"total_operations", count,
	)
	return op.snapshot()
}

// Get returns a copy of the operation record.
func (m *Manager) Get(id string) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, false
	}
	return op.snapshot(), true
}

// Owner resolves the requester that owns an operation. Used by the router
// to target progress frames.
func (m *Manager) Owner(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return "", false
	}
	return op.Owner, true
}

// Count returns the number of tracked operations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// ApplyMilestone appends a milestone in arrival order and advances the
// state machine. A milestone arriving after a terminal state is ignored
// with a warning; terminal states are sticky.
func (m *Manager) ApplyMilestone(id, name string, data json.RawMessage) error {
	m.mu.Lock()

	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrUnknownOperation, "operation %s", id)
	}

	if op.Status.Terminal() {
		status := op.Status
		m.mu.Unlock()
		m.logger.Warnw("Milestone after terminal state ignored",
			"operation_id", id,
			"milestone", name,
			"status", status,
		)
		return nil
	}

	op.apply(name, data, protocol.NowMillis())

	var resolved []chan *Operation
	var record *Operation
	if op.Status.Terminal() {
		resolved = m.waiters[id]
		delete(m.waiters, id)
		record = op.snapshot()
	}
	m.mu.Unlock()

	for _, ch := range resolved {
		ch <- record
	}
	return nil
}

// CancelIntent checks cancellation preconditions for an operation.
// Cancellation itself is cooperative: the automator interprets the cancel
// request and emits a terminal milestone. Returns alreadyTerminal=true when
// there is nothing left to cancel (the second cancel is a no-op).
func (m *Manager) CancelIntent(id string) (alreadyTerminal bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownOperation, "operation %s", id)
	}
	return op.Status.Terminal(), nil
}

// WaitForCompletion blocks until the operation reaches a terminal status or
// the timeout elapses. The subscription is installed before current state is
// read, so a terminal transition can never be lost between the two.
func (m *Manager) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Operation, error) {
	ch := make(chan *Operation, 1)

	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownOperation, "operation %s", id)
	}
	if op.Status.Terminal() {
		record := op.snapshot()
		m.mu.Unlock()
		return record, nil
	}
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case record := <-ch:
		return record, nil
	case <-timer.C:
		m.removeWaiter(id, ch)
		return nil, errors.Wrapf(ErrWaitTimeout, "operation %s after %s", id, timeout)
	case <-ctx.Done():
		m.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// removeWaiter drops a subscriber without cancelling the operation itself.
func (m *Manager) removeWaiter(id string, ch chan *Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters := m.waiters[id]
	for i, w := range waiters {
		if w == ch {
			m.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

// Sweep removes terminal operations older than the cleanup age and abandons
// non-terminal operations older than the hard ceiling. Exposed for tests;
// the Start goroutine calls it once a minute.
func (m *Manager) Sweep(now time.Time) {
	nowMillis := now.UnixMilli()
	cleanupCutoff := nowMillis - m.cleanupAge.Milliseconds()
	abandonCutoff := nowMillis - m.abandonAge.Milliseconds()

	var removed, abandoned int
	var notify []func()

	m.mu.Lock()
	for id, op := range m.ops {
		if op.Status.Terminal() {
			if op.LastUpdated < cleanupCutoff {
				delete(m.ops, id)
				removed++
			}
			continue
		}

		if op.LastUpdated < abandonCutoff {
			op.Status = StatusError
			op.Error = &OpError{Code: protocol.CodeAbandoned, Message: "operation abandoned by cleanup"}
			op.LastUpdated = nowMillis
			record := op.snapshot()
			waiters := m.waiters[id]
			delete(m.waiters, id)
			delete(m.ops, id)
			abandoned++

			notify = append(notify, func() {
				for _, ch := range waiters {
					ch <- record
				}
			})
		}
	}
	remaining := len(m.ops)
	m.mu.Unlock()

	for _, fn := range notify {
		fn()
	}

	if removed > 0 || abandoned > 0 {
		m.logger.Infow("Operation sweep complete",
			"removed", removed,
			"abandoned", abandoned,
			"remaining", remaining,
		)
	}
}
