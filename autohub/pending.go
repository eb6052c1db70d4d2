package autohub

import (
	"fmt"
	"sync"
	"time"

	"github.com/teranos/tabhub/protocol"
)

// HubError is a wire-level failure surfaced to a caller, carrying the
// stable code and message from the error frame or the local taxonomy.
type HubError struct {
	Code      protocol.ErrorCode
	Message   string
	RequestID string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type pendingResult struct {
	frame *protocol.Frame
	err   error
}

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	toolName  string
	createdAt time.Time
	ch        chan pendingResult
	timer     *time.Timer
}

// pendingTable maps requestId to in-flight state. Single owner under one
// mutex; an entry is resolved exactly once — by response, by error, by
// timeout, or by a bulk rejection on reconnect — and removed in the same
// critical section, so timeout and response race cleanly.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers an in-flight request and arms its timeout.
func (t *pendingTable) add(requestID, toolName string, timeout time.Duration) *pendingRequest {
	entry := &pendingRequest{
		toolName:  toolName,
		createdAt: time.Now(),
		ch:        make(chan pendingResult, 1),
	}

	// Arm and insert under the lock so a timer that fires at once still
	// finds the entry.
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.timer = time.AfterFunc(timeout, func() {
		t.resolve(requestID, pendingResult{err: &HubError{
			Code:      protocol.CodeRequestTimeout,
			Message:   fmt.Sprintf("request %s (%s) timed out after %s", requestID, toolName, timeout),
			RequestID: requestID,
		}})
	})
	t.entries[requestID] = entry
	return entry
}

// resolve delivers a result to the waiting caller and removes the entry.
// Returns false if the entry was already resolved.
func (t *pendingTable) resolve(requestID string, res pendingResult) bool {
	t.mu.Lock()
	entry, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.ch <- res
	return true
}

// rejectAll fails every in-flight request with the same error. Used when
// the connection drops: pending requests are never replayed.
func (t *pendingTable) rejectAll(code protocol.ErrorCode, message string) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for requestID, entry := range entries {
		entry.timer.Stop()
		entry.ch <- pendingResult{err: &HubError{
			Code:      code,
			Message:   fmt.Sprintf("%s (%s)", message, entry.toolName),
			RequestID: requestID,
		}}
	}
	return len(entries)
}

// size returns the number of in-flight requests.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
