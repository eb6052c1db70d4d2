// Package operation tracks long-running browser work decoupled from the
// client connection that initiated it.
package operation

import (
	"encoding/json"

	"github.com/teranos/tabhub/protocol"
)

// Status represents the current state of an operation
type Status string

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal states are sticky.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Milestone names that drive terminal transitions. Any other name is an
// ordinary progress milestone.
const (
	MilestoneCompleted = "completed"
	MilestoneError     = "error"
	MilestoneCancelled = "cancelled"
)

// Milestone is one ordered event within an operation.
type Milestone struct {
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OpError is the terminal error record of a failed operation.
type OpError struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message,omitempty"`
}

// Operation is a long-lived record keyed by operation id. Mutated only by
// milestone arrivals; owned by the Manager.
type Operation struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Owner       string          `json:"owner"` // requester client id
	CreatedAt   int64           `json:"created_at"`
	LastUpdated int64           `json:"last_updated"`
	Status      Status          `json:"status"`
	Milestones  []Milestone     `json:"milestones,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *OpError        `json:"error,omitempty"`
}

// apply appends a milestone and advances the state machine.
// Callers must hold the Manager lock and must have rejected terminal
// operations already.
func (o *Operation) apply(name string, data json.RawMessage, now int64) {
	o.Milestones = append(o.Milestones, Milestone{Name: name, Timestamp: now, Data: data})
	o.LastUpdated = now

	switch name {
	case MilestoneCompleted:
		o.Status = StatusCompleted
		o.Result = data
	case MilestoneError:
		o.Status = StatusError
		opErr := &OpError{}
		if len(data) > 0 {
			// Best-effort decode; a malformed error payload still terminates
			// the operation, just without structured detail.
			_ = json.Unmarshal(data, opErr)
		}
		o.Error = opErr
	case MilestoneCancelled:
		o.Status = StatusCancelled
	default:
		o.Status = StatusProgress
	}
}

// snapshot returns a copy safe to hand to callers after the lock is released.
func (o *Operation) snapshot() *Operation {
	cp := *o
	cp.Milestones = make([]Milestone, len(o.Milestones))
	copy(cp.Milestones, o.Milestones)
	if o.Error != nil {
		errCopy := *o.Error
		cp.Error = &errCopy
	}
	return &cp
}
