// Package task defines the task graph the planner emits and the
// executor runs: atomic tasks with a priority and a state machine, a
// DAG enforcing acyclicity at insertion, and the Plan wrapper that
// carries strategy and confidence metadata.
package task

import (
	"errors"
	"fmt"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateSkipped   State = "SKIPPED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed once
// retries are exhausted. FAILED is terminal only when the task has no
// retry budget left; callers check that separately.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Priority orders dispatch and tie-breaking.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Rank maps priorities to a sortable integer, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

var (
	ErrDuplicateTask = errors.New("task: duplicate task id")
	ErrUnknownTask   = errors.New("task: unknown task id")
	ErrUnknownPrereq = errors.New("task: prerequisite references unknown task")
	ErrCycleDetected = errors.New("task: cycle detected")
	ErrBadTransition = errors.New("task: invalid state transition")
	ErrResultState   = errors.New("task: result only allowed on COMPLETED or FAILED")
)

// Result is a finished task's payload.
type Result struct {
	Output     any            `json:"output"`
	ToolStatus string         `json:"tool_status,omitempty"`
	Duration   time.Duration  `json:"duration_ns"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Task is an atomic unit of work. Action resolves to a tool name in the
// registry or a sub-plan marker. Postconditions are predicate
// expressions evaluated by the verifier against the result.
type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Action        string         `json:"action"`
	Args          map[string]any `json:"args,omitempty"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	Priority      Priority       `json:"priority"`
	State         State          `json:"state"`

	// ParallelSafe is the planner's hint derived from the tool's
	// side-effect class. Resource names an exclusive token for
	// non-commutative side effects; empty means none.
	ParallelSafe bool   `json:"parallel_safe,omitempty"`
	Resource     string `json:"resource,omitempty"`

	// Optional marks this task as an optional dependency: its failure
	// does not skip successors.
	Optional bool `json:"optional,omitempty"`

	// Approved grants an approval-required tool for this task. The
	// orchestrator sets it after plan validation.
	Approved bool `json:"approved,omitempty"`

	Postconditions []string `json:"postconditions,omitempty"`

	Result        *Result `json:"result,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
	AttemptCount  int     `json:"attempt_count"`
	MaxRetries    int     `json:"max_retries"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// New returns a PENDING task with the given id, action, and priority.
func New(id, name, action string, priority Priority, prereqs ...string) *Task {
	return &Task{
		ID:            id,
		Name:          name,
		Action:        action,
		Prerequisites: prereqs,
		Priority:      priority,
		State:         StatePending,
		CreatedAt:     time.Now().UTC(),
	}
}

var transitions = map[State]map[State]bool{
	StatePending: {StateReady: true, StateSkipped: true, StateCancelled: true},
	StateReady:   {StateRunning: true, StateSkipped: true, StateCancelled: true},
	StateRunning: {StateCompleted: true, StateFailed: true, StateCancelled: true},
	StateFailed:  {StateReady: true, StateSkipped: true},
	// Verification demotion.
	StateCompleted: {StateFailed: true},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// transition applies a state change, enforcing the result invariant.
func (t *Task) transition(to State, result *Result, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s → %s (task %s)", ErrBadTransition, t.State, to, t.ID)
	}
	switch to {
	case StateCompleted, StateFailed:
		if result == nil {
			return fmt.Errorf("%w: %s requires a result (task %s)", ErrResultState, to, t.ID)
		}
		t.Result = result
		end := now
		t.EndedAt = &end
		if to == StateFailed {
			t.FailureReason = result.Error
		}
	case StateRunning:
		start := now
		t.StartedAt = &start
		t.AttemptCount++
	case StateReady:
		if t.State == StateFailed {
			// Retry: clear the previous attempt's outcome.
			t.Result = nil
			t.FailureReason = ""
			t.EndedAt = nil
		}
	default:
		if result != nil {
			return fmt.Errorf("%w: %s (task %s)", ErrResultState, to, t.ID)
		}
	}
	t.State = to
	return nil
}

// Retryable reports whether a FAILED task still has retry budget.
func (t *Task) Retryable() bool {
	return t.State == StateFailed && t.AttemptCount <= t.MaxRetries
}
