package agent

import (
	"context"
	"errors"

	"github.com/tillerlabs/tiller/pkg/executor"
	"github.com/tillerlabs/tiller/pkg/planner"
	"github.com/tillerlabs/tiller/pkg/policy"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindValidationFailure   ErrorKind = "validation_failure"
	KindPolicyViolation     ErrorKind = "policy_violation"
	KindPlanningFailure     ErrorKind = "planning_failure"
	KindExecutionFailure    ErrorKind = "execution_failure"
	KindVerificationFailure ErrorKind = "verification_failure"
	KindTimeout             ErrorKind = "timeout"
	KindInternal            ErrorKind = "internal"
)

// ErrorObject is the structured error carried by a failed Response.
// Partial results from succeeded branches travel alongside it.
type ErrorObject struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	TaskID        *string   `json:"task_id,omitempty"`
	Retryable     bool      `json:"retryable"`
	CorrelationID string    `json:"correlation_id"`
}

// classifyError maps component errors onto the taxonomy. The zero
// TaskID stays nil unless the failure names a task.
func classifyError(err error, correlationID string) *ErrorObject {
	obj := &ErrorObject{
		Kind:          KindInternal,
		Message:       err.Error(),
		CorrelationID: correlationID,
	}

	var crit *executor.CriticalFailure
	var unavailable *planner.ToolUnavailableError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, planner.ErrPlanningTimeout):
		obj.Kind = KindTimeout
		obj.Retryable = true
	case errors.Is(err, context.Canceled):
		obj.Kind = KindTimeout
	case policy.IsViolation(err), errors.Is(err, policy.ErrApprovalRequired):
		obj.Kind = KindPolicyViolation
	case errors.As(err, &crit):
		obj.Kind = KindExecutionFailure
		obj.TaskID = &crit.TaskID
	case errors.Is(err, executor.ErrOverfanOut):
		obj.Kind = KindExecutionFailure
		obj.Retryable = true
	case errors.As(err, &unavailable), errors.Is(err, planner.ErrEmptyPlan):
		obj.Kind = KindPlanningFailure
	}
	return obj
}
