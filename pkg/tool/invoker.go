package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/tillerlabs/tiller/pkg/redact"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// Status classifies an invocation outcome.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusError            Status = "ERROR"
	StatusBlocked          Status = "BLOCKED"
	StatusTimeout          Status = "TIMEOUT"
	StatusValidationFailed Status = "VALIDATION_FAILED"
)

// Retryable reports whether a failed invocation is worth retrying.
// Policy and validation failures are not.
func (s Status) Retryable() bool {
	return s == StatusTimeout || s == StatusError
}

// Result is the structured outcome of one invocation. Policy and
// validation failures land here, not in the error return.
type Result struct {
	Status   Status        `json:"status"`
	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Gate is the policy hook consulted before execution. A nil error
// admits the call; a policy error blocks it.
type Gate interface {
	CheckTool(name string, approved bool) error
}

// Invoker executes registered tools under the invocation contract:
// resolve, validate arguments, consult policy, execute with timeout,
// redact, journal.
type Invoker struct {
	registry *Registry
	gate     Gate
	redactor *redact.Redactor
	journal  *worm.Log
	log      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithGate installs the policy gate.
func WithGate(g Gate) InvokerOption {
	return func(i *Invoker) { i.gate = g }
}

// WithJournal routes tool.executed events into the WORM log.
func WithJournal(j *worm.Log) InvokerOption {
	return func(i *Invoker) { i.journal = j }
}

// WithRedactor overrides the output redactor.
func WithRedactor(r *redact.Redactor) InvokerOption {
	return func(i *Invoker) { i.redactor = r }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.log = lg }
}

// NewInvoker wraps a registry.
func NewInvoker(registry *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry: registry,
		redactor: redact.NewDefault(),
		log:      slog.Default(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// InvokeOptions carries per-call context.
type InvokeOptions struct {
	// Approved satisfies an approval-required gate for this call.
	Approved bool
	// Timeout overrides the descriptor deadline when positive; zero
	// leaves the descriptor deadline in effect.
	Timeout time.Duration
	// TaskID tags the journal event.
	TaskID string
}

// Invoke runs one tool call. Unknown tools are the only contract
// failure returned as an error; everything else is a structured Result.
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any, opts InvokeOptions) (Result, error) {
	e, err := i.registry.resolve(name, "")
	if err != nil {
		return Result{}, err
	}
	desc := e.desc

	start := time.Now()
	res := i.invoke(ctx, e, args, opts)
	res.Duration = time.Since(start)

	i.emit(desc, res, opts.TaskID)
	return res, nil
}

func (i *Invoker) invoke(ctx context.Context, e *entry, args map[string]any, opts InvokeOptions) Result {
	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return Result{Status: StatusValidationFailed, Error: err.Error()}
		}
	}

	if i.gate != nil {
		if err := i.gate.CheckTool(e.desc.Name, opts.Approved); err != nil {
			return Result{Status: StatusBlocked, Error: err.Error()}
		}
	}
	if lim := i.limiter(e.desc); lim != nil && !lim.Allow() {
		return Result{Status: StatusBlocked, Error: "rate limit exceeded"}
	}

	// A zero deadline means no time budget: the call times out before
	// it starts.
	timeout := e.desc.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout <= 0 {
		return Result{Status: StatusTimeout, Error: fmt.Sprintf("tool %s has a zero deadline", e.desc.Name)}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := e.fn(callCtx, args)
		done <- outcome{out, err}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{Status: StatusTimeout, Error: fmt.Sprintf("tool %s exceeded %s", e.desc.Name, timeout)}
		}
		return Result{Status: StatusError, Error: callCtx.Err().Error()}
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return Result{Status: StatusTimeout, Error: o.err.Error()}
			}
			return Result{Status: StatusError, Error: o.err.Error()}
		}
		return Result{Status: StatusSuccess, Output: i.redactor.RedactValue(o.output)}
	}
}

func (i *Invoker) limiter(desc Descriptor) *rate.Limiter {
	if desc.RatePerSec <= 0 {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	lim, ok := i.limiters[desc.Ref()]
	if !ok {
		burst := desc.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(desc.RatePerSec), burst)
		i.limiters[desc.Ref()] = lim
	}
	return lim
}

func (i *Invoker) emit(desc Descriptor, res Result, taskID string) {
	if i.journal == nil {
		return
	}
	payload := map[string]any{
		"tool":        desc.Name,
		"version":     desc.Version,
		"side_effect": string(desc.SideEffect),
		"status":      string(res.Status),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	if res.Error != "" {
		payload["error"] = i.redactor.Redact(res.Error)
	}
	if _, err := i.journal.Append("tool.executed", payload); err != nil {
		i.log.Warn("tool journal append failed", "tool", desc.Name, "error", err)
	}
}

// validateArgs round-trips args through JSON so the schema sees the
// same value shapes encoding/json produces.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments not serializable: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("argument validation: %w", err)
	}
	return nil
}
