// Package executor runs a task graph under a sequential, parallel, or
// adaptive strategy. The parallel engine uses per-worker deques with
// work-stealing, a bounded ready queue with overfan-out protection,
// exclusive resource tokens for non-commutative side effects, and
// exponential-backoff retries for transient failures. Every state
// transition lands in the WORM journal and the metrics instruments.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// Strategy selects the scheduling mode.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyAdaptive   Strategy = "adaptive"
)

// ErrOverfanOut reports a plan whose ready frontier overflowed the
// bounded queue. Tasks are never dropped; the request fails instead.
var ErrOverfanOut = errors.New("executor: ready queue overflow")

// CriticalFailure is returned when a CRITICAL task fails terminally;
// the rest of the graph is cancelled.
type CriticalFailure struct {
	TaskID string
	Reason string
}

func (e *CriticalFailure) Error() string {
	return fmt.Sprintf("executor: critical task %s failed: %s", e.TaskID, e.Reason)
}

// Config bounds execution.
type Config struct {
	Strategy   Strategy
	MaxWorkers int
	QueueSize  int

	// Retry backoff for transient failures.
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffJitter float64
	BackoffCap    time.Duration

	// TaskTimeout overrides tool descriptor deadlines when positive.
	TaskTimeout time.Duration

	// GraphTimeout bounds one whole execution when positive.
	GraphTimeout time.Duration

	// DisableWorkStealing pins tasks to the deque they were dispatched
	// to. Stealing is on by default.
	DisableWorkStealing bool
}

// DefaultConfig returns the adaptive defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyAdaptive,
		MaxWorkers:    4,
		QueueSize:     64,
		BackoffBase:   100 * time.Millisecond,
		BackoffFactor: 2,
		BackoffJitter: 0.2,
		BackoffCap:    5 * time.Second,
	}
}

// Invoker is the tool-call surface the executor drives. Satisfied by
// *tool.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, opts tool.InvokeOptions) (tool.Result, error)
}

// Report summarizes one graph execution.
type Report struct {
	Stats    task.Stats    `json:"stats"`
	Strategy Strategy      `json:"strategy"`
	Duration time.Duration `json:"duration_ns"`

	// ParallelizationFactor is total task time over wall-clock time;
	// 1.0 means fully sequential.
	ParallelizationFactor float64 `json:"parallelization_factor"`
}

// Executor schedules task graphs.
type Executor struct {
	invoker Invoker
	journal *worm.Log
	cfg     Config
	log     *slog.Logger
	metrics *instruments
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithJournal routes task lifecycle events into the WORM log.
func WithJournal(j *worm.Log) Option {
	return func(e *Executor) { e.journal = j }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Executor) { e.log = lg }
}

// New creates an Executor over the given invoker.
func New(invoker Invoker, cfg Config, opts ...Option) *Executor {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	e := &Executor{
		invoker: invoker,
		cfg:     cfg,
		log:     slog.Default(),
		metrics: newInstruments(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan's graph to completion under the configured
// strategy and returns the report. Policy-level failures surface as
// task states; ErrOverfanOut and CriticalFailure are returned as
// errors alongside the report.
func (e *Executor) Execute(ctx context.Context, plan *task.Plan) (*Report, error) {
	if e.cfg.GraphTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.GraphTimeout)
		defer cancel()
	}
	start := time.Now()
	strategy := e.pick(plan.Graph)

	var (
		busy time.Duration
		err  error
	)
	switch strategy {
	case StrategySequential:
		busy, err = e.runSequential(ctx, plan.Graph)
	default:
		busy, err = e.runParallel(ctx, plan.Graph)
	}

	wall := time.Since(start)
	report := &Report{
		Stats:    plan.Graph.Stats(),
		Strategy: strategy,
		Duration: wall,
	}
	if wall > 0 {
		report.ParallelizationFactor = float64(busy) / float64(wall)
	}
	e.metrics.recordRun(ctx, report)
	return report, err
}

// pick resolves the adaptive strategy: sequential for tiny graphs and
// for graphs where CRITICAL work touches shared state.
func (e *Executor) pick(g *task.Graph) Strategy {
	if e.cfg.Strategy != StrategyAdaptive {
		return e.cfg.Strategy
	}
	if g.Len() <= 2 {
		return StrategySequential
	}
	for _, t := range g.Tasks() {
		if t.Priority == task.PriorityCritical && !t.ParallelSafe {
			return StrategySequential
		}
	}
	return StrategyParallel
}

func (e *Executor) runSequential(ctx context.Context, g *task.Graph) (time.Duration, error) {
	var busy time.Duration
	tokens := newTokenSet()
	for {
		if err := ctx.Err(); err != nil {
			e.cancelGraph(g, "context cancelled")
			return busy, err
		}
		ready := g.ReadyTasks()
		if len(ready) == 0 {
			if g.Done() {
				return busy, nil
			}
			// FAILED tasks awaiting retry: back off synchronously.
			retried, err := e.retrySequential(ctx, g)
			if err != nil {
				return busy, err
			}
			if !retried {
				return busy, nil
			}
			continue
		}

		t := ready[0]
		d, failure := e.runOne(ctx, g, t, tokens)
		busy += d
		if failure != nil {
			return busy, failure
		}
	}
}

func (e *Executor) retrySequential(ctx context.Context, g *task.Graph) (bool, error) {
	for _, t := range g.Tasks() {
		if t.State == task.StateFailed && t.Retryable() {
			select {
			case <-ctx.Done():
				e.cancelGraph(g, "context cancelled")
				return false, ctx.Err()
			case <-time.After(e.backoff(t.AttemptCount)):
			}
			if err := g.Mark(t.ID, task.StateReady, nil); err != nil {
				return false, err
			}
			e.emit("task.state_changed", t.ID, string(task.StateReady), "retry")
			return true, nil
		}
	}
	return false, nil
}

// runOne executes a single task through the invoker, applying the
// resource token and classifying the outcome. The returned error is
// non-nil only for critical terminal failures.
func (e *Executor) runOne(ctx context.Context, g *task.Graph, t task.Task, tokens *tokenSet) (time.Duration, error) {
	if err := g.Mark(t.ID, task.StateRunning, nil); err != nil {
		e.log.Warn("dispatch race", "task", t.ID, "error", err)
		return 0, nil
	}
	e.emit("task.state_changed", t.ID, string(task.StateRunning), "")

	if t.Resource != "" {
		unlock := tokens.acquire(t.Resource)
		defer unlock()
	}

	start := time.Now()
	res, err := e.invoke(ctx, t)
	elapsed := time.Since(start)

	if res.Status == tool.StatusSuccess {
		result := &task.Result{
			Output:     res.Output,
			ToolStatus: string(res.Status),
			Duration:   elapsed,
		}
		if err := g.Mark(t.ID, task.StateCompleted, result); err != nil {
			e.log.Warn("completion race", "task", t.ID, "error", err)
			return elapsed, nil
		}
		e.emit("task.state_changed", t.ID, string(task.StateCompleted), "")
		e.metrics.taskCompleted(ctx)
		return elapsed, nil
	}

	result := &task.Result{
		Output:     res.Output,
		ToolStatus: string(res.Status),
		Duration:   elapsed,
		Error:      res.Error,
	}
	if err != nil {
		result.ToolStatus = string(tool.StatusError)
		result.Error = err.Error()
	}
	if markErr := g.Mark(t.ID, task.StateFailed, result); markErr != nil {
		e.log.Warn("failure race", "task", t.ID, "error", markErr)
		return elapsed, nil
	}
	e.emit("task.state_changed", t.ID, string(task.StateFailed), result.Error)
	if res.Status == tool.StatusTimeout {
		e.emit("task.timeout", t.ID, string(task.StateFailed), result.Error)
	}
	e.metrics.taskFailed(ctx)

	retryable := err == nil && tool.Status(result.ToolStatus).Retryable()
	updated, getErr := g.Get(t.ID)
	if getErr == nil && retryable && updated.Retryable() {
		// Retry budget remains: the caller reschedules.
		return elapsed, nil
	}
	return elapsed, e.terminalFailure(g, t, result.Error)
}

// terminalFailure applies the propagation policy once retries are
// exhausted: CRITICAL failures cancel the graph, others skip their
// dependents.
func (e *Executor) terminalFailure(g *task.Graph, t task.Task, reason string) error {
	if t.Priority == task.PriorityCritical {
		e.cancelGraph(g, "critical task "+t.ID+" failed")
		return &CriticalFailure{TaskID: t.ID, Reason: reason}
	}
	for _, id := range g.SkipDependents(t.ID) {
		e.emit("task.state_changed", id, string(task.StateSkipped), "prerequisite "+t.ID+" failed")
	}
	return nil
}

func (e *Executor) cancelGraph(g *task.Graph, reason string) {
	for _, id := range g.Cancel() {
		e.emit("task.state_changed", id, string(task.StateCancelled), reason)
	}
}

func (e *Executor) invoke(ctx context.Context, t task.Task) (tool.Result, error) {
	if strings.HasPrefix(t.Action, "@") {
		return tool.Result{}, fmt.Errorf("executor: unresolved sub-plan action %s", t.Action)
	}
	return e.invoker.Invoke(ctx, t.Action, t.Args, tool.InvokeOptions{
		TaskID:   t.ID,
		Timeout:  e.cfg.TaskTimeout,
		Approved: t.Approved,
	})
}

// backoff computes the delay before retry attempt n (1-based), with
// exponential growth, a cap, and symmetric jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := float64(e.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= e.cfg.BackoffFactor
	}
	if capped := float64(e.cfg.BackoffCap); d > capped {
		d = capped
	}
	if j := e.cfg.BackoffJitter; j > 0 {
		e.rngMu.Lock()
		d *= 1 + j*(2*e.rng.Float64()-1)
		e.rngMu.Unlock()
	}
	return time.Duration(d)
}

func (e *Executor) emit(kind, taskID, state, reason string) {
	if e.journal == nil {
		return
	}
	payload := map[string]any{"task_id": taskID, "state": state}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := e.journal.Append(kind, payload); err != nil {
		e.log.Warn("executor journal append failed", "task", taskID, "error", err)
	}
}

// tokenSet serializes tasks sharing an exclusive resource name.
type tokenSet struct {
	mu     sync.Mutex
	tokens map[string]*sync.Mutex
}

func newTokenSet() *tokenSet {
	return &tokenSet{tokens: make(map[string]*sync.Mutex)}
}

func (s *tokenSet) acquire(resource string) (release func()) {
	s.mu.Lock()
	tok, ok := s.tokens[resource]
	if !ok {
		tok = &sync.Mutex{}
		s.tokens[resource] = tok
	}
	s.mu.Unlock()
	tok.Lock()
	return tok.Unlock
}
