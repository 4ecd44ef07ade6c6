// Package verify checks completed tasks against their declared
// postconditions. Three levels: basic confirms completion and a
// non-empty result; strict adds postcondition predicates; paranoid
// additionally cross-checks a sample of tasks with an independent
// re-computation. Failed verifications demote tasks to FAILED.
package verify

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// Level selects verification depth.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelStrict   Level = "strict"
	LevelParanoid Level = "paranoid"
)

// Check is one assertion's outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Record is one task's verification outcome.
type Record struct {
	TaskID string  `json:"task_id"`
	Level  Level   `json:"level"`
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

// Summary aggregates a graph's verification. Coverage is the fraction
// of tasks that were verified.
type Summary struct {
	Passed   bool     `json:"passed"`
	Failed   []string `json:"failed"`
	Coverage float64  `json:"coverage"`
}

// RecheckFunc independently recomputes a task's output for paranoid
// cross-checking.
type RecheckFunc func(ctx context.Context, t task.Task) (any, error)

// Verifier evaluates completed tasks.
type Verifier struct {
	level      Level
	registry   *tool.Registry
	journal    *worm.Log
	recheck    RecheckFunc
	sampleRate float64
	log        *slog.Logger

	env *cel.Env
	mu  sync.Mutex
	prg map[string]cel.Program
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRegistry lets the verifier pick up tool-declared postconditions.
func WithRegistry(r *tool.Registry) Option {
	return func(v *Verifier) { v.registry = r }
}

// WithJournal routes verification events into the WORM log.
func WithJournal(j *worm.Log) Option {
	return func(v *Verifier) { v.journal = j }
}

// WithRecheck installs the paranoid cross-check function.
func WithRecheck(fn RecheckFunc) Option {
	return func(v *Verifier) { v.recheck = fn }
}

// WithSampleRate bounds the paranoid sample in (0, 1].
func WithSampleRate(rate float64) Option {
	return func(v *Verifier) { v.sampleRate = rate }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(v *Verifier) { v.log = lg }
}

// New creates a Verifier at the given level.
func New(level Level, opts ...Option) (*Verifier, error) {
	if level == "" {
		level = LevelStrict
	}
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("status", cel.StringType),
		cel.Variable("duration_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("verify: cel env: %w", err)
	}
	v := &Verifier{
		level:      level,
		sampleRate: 0.25,
		log:        slog.Default(),
		env:        env,
		prg:        make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks every COMPLETED task in the graph, demoting failures
// to FAILED, and returns the per-task records and the aggregate. Tasks
// already FAILED at execution time are carried into the aggregate's
// failed list without being re-checked.
func (v *Verifier) Verify(ctx context.Context, g *task.Graph) (*Summary, []Record, error) {
	tasks := g.Tasks()
	summary := &Summary{Passed: true, Failed: []string{}}
	var records []Record

	for _, t := range tasks {
		if t.State == task.StateFailed {
			summary.Passed = false
			summary.Failed = append(summary.Failed, t.ID)
			continue
		}
		if t.State != task.StateCompleted {
			continue
		}
		rec, err := v.verifyTask(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)

		if !rec.Passed {
			summary.Passed = false
			summary.Failed = append(summary.Failed, t.ID)
			if err := g.Demote(t.ID, failureDetail(rec)); err != nil {
				v.log.Warn("demotion failed", "task", t.ID, "error", err)
			}
		}
	}
	if len(tasks) > 0 {
		summary.Coverage = float64(len(records)) / float64(len(tasks))
	}

	v.emit(summary)
	return summary, records, nil
}

func (v *Verifier) verifyTask(ctx context.Context, t task.Task) (Record, error) {
	rec := Record{TaskID: t.ID, Level: v.level, Passed: true}

	add := func(c Check) {
		rec.Checks = append(rec.Checks, c)
		if !c.Passed {
			rec.Passed = false
		}
	}

	add(v.checkBasic(t))

	if v.level == LevelStrict || v.level == LevelParanoid {
		for _, expr := range v.postconditions(t) {
			c, err := v.checkPostcondition(ctx, t, expr)
			if err != nil {
				return Record{}, err
			}
			add(c)
		}
	}

	if v.level == LevelParanoid && v.recheck != nil && v.sampled(t.ID) {
		add(v.checkIndependent(ctx, t))
	}
	return rec, nil
}

func (v *Verifier) checkBasic(t task.Task) Check {
	c := Check{Name: "completed_with_result", Passed: true}
	if t.Result == nil || t.Result.Output == nil {
		c.Passed = false
		c.Detail = "result is empty"
		return c
	}
	if s, ok := t.Result.Output.(string); ok && s == "" {
		c.Passed = false
		c.Detail = "result is empty"
	}
	return c
}

// postconditions merges task-level predicates with the tool
// descriptor's declarations.
func (v *Verifier) postconditions(t task.Task) []string {
	exprs := append([]string(nil), t.Postconditions...)
	if v.registry != nil {
		if desc, err := v.registry.Resolve(t.Action); err == nil {
			exprs = append(exprs, desc.Postconditions...)
		}
	}
	return exprs
}

func (v *Verifier) checkPostcondition(ctx context.Context, t task.Task, expr string) (Check, error) {
	c := Check{Name: "postcondition: " + expr}
	prg, err := v.program(expr)
	if err != nil {
		return Check{}, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"output":      t.Result.Output,
		"status":      t.Result.ToolStatus,
		"duration_ms": t.Result.Duration.Milliseconds(),
	})
	if err != nil {
		c.Detail = "evaluation error: " + err.Error()
		return c, nil
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		c.Detail = "postcondition did not return a bool"
		return c, nil
	}
	c.Passed = ok
	if !ok {
		c.Detail = "predicate is false"
	}
	return c, nil
}

// checkIndependent re-computes the output and compares content hashes.
func (v *Verifier) checkIndependent(ctx context.Context, t task.Task) Check {
	c := Check{Name: "independent_recheck"}
	fresh, err := v.recheck(ctx, t)
	if err != nil {
		c.Detail = "recheck error: " + err.Error()
		return c
	}
	want, err1 := canonicalize.Hash(t.Result.Output)
	got, err2 := canonicalize.Hash(fresh)
	if err1 != nil || err2 != nil {
		c.Detail = "recheck hash failed"
		return c
	}
	c.Passed = want == got
	if !c.Passed {
		c.Detail = fmt.Sprintf("recheck mismatch: %s != %s", got, want)
	}
	return c
}

// sampled deterministically selects tasks for paranoid re-checking by
// hashing the id, so repeated runs verify the same subset.
func (v *Verifier) sampled(id string) bool {
	if v.sampleRate >= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()%1000)/1000 < v.sampleRate
}

func (v *Verifier) program(expr string) (cel.Program, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok := v.prg[expr]; ok {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("verify: postcondition %q: %w", expr, issues.Err())
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("verify: postcondition %q: %w", expr, err)
	}
	v.prg[expr] = prg
	return prg, nil
}

func (v *Verifier) emit(s *Summary) {
	if v.journal == nil {
		return
	}
	if _, err := v.journal.Append("verification.completed", map[string]any{
		"passed":    s.Passed,
		"failed":    s.Failed,
		"coverage":  s.Coverage,
		"level":     string(v.level),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		v.log.Warn("verification journal append failed", "error", err)
	}
}

func failureDetail(rec Record) string {
	for _, c := range rec.Checks {
		if !c.Passed {
			return "verification failed: " + c.Name
		}
	}
	return "verification failed"
}
