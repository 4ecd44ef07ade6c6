// Package policy implements the compliance guardian: structured
// validation of queries, plans, and execution results against a
// declarative rule set, with optional CEL expression rules. Every
// validation emits a redacted journal event. In permissive mode the
// guardian reports but never blocks; in strict mode any error becomes a
// Violation distinguishable from infrastructure errors.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tillerlabs/tiller/pkg/redact"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// ErrApprovalRequired gates tools listed in ApprovalRequiredTools.
var ErrApprovalRequired = errors.New("policy: approval required")

// Violation is a policy failure. It is a distinct type so callers can
// separate policy outcomes from infrastructure errors with errors.As.
type Violation struct {
	Stage  string
	Errors []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation at %s: %s", v.Stage, strings.Join(v.Errors, "; "))
}

// IsViolation reports whether err wraps a policy violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// RuleSet is the declarative policy configuration.
type RuleSet struct {
	MaxQueryLength        int      `yaml:"max_query_length"`
	ForbiddenPatterns     []string `yaml:"forbidden_patterns"`
	PIIPatterns           []string `yaml:"pii_patterns"`
	ForbiddenTools        []string `yaml:"forbidden_tools"`
	ApprovalRequiredTools []string `yaml:"approval_required_tools"`
	MaxPlanDepth          int      `yaml:"max_plan_depth"`
	MaxToolCount          int      `yaml:"max_tool_count"`
	StrictMode            bool     `yaml:"strict_mode"`
	ActiveFrameworks      []string `yaml:"active_frameworks"`

	// QueryRules and AuditRules are CEL boolean expressions. Query rules
	// see {query, length, actor}; audit rules see {result, failed,
	// completed}. A rule returning false is a policy error.
	QueryRules []string `yaml:"query_rules"`
	AuditRules []string `yaml:"audit_rules"`
}

// DefaultRuleSet returns a permissive baseline with the standard
// forbidden patterns.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		MaxQueryLength: 10_000,
		ForbiddenPatterns: []string{
			`(?i)\bpassword\s*(is|=|:)\s*\S+`,
			`(?i)\bapi[_-]?key\s*(is|=|:)\s*\S+`,
			`(?i)\bsecret\s*(is|=|:)\s*\S+`,
		},
		MaxPlanDepth: 5,
		MaxToolCount: 20,
	}
}

// Result is a structured validation outcome. GatedTools lists
// approval-required tools found in a plan.
type Result struct {
	Valid      bool     `json:"valid"`
	Warnings   []string `json:"warnings"`
	Errors     []string `json:"errors"`
	GatedTools []string `json:"gated_tools,omitempty"`
}

// QueryContext carries request metadata into validation.
type QueryContext struct {
	ConversationID string
	Actor          *Actor
}

// Guardian validates queries, plans, and execution outcomes.
type Guardian struct {
	rules     RuleSet
	forbidden []*regexp.Regexp
	pii       []*regexp.Regexp
	redactor  *redact.Redactor
	journal   *worm.Log
	log       *slog.Logger

	celEnv   *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithJournal routes validation events into the WORM log.
func WithJournal(j *worm.Log) Option {
	return func(g *Guardian) { g.journal = j }
}

// WithRedactor overrides the redactor used on journaled payloads.
func WithRedactor(r *redact.Redactor) Option {
	return func(g *Guardian) { g.redactor = r }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(g *Guardian) { g.log = lg }
}

// NewGuardian compiles the rule set. Malformed regexes and CEL
// expressions fail construction rather than validation.
func NewGuardian(rules RuleSet, opts ...Option) (*Guardian, error) {
	if rules.MaxQueryLength <= 0 {
		rules.MaxQueryLength = 10_000
	}
	g := &Guardian{
		rules:    rules,
		redactor: redact.NewDefault(),
		log:      slog.Default(),
		prgCache: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, p := range rules.ForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: forbidden pattern %q: %w", p, err)
		}
		g.forbidden = append(g.forbidden, re)
	}
	for _, p := range rules.PIIPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: pii pattern %q: %w", p, err)
		}
		g.pii = append(g.pii, re)
	}

	if len(rules.QueryRules)+len(rules.AuditRules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("query", cel.StringType),
			cel.Variable("length", cel.IntType),
			cel.Variable("actor", cel.StringType),
			cel.Variable("result", cel.DynType),
			cel.Variable("failed", cel.IntType),
			cel.Variable("completed", cel.IntType),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: cel env: %w", err)
		}
		g.celEnv = env
		for _, expr := range append(append([]string{}, rules.QueryRules...), rules.AuditRules...) {
			if _, err := g.program(expr); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Rules returns the active rule set.
func (g *Guardian) Rules() RuleSet { return g.rules }

// ValidateQuery checks an incoming query: length bound, forbidden
// patterns, PII scan, and CEL query rules. PII findings are warnings;
// the rest are errors. In strict mode errors also return a Violation.
func (g *Guardian) ValidateQuery(ctx context.Context, text string, qctx QueryContext) (*Result, error) {
	res := newResult()

	if len(text) > g.rules.MaxQueryLength {
		res.fail(fmt.Sprintf("query exceeds maximum length (%d > %d)", len(text), g.rules.MaxQueryLength))
	}
	for _, re := range g.forbidden {
		if re.MatchString(text) {
			res.fail(fmt.Sprintf("forbidden pattern matched: %s", re.String()))
		}
	}
	for _, re := range g.pii {
		if re.MatchString(text) {
			res.warn(fmt.Sprintf("pii pattern matched: %s", re.String()))
		}
	}
	if g.redactor.Redact(text) != text {
		res.warn("query contains redactable pii")
	}

	actor := ""
	if qctx.Actor != nil {
		actor = qctx.Actor.Role
	}
	for _, expr := range g.rules.QueryRules {
		ok, err := g.eval(ctx, expr, map[string]any{
			"query":     text,
			"length":    len(text),
			"actor":     actor,
			"result":    map[string]any{},
			"failed":    0,
			"completed": 0,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			res.fail(fmt.Sprintf("query rule violated: %s", expr))
		}
	}

	g.emit("policy.query_validated", map[string]any{
		"conversation_id": qctx.ConversationID,
		"query":           g.redactor.Redact(text),
		"valid":           res.Valid,
		"errors":          res.Errors,
		"warnings":        res.Warnings,
	})
	return res, g.outcome("validate_query", res)
}

// ValidatePlan checks structure limits, forbidden tools, and marks
// approval-required tools for gated execution.
func (g *Guardian) ValidatePlan(ctx context.Context, plan *task.Plan) (*Result, error) {
	res := newResult()

	if plan == nil || plan.Graph == nil || plan.Graph.Len() == 0 {
		res.fail("plan is empty")
		return res, g.outcome("validate_plan", res)
	}

	if g.rules.MaxPlanDepth > 0 {
		if d := plan.Graph.Depth(); d > g.rules.MaxPlanDepth {
			res.fail(fmt.Sprintf("plan depth %d exceeds maximum %d", d, g.rules.MaxPlanDepth))
		}
	}
	tools := plan.ToolNames()
	if g.rules.MaxToolCount > 0 && len(tools) > g.rules.MaxToolCount {
		res.fail(fmt.Sprintf("plan uses %d tools, maximum is %d", len(tools), g.rules.MaxToolCount))
	}
	for _, name := range tools {
		if contains(g.rules.ForbiddenTools, name) {
			res.fail(fmt.Sprintf("forbidden tool: %s", name))
		}
		if contains(g.rules.ApprovalRequiredTools, name) {
			res.GatedTools = append(res.GatedTools, name)
			res.warn(fmt.Sprintf("tool requires approval: %s", name))
		}
	}

	// A clean plan leaves its trace via the plan.created event; only
	// findings earn their own entry.
	if !res.Valid || len(res.Warnings) > 0 {
		g.emit("policy.plan_validated", map[string]any{
			"plan_id":     plan.ID,
			"fingerprint": plan.Fingerprint,
			"tools":       tools,
			"valid":       res.Valid,
			"errors":      res.Errors,
			"gated_tools": res.GatedTools,
		})
	}
	return res, g.outcome("validate_plan", res)
}

// ExecutionSummary is the post-execution view the guardian audits.
type ExecutionSummary struct {
	ConversationID string
	Stats          task.Stats
	Output         string
}

// AuditExecution runs post-execution assertions: the final output must
// not leak forbidden content, and configured audit rules must hold.
func (g *Guardian) AuditExecution(ctx context.Context, sum ExecutionSummary) (*Result, error) {
	res := newResult()

	for _, re := range g.forbidden {
		if re.MatchString(sum.Output) {
			res.fail(fmt.Sprintf("output matches forbidden pattern: %s", re.String()))
		}
	}
	for _, expr := range g.rules.AuditRules {
		ok, err := g.eval(ctx, expr, map[string]any{
			"query":  "",
			"length": 0,
			"actor":  "",
			"result": map[string]any{
				"total":     sum.Stats.Total,
				"completed": sum.Stats.Completed,
				"failed":    sum.Stats.Failed,
			},
			"failed":    sum.Stats.Failed,
			"completed": sum.Stats.Completed,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			res.fail(fmt.Sprintf("audit rule violated: %s", expr))
		}
	}

	g.emit("policy.execution_audited", map[string]any{
		"conversation_id": sum.ConversationID,
		"output":          g.redactor.Redact(sum.Output),
		"stats":           sum.Stats,
		"valid":           res.Valid,
		"errors":          res.Errors,
	})
	return res, g.outcome("audit_execution", res)
}

// CheckTool gates a single tool invocation. Forbidden tools return a
// Violation regardless of mode; approval-required tools return
// ErrApprovalRequired unless approved.
func (g *Guardian) CheckTool(name string, approved bool) error {
	if contains(g.rules.ForbiddenTools, name) {
		return &Violation{Stage: "tool_call", Errors: []string{"forbidden tool: " + name}}
	}
	if contains(g.rules.ApprovalRequiredTools, name) && !approved {
		return fmt.Errorf("%w: %s", ErrApprovalRequired, name)
	}
	return nil
}

// Frameworks returns the declared compliance frameworks.
func (g *Guardian) Frameworks() []string {
	return append([]string(nil), g.rules.ActiveFrameworks...)
}

func (g *Guardian) outcome(stage string, res *Result) error {
	if g.rules.StrictMode && !res.Valid {
		return &Violation{Stage: stage, Errors: res.Errors}
	}
	return nil
}

func (g *Guardian) emit(kind string, payload map[string]any) {
	if g.journal == nil {
		return
	}
	if _, err := g.journal.Append(kind, payload); err != nil {
		g.log.Warn("policy journal append failed", "kind", kind, "error", err)
	}
}

func (g *Guardian) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: rule %q: %w", expr, issues.Err())
	}
	prg, err := g.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: rule %q: %w", expr, err)
	}
	g.prgCache[expr] = prg
	return prg, nil
}

func (g *Guardian) eval(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("policy: rule %q eval: %w", expr, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("policy: rule %q did not return a bool", expr)
	}
	return ok, nil
}

func newResult() *Result {
	return &Result{Valid: true, Warnings: []string{}, Errors: []string{}}
}

func (r *Result) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
