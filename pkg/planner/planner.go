// Package planner turns a natural-language query into a Plan: a DAG of
// tasks with a strategy tag, a confidence score, and a cacheable
// fingerprint. Rule-based decomposition matches templates; model-based
// delegates to the configured LLM backend; hybrid runs rule-based first
// and escalates when confidence is low.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tillerlabs/tiller/pkg/canonicalize"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
)

var (
	ErrPlanningTimeout = errors.New("planner: planning timed out")
	ErrEmptyPlan       = errors.New("planner: no plan could be produced")
)

// ToolUnavailableError names a plan action missing from the registry.
type ToolUnavailableError struct {
	Name string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("planner: tool unavailable: %s", e.Name)
}

// SubPlanPrefix marks actions resolved as nested plans rather than
// registry tools.
const SubPlanPrefix = "@subplan:"

const modelConfidence = 0.85

// Config bounds planning.
type Config struct {
	Strategy              task.Strategy
	ConfidenceThreshold   float64
	MaxDecompositionDepth int
	MaxTasksPerPlan       int
	Timeout               time.Duration
	DefaultMaxRetries     int
}

// DefaultConfig returns the hybrid defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              task.StrategyHybrid,
		ConfidenceThreshold:   0.7,
		MaxDecompositionDepth: 5,
		MaxTasksPerPlan:       20,
		Timeout:               30 * time.Second,
		DefaultMaxRetries:     2,
	}
}

// PlanContext is optional request metadata.
type PlanContext struct {
	ConversationID string
	Role           string
	PriorTasks     []string
}

// Planner produces plans against a tool registry.
type Planner struct {
	registry  *tool.Registry
	client    Client
	templates []Template
	cache     Cache
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClient installs the model backend for model-based decomposition.
func WithClient(c Client) Option {
	return func(p *Planner) { p.client = c }
}

// WithTemplates replaces the rule library.
func WithTemplates(ts []Template) Option {
	return func(p *Planner) { p.templates = ts }
}

// WithCache installs the plan cache.
func WithCache(c Cache) Option {
	return func(p *Planner) { p.cache = c }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(p *Planner) { p.log = lg }
}

// New creates a Planner.
func New(registry *tool.Registry, cfg Config, opts ...Option) *Planner {
	if cfg.Strategy == "" {
		cfg.Strategy = task.StrategyHybrid
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Planner{
		registry:  registry,
		templates: DefaultTemplates(),
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RulePass runs the template matcher without building a graph. The
// orchestrator's classifier uses it to decide between a simple tool
// loop and full decomposition.
func (p *Planner) RulePass(query string) ([]TaskSpec, float64) {
	specs, confidence, _ := matchTemplates(p.templates, query)
	return specs, confidence
}

// Plan decomposes a query. Cache hits return the stored plan; callers
// re-run policy validation on every plan, cached or not.
func (p *Planner) Plan(ctx context.Context, query string, pctx PlanContext) (*task.Plan, error) {
	fp, err := p.Fingerprint(query)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if cached, ok := p.cache.Get(ctx, fp); ok {
			p.log.Debug("plan cache hit", "fingerprint", fp)
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	plan, err := p.decompose(ctx, query, pctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPlanningTimeout
		}
		return nil, err
	}
	plan.Fingerprint = fp

	if err := p.validate(plan); err != nil {
		return nil, err
	}
	p.attachHints(plan)

	if p.cache != nil {
		p.cache.Put(ctx, plan)
	}
	return plan, nil
}

func (p *Planner) decompose(ctx context.Context, query string, pctx PlanContext) (*task.Plan, error) {
	switch p.cfg.Strategy {
	case task.StrategyRuleBased:
		return p.ruleBased(query)
	case task.StrategyModelBased:
		plan, err := p.modelBased(ctx, query)
		if err != nil {
			p.log.Warn("model-based planning failed, falling back to rules", "error", err)
			return p.ruleBased(query)
		}
		return plan, nil
	case task.StrategyHybrid:
		return p.hybrid(ctx, query)
	default:
		return nil, fmt.Errorf("planner: unknown strategy %q", p.cfg.Strategy)
	}
}

func (p *Planner) ruleBased(query string) (*task.Plan, error) {
	specs, confidence, name := matchTemplates(p.templates, query)
	if specs == nil {
		return nil, ErrEmptyPlan
	}
	plan, err := p.assemble(query, task.StrategyRuleBased, specs)
	if err != nil {
		return nil, err
	}
	plan.Confidence = confidence
	plan.Reasoning = "matched template " + name
	return plan, nil
}

func (p *Planner) modelBased(ctx context.Context, query string) (*task.Plan, error) {
	if p.client == nil {
		return nil, fmt.Errorf("planner: no model backend configured")
	}
	content, err := p.client.Chat(ctx, buildPrompt(query, p.registry.Catalog()), &SamplingOptions{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("planner: model call: %w", err)
	}
	mp, err := parseModelPlan(content)
	if err != nil {
		return nil, err
	}

	specs := make([]TaskSpec, 0, len(mp.Tasks))
	for _, mt := range mp.Tasks {
		specs = append(specs, TaskSpec{
			ID:            mt.ID,
			Name:          mt.Name,
			Action:        mt.Action,
			Args:          mt.Args,
			Prerequisites: mt.Prerequisites,
			Priority:      parsePriority(mt.Priority),
		})
	}
	plan, err := p.assemble(query, task.StrategyModelBased, specs)
	if err != nil {
		return nil, err
	}
	plan.Confidence = modelConfidence
	plan.Reasoning = mp.Reasoning
	return plan, nil
}

// hybrid runs rule-based first and escalates to the model when the
// confidence is below threshold. On overlap the model plan subsumes the
// rule plan; rule-only tasks are appended. Final confidence is the max.
func (p *Planner) hybrid(ctx context.Context, query string) (*task.Plan, error) {
	rulePlan, ruleErr := p.ruleBased(query)
	if ruleErr == nil && rulePlan.Confidence >= p.cfg.ConfidenceThreshold {
		rulePlan.Strategy = task.StrategyHybrid
		return rulePlan, nil
	}
	if p.client == nil {
		if ruleErr != nil {
			return nil, ruleErr
		}
		rulePlan.Strategy = task.StrategyHybrid
		return rulePlan, nil
	}

	modelPlan, modelErr := p.modelBased(ctx, query)
	if modelErr != nil {
		if ruleErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmptyPlan, modelErr)
		}
		p.log.Warn("hybrid escalation failed, keeping rule plan", "error", modelErr)
		rulePlan.Strategy = task.StrategyHybrid
		return rulePlan, nil
	}

	merged := modelPlan
	if ruleErr == nil {
		merged = p.merge(modelPlan, rulePlan)
		if rulePlan.Confidence > merged.Confidence {
			merged.Confidence = rulePlan.Confidence
		}
	}
	merged.Strategy = task.StrategyHybrid
	return merged, nil
}

// merge appends rule tasks whose action the model plan does not cover.
func (p *Planner) merge(model, rules *task.Plan) *task.Plan {
	covered := map[string]bool{}
	for _, name := range model.ToolNames() {
		covered[name] = true
	}
	for _, t := range rules.Graph.Tasks() {
		if covered[t.Action] {
			continue
		}
		extra := task.New("rule-"+t.ID, t.Name, t.Action, t.Priority)
		extra.Args = t.Args
		extra.MaxRetries = p.cfg.DefaultMaxRetries
		if err := model.Graph.Add(extra); err != nil {
			p.log.Warn("merge skipped task", "id", t.ID, "error", err)
		}
	}
	return model
}

func (p *Planner) assemble(query string, strategy task.Strategy, specs []TaskSpec) (*task.Plan, error) {
	g := task.NewGraph(query, query)
	for _, spec := range specs {
		t := task.New(spec.ID, spec.Name, spec.Action, spec.Priority, spec.Prerequisites...)
		t.Args = spec.Args
		t.MaxRetries = p.cfg.DefaultMaxRetries
		if err := g.Add(t); err != nil {
			return nil, fmt.Errorf("planner: assemble: %w", err)
		}
	}
	return &task.Plan{
		ID:        "plan-" + uuid.New().String()[:8],
		Query:     query,
		Strategy:  strategy,
		CreatedAt: p.now().UTC(),
		Graph:     g,
	}, nil
}

func (p *Planner) validate(plan *task.Plan) error {
	if plan.Graph == nil || plan.Graph.Len() == 0 {
		return ErrEmptyPlan
	}
	if p.cfg.MaxTasksPerPlan > 0 && plan.Graph.Len() > p.cfg.MaxTasksPerPlan {
		return fmt.Errorf("planner: plan has %d tasks, maximum is %d", plan.Graph.Len(), p.cfg.MaxTasksPerPlan)
	}
	if p.cfg.MaxDecompositionDepth > 0 && plan.Graph.Depth() > p.cfg.MaxDecompositionDepth {
		return fmt.Errorf("planner: plan depth %d exceeds maximum %d", plan.Graph.Depth(), p.cfg.MaxDecompositionDepth)
	}
	for _, t := range plan.Graph.Tasks() {
		if strings.HasPrefix(t.Action, SubPlanPrefix) {
			continue
		}
		if !p.registry.Has(t.Action) {
			return &ToolUnavailableError{Name: t.Action}
		}
	}
	return nil
}

// attachHints marks tasks parallel-safe from their tool's side-effect
// class and assigns exclusive resource tokens to the rest.
func (p *Planner) attachHints(plan *task.Plan) {
	for _, t := range plan.Graph.Tasks() {
		if strings.HasPrefix(t.Action, SubPlanPrefix) {
			continue
		}
		desc, err := p.registry.Resolve(t.Action)
		if err != nil {
			continue
		}
		safe := desc.SideEffect.ParallelSafe()
		resource := ""
		if !safe {
			resource = desc.Name
			if path, ok := t.Args["path"].(string); ok && path != "" {
				resource = desc.Name + ":" + path
			}
		}
		plan.Graph.SetHints(t.ID, safe, resource)
	}
}

// Fingerprint hashes the normalized query, the registry's tool
// capabilities, and the configured strategy into a stable cache key.
func (p *Planner) Fingerprint(query string) (string, error) {
	tools := make([]string, 0)
	for _, d := range p.registry.List() {
		tools = append(tools, d.Ref()+":"+string(d.SideEffect))
	}
	sort.Strings(tools)
	return canonicalize.Hash(map[string]any{
		"query":    normalizeQuery(query),
		"tools":    tools,
		"strategy": string(p.cfg.Strategy),
	})
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(q))), " ")
}

func parsePriority(s string) task.Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(task.PriorityCritical):
		return task.PriorityCritical
	case string(task.PriorityHigh):
		return task.PriorityHigh
	case string(task.PriorityLow):
		return task.PriorityLow
	default:
		return task.PriorityNormal
	}
}
