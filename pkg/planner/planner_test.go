package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
)

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }
	for _, d := range []tool.Descriptor{
		{Name: "file_read", Version: "1.0.0", SideEffect: tool.ClassRead},
		{Name: "http_get", Version: "1.0.0", SideEffect: tool.ClassNetwork},
		{Name: "transform", Version: "1.0.0", SideEffect: tool.ClassPure},
		{Name: "file_write", Version: "1.0.0", SideEffect: tool.ClassWrite},
	} {
		require.NoError(t, r.Register(d, noop))
	}
	return r
}

type scriptedClient struct {
	response string
	err      error
	calls    int
}

func (c *scriptedClient) Chat(ctx context.Context, messages []Message, opts *SamplingOptions) (string, error) {
	c.calls++
	return c.response, c.err
}

func TestPlan_RuleBased(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyRuleBased
	p := New(testRegistry(t), cfg)

	plan, err := p.Plan(context.Background(), "please analyze sales.csv for me", PlanContext{})
	require.NoError(t, err)

	assert.Equal(t, task.StrategyRuleBased, plan.Strategy)
	assert.InDelta(t, 0.85, plan.Confidence, 0.001)
	assert.NotEmpty(t, plan.Fingerprint)
	assert.Equal(t, []string{"file_read", "transform"}, plan.ToolNames())

	// read gates summarize
	assert.Equal(t, []string{"read"}, plan.Graph.Predecessors("summarize"))
}

func TestPlan_RuleBased_NoMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyRuleBased
	p := New(testRegistry(t), cfg)

	_, err := p.Plan(context.Background(), "write me a poem about turnips", PlanContext{})
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestPlan_ParallelismHints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyRuleBased
	p := New(testRegistry(t), cfg)

	plan, err := p.Plan(context.Background(), "fetch https://example.com/report and extract", PlanContext{})
	require.NoError(t, err)

	fetch, err := plan.Graph.Get("fetch")
	require.NoError(t, err)
	assert.False(t, fetch.ParallelSafe) // network class
	assert.Equal(t, "http_get", fetch.Resource)

	extract, err := plan.Graph.Get("extract")
	require.NoError(t, err)
	assert.True(t, extract.ParallelSafe) // pure class
	assert.Empty(t, extract.Resource)
}

func TestPlan_ToolUnavailable(t *testing.T) {
	r := tool.NewRegistry() // empty: nothing resolves
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyRuleBased
	p := New(r, cfg)

	_, err := p.Plan(context.Background(), "analyze sales.csv", PlanContext{})
	var tu *ToolUnavailableError
	require.ErrorAs(t, err, &tu)
	assert.Equal(t, "file_read", tu.Name)
}

const modelPlanJSON = `Here is the plan:
{"tasks": [
  {"id": "t1", "name": "Read", "action": "file_read", "args": {"path": "sales.csv"}, "priority": "HIGH"},
  {"id": "t2", "name": "Total", "action": "transform", "prerequisites": ["t1"], "priority": "NORMAL"}
], "reasoning": "read then aggregate"}`

func TestPlan_ModelBased(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyModelBased
	client := &scriptedClient{response: modelPlanJSON}
	p := New(testRegistry(t), cfg, WithClient(client))

	plan, err := p.Plan(context.Background(), "total up sales.csv", PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, task.StrategyModelBased, plan.Strategy)
	assert.InDelta(t, modelConfidence, plan.Confidence, 0.001)
	assert.Equal(t, "read then aggregate", plan.Reasoning)
	assert.Equal(t, 1, client.calls)
}

func TestPlan_ModelParseErrorFallsBackToRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyModelBased
	client := &scriptedClient{response: "I cannot produce JSON today"}
	p := New(testRegistry(t), cfg, WithClient(client))

	plan, err := p.Plan(context.Background(), "analyze sales.csv", PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"file_read", "transform"}, plan.ToolNames())
}

func TestPlan_HybridSkipsModelWhenConfident(t *testing.T) {
	client := &scriptedClient{response: modelPlanJSON}
	p := New(testRegistry(t), DefaultConfig(), WithClient(client))

	plan, err := p.Plan(context.Background(), "analyze sales.csv", PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, task.StrategyHybrid, plan.Strategy)
	assert.Zero(t, client.calls) // rule confidence 0.85 >= 0.7
	assert.InDelta(t, 0.85, plan.Confidence, 0.001)
}

func TestPlan_HybridEscalatesOnLowConfidence(t *testing.T) {
	client := &scriptedClient{response: modelPlanJSON}
	p := New(testRegistry(t), DefaultConfig(), WithClient(client))

	// "calculate" matches the compute template at 0.5 < 0.7.
	plan, err := p.Plan(context.Background(), "calculate the totals in the report", PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, task.StrategyHybrid, plan.Strategy)
	assert.InDelta(t, modelConfidence, plan.Confidence, 0.001)
}

func TestPlan_HybridModelFailureKeepsRulePlan(t *testing.T) {
	client := &scriptedClient{err: errors.New("backend down")}
	p := New(testRegistry(t), DefaultConfig(), WithClient(client))

	plan, err := p.Plan(context.Background(), "calculate the totals", PlanContext{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, plan.Confidence, 0.001)
}

func TestFingerprint_StableAndNormalized(t *testing.T) {
	p := New(testRegistry(t), DefaultConfig())

	a, err := p.Fingerprint("Analyze   Sales.csv")
	require.NoError(t, err)
	b, err := p.Fingerprint("analyze sales.csv")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.Fingerprint("different query")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPlan_CacheRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = task.StrategyRuleBased
	cache := NewMemoryCache(8, time.Minute)
	p := New(testRegistry(t), cfg, WithCache(cache))

	first, err := p.Plan(context.Background(), "analyze sales.csv", PlanContext{})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	second, err := p.Plan(context.Background(), "ANALYZE  sales.csv", PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Graph.Len(), second.Graph.Len())
}

func TestMemoryCache_TTLAndEviction(t *testing.T) {
	cache := NewMemoryCache(2, time.Minute)
	now := time.Unix(1000, 0)
	cache.SetClock(func() time.Time { return now })
	ctx := context.Background()

	mk := func(fp string) *task.Plan {
		g := task.NewGraph("q", "g")
		require.NoError(t, g.Add(task.New("a", "A", "noop", task.PriorityNormal)))
		return &task.Plan{ID: "p-" + fp, Fingerprint: fp, Graph: g}
	}

	cache.Put(ctx, mk("f1"))
	cache.Put(ctx, mk("f2"))
	cache.Put(ctx, mk("f3")) // evicts f1
	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get(ctx, "f1")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "f2")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get(ctx, "f2")
	assert.False(t, ok) // expired
}

func TestEncodeDecodePlan(t *testing.T) {
	g := task.NewGraph("query", "goal")
	require.NoError(t, g.Add(task.New("a", "A", "file_read", task.PriorityHigh)))
	require.NoError(t, g.Add(task.New("b", "B", "transform", task.PriorityNormal, "a")))
	plan := &task.Plan{ID: "p1", Query: "query", Strategy: task.StrategyHybrid, Confidence: 0.9, Fingerprint: "sha256:x", Graph: g}

	data, err := EncodePlan(plan)
	require.NoError(t, err)
	back, err := DecodePlan(data)
	require.NoError(t, err)

	assert.Equal(t, plan.ID, back.ID)
	assert.Equal(t, plan.Confidence, back.Confidence)
	assert.Equal(t, 2, back.Graph.Len())
	assert.Equal(t, []string{"a"}, back.Graph.Predecessors("b"))
	assert.Equal(t, "query", back.Graph.Query)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 1}}`, extractJSON(`noise {"a": {"b": 1}} trailing`))
	assert.Equal(t, `{"s": "br{ace}"}`, extractJSON(`{"s": "br{ace}"}`))
	assert.Empty(t, extractJSON("no json here"))
	assert.Empty(t, extractJSON(`{"unterminated": true`))
}
