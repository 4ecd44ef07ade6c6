package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/decision"
	"github.com/tillerlabs/tiller/pkg/executor"
	"github.com/tillerlabs/tiller/pkg/planner"
	"github.com/tillerlabs/tiller/pkg/policy"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
	"github.com/tillerlabs/tiller/pkg/verify"
	"github.com/tillerlabs/tiller/pkg/worm"
)

var anySchema = json.RawMessage(`{"type": "object"}`)

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Descriptor{
		Name: "file_read", Version: "1.0.0", ArgsSchema: anySchema,
		SideEffect: tool.ClassRead, Timeout: time.Second,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return fmt.Sprintf("contents of %v", args["path"]), nil
	}))
	require.NoError(t, reg.Register(tool.Descriptor{
		Name: "transform", Version: "1.0.0", ArgsSchema: anySchema,
		SideEffect: tool.ClassPure, Timeout: time.Second,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return fmt.Sprintf("summary: %v", args["operation"]), nil
	}))
	require.NoError(t, reg.Register(tool.Descriptor{
		Name: "explode", Version: "1.0.0", ArgsSchema: anySchema,
		SideEffect: tool.ClassDangerous, Timeout: time.Second,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}))
	return reg
}

type harness struct {
	agent   *Agent
	journal *worm.Log
	drs     *decision.Manager
	provDir string
}

func newHarness(t *testing.T, mutate func(*policy.RuleSet), popts ...planner.Option) *harness {
	t.Helper()

	journal, err := worm.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	rules := policy.DefaultRuleSet()
	if mutate != nil {
		mutate(&rules)
	}
	guardian, err := policy.NewGuardian(rules, policy.WithJournal(journal))
	require.NoError(t, err)

	reg := newRegistry(t)
	invoker := tool.NewInvoker(reg,
		tool.WithGate(guardian),
		tool.WithJournal(journal),
	)

	pl := planner.New(reg, planner.Config{Strategy: task.StrategyRuleBased}, popts...)

	execCfg := executor.DefaultConfig()
	execCfg.BackoffBase = time.Millisecond
	execCfg.BackoffCap = 5 * time.Millisecond
	ex := executor.New(invoker, execCfg)

	verifier, err := verify.New(verify.LevelBasic,
		verify.WithRegistry(reg), verify.WithJournal(journal))
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("agent-test")
	require.NoError(t, err)
	drs, err := decision.NewManager(signer, t.TempDir(), nil)
	require.NoError(t, err)

	provDir := t.TempDir()
	a, err := New(Components{
		Guardian:  guardian,
		Planner:   pl,
		Executor:  ex,
		Verifier:  verifier,
		Invoker:   invoker,
		Decisions: drs,
	}, WithJournal(journal), WithProvenanceDir(provDir))
	require.NoError(t, err)

	return &harness{agent: a, journal: journal, drs: drs, provDir: provDir}
}

func (h *harness) eventKinds() []string {
	var kinds []string
	for _, ev := range h.journal.Entries() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (h *harness) decisionKinds(t *testing.T, resp *Response) []decision.Kind {
	t.Helper()
	var kinds []decision.Kind
	for _, id := range resp.DecisionIDs {
		rec, err := h.drs.Load(id)
		require.NoError(t, err)
		kinds = append(kinds, rec.DecisionType)
	}
	return kinds
}

func TestHandle_ChainedReadThenAnalyze(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-1",
		Query:          "analyze sales.csv",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	assert.Equal(t, ModeHTN, resp.Mode)
	assert.NotEmpty(t, resp.PlanID)
	assert.Equal(t, 2, resp.Stats.Total)
	assert.Equal(t, 2, resp.Stats.Completed)
	assert.Equal(t, "summary: summarize", resp.Output)
	assert.Equal(t, "contents of sales.csv", resp.PartialResults["read"])
	require.NotNil(t, resp.Verification)
	assert.True(t, resp.Verification.Passed)

	// The canonical happy-path audit sequence, nothing more.
	assert.Equal(t, []string{
		"policy.query_validated",
		"plan.created",
		"tool.executed",
		"tool.executed",
		"verification.completed",
		"response.recorded",
	}, h.eventKinds())

	kinds := h.decisionKinds(t, resp)
	assert.Contains(t, kinds, decision.KindPlanning)
	assert.Contains(t, kinds, decision.KindToolCall)
	assert.Contains(t, kinds, decision.KindVerification)
	assert.Contains(t, kinds, decision.KindResponse)

	require.NotEmpty(t, resp.ProvenancePath)
	data, err := os.ReadFile(resp.ProvenancePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agent:tiller")
	assert.Contains(t, string(data), "wasGeneratedBy")
}

func TestHandle_EmptyQuery(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-empty", Query: "   ",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindValidationFailure, resp.Error.Kind)
	assert.False(t, resp.Error.Retryable)
	assert.NotEmpty(t, resp.Error.CorrelationID)

	// Exactly one decision record, the reject; no plan event.
	assert.Equal(t, []decision.Kind{decision.KindPolicyReject}, h.decisionKinds(t, resp))
	assert.NotContains(t, h.eventKinds(), "plan.created")
}

func TestHandle_StrictPolicyReject(t *testing.T) {
	h := newHarness(t, func(r *policy.RuleSet) { r.StrictMode = true })

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-reject",
		Query:          "my password is hunter2, please analyze sales.csv",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindPolicyViolation, resp.Error.Kind)
	assert.Empty(t, resp.PlanID)

	assert.Contains(t, h.decisionKinds(t, resp), decision.KindPolicyReject)
	kinds := h.eventKinds()
	assert.Contains(t, kinds, "policy.query_validated")
	assert.NotContains(t, kinds, "plan.created")
	assert.NotContains(t, kinds, "tool.executed")
}

func TestHandle_SimpleLoop(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-simple",
		Query:          "compute the total",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	assert.Equal(t, ModeSimple, resp.Mode)
	assert.Empty(t, resp.PlanID)
	assert.Equal(t, "summary: compute", resp.Output)

	kinds := h.eventKinds()
	assert.NotContains(t, kinds, "plan.created")
	assert.Contains(t, kinds, "tool.executed")
	assert.Contains(t, h.decisionKinds(t, resp), decision.KindToolCall)
}

func TestHandle_NoToolMatches(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-none", Query: "tell me a joke",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindPlanningFailure, resp.Error.Kind)
}

func demolitionTemplates() []planner.Template {
	return []planner.Template{{
		Name:        "demolition",
		Pattern:     regexp.MustCompile(`(?i)\bdemolish\b`),
		Specificity: 0.9,
		Build: func(query string, m []string) []planner.TaskSpec {
			return []planner.TaskSpec{
				{ID: "boom", Name: "Demolish", Action: "explode", Priority: task.PriorityCritical},
				{ID: "side", Name: "Sweep up", Action: "transform",
					Args: map[string]any{"operation": "sweep"}, Priority: task.PriorityNormal},
			}
		},
	}}
}

func TestHandle_CriticalFailureFallsBackOnce(t *testing.T) {
	h := newHarness(t, nil, planner.WithTemplates(demolitionTemplates()))

	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-crit",
		Query:          "demolish the old site",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)

	assert.Equal(t, ModeHTN, resp.Mode)
	assert.Equal(t, KindExecutionFailure, resp.Error.Kind)
	require.NotNil(t, resp.Error.TaskID)
	assert.Equal(t, "boom", *resp.Error.TaskID)

	// The stranded task ran through the fallback loop.
	assert.Equal(t, "summary: sweep", resp.PartialResults["side"])

	// The partial graph is still verified: the failed task shows up in
	// the aggregate.
	require.NotNil(t, resp.Verification)
	assert.False(t, resp.Verification.Passed)
	assert.Contains(t, resp.Verification.Failed, "boom")
}

func TestHandle_ApprovalGating(t *testing.T) {
	h := newHarness(t, func(r *policy.RuleSet) {
		r.ApprovalRequiredTools = []string{"transform"}
	})

	// Approved: the pipeline completes.
	resp, err := h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-approved",
		Query:          "analyze sales.csv",
		ApprovedTools:  []string{"transform"},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, 2, resp.Stats.Completed)

	// Not approved: the gated call is blocked and the run fails.
	resp, err = h.agent.Handle(context.Background(), Request{
		ConversationID: "conv-unapproved",
		Query:          "analyze sales.csv",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, KindExecutionFailure, resp.Error.Kind)
	assert.Contains(t, resp.Warnings, "tool transform requires approval and was not approved")
	// The read branch still delivered its partial result.
	assert.Equal(t, "contents of sales.csv", resp.PartialResults["read"])
}

func TestClassify(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		query string
		want  Mode
	}{
		{"analyze sales.csv", ModeHTN},              // two-task template
		{"compute the total", ModeSimple},           // single-task template
		{"count rows and then compare", ModeHTN},    // step marker
		{"sum a, b, and c totals", ModeHTN},         // several clauses
		{"tell me a joke", ModeSimple},              // no template, no markers
		{"fetch https://example.com/data", ModeHTN}, // two-task template
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, h.agent.classify(tc.query), tc.query)
	}
}

func TestErrorClassification(t *testing.T) {
	obj := classifyError(context.DeadlineExceeded, "corr")
	assert.Equal(t, KindTimeout, obj.Kind)
	assert.True(t, obj.Retryable)

	obj = classifyError(&executor.CriticalFailure{TaskID: "t1", Reason: "boom"}, "corr")
	assert.Equal(t, KindExecutionFailure, obj.Kind)
	require.NotNil(t, obj.TaskID)
	assert.Equal(t, "t1", *obj.TaskID)

	obj = classifyError(&planner.ToolUnavailableError{Name: "x"}, "corr")
	assert.Equal(t, KindPlanningFailure, obj.Kind)

	obj = classifyError(errors.New("disk on fire"), "corr")
	assert.Equal(t, KindInternal, obj.Kind)
	assert.Equal(t, "corr", obj.CorrelationID)
}
