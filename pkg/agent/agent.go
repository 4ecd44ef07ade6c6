// Package agent is the orchestrator: it validates a query against the
// policy guardian, classifies it as a simple tool loop or a full
// decomposition, runs the planner/executor/verifier pipeline, and
// leaves a complete audit trail behind it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tillerlabs/tiller/pkg/decision"
	"github.com/tillerlabs/tiller/pkg/executor"
	"github.com/tillerlabs/tiller/pkg/observability"
	"github.com/tillerlabs/tiller/pkg/planner"
	"github.com/tillerlabs/tiller/pkg/policy"
	"github.com/tillerlabs/tiller/pkg/prov"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
	"github.com/tillerlabs/tiller/pkg/verify"
	"github.com/tillerlabs/tiller/pkg/worm"
)

// ErrNotConfigured reports a missing required collaborator.
var ErrNotConfigured = errors.New("agent: missing collaborator")

// Components are the required collaborators of an Agent.
type Components struct {
	Guardian  *policy.Guardian
	Planner   *planner.Planner
	Executor  *executor.Executor
	Verifier  *verify.Verifier
	Invoker   executor.Invoker
	Decisions *decision.Manager
}

// Agent is the top-level request handler.
type Agent struct {
	guardian *policy.Guardian
	planner  *planner.Planner
	exec     *executor.Executor
	verifier *verify.Verifier
	invoker  executor.Invoker
	drs      *decision.Manager

	journal *worm.Log
	obs     *observability.Provider
	provDir string
	actor   string
	loopMax int
	log     *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithJournal wires the WORM log for agent-level events.
func WithJournal(j *worm.Log) Option {
	return func(a *Agent) { a.journal = j }
}

// WithObservability wires spans and request instruments.
func WithObservability(p *observability.Provider) Option {
	return func(a *Agent) { a.obs = p }
}

// WithProvenanceDir sets where finalized provenance graphs are written.
// Empty keeps graphs in memory only.
func WithProvenanceDir(dir string) Option {
	return func(a *Agent) { a.provDir = dir }
}

// WithActor sets the actor recorded on decision records.
func WithActor(actor string) Option {
	return func(a *Agent) { a.actor = actor }
}

// WithSimpleLoopMax bounds the simple loop's iteration count.
func WithSimpleLoopMax(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.loopMax = n
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(a *Agent) { a.log = lg.With("component", "agent") }
}

// New assembles an Agent from its collaborators.
func New(c Components, opts ...Option) (*Agent, error) {
	if c.Guardian == nil || c.Planner == nil || c.Executor == nil ||
		c.Verifier == nil || c.Invoker == nil || c.Decisions == nil {
		return nil, ErrNotConfigured
	}
	a := &Agent{
		guardian: c.Guardian,
		planner:  c.Planner,
		exec:     c.Executor,
		verifier: c.Verifier,
		invoker:  c.Invoker,
		drs:      c.Decisions,
		actor:    "agent:tiller",
		loopMax:  3,
		log:      slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Request is one user turn.
type Request struct {
	ConversationID string
	Query          string
	Actor          *policy.Actor
	ApprovedTools  []string
}

// Response is the orchestrator's answer. A recoverable failure fills
// Error and keeps the partial results from the branches that finished.
type Response struct {
	ConversationID string          `json:"conversation_id"`
	CorrelationID  string          `json:"correlation_id"`
	Mode           Mode            `json:"mode"`
	Output         string          `json:"output"`
	PartialResults map[string]any  `json:"partial_results,omitempty"`
	PlanID         string          `json:"plan_id,omitempty"`
	Stats          task.Stats      `json:"stats"`
	Verification   *verify.Summary `json:"verification,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	DecisionIDs    []string        `json:"decision_ids"`
	ProvenancePath string          `json:"provenance_path,omitempty"`
	Error          *ErrorObject    `json:"error,omitempty"`
}

// Handle runs one request end to end. Recoverable failures come back
// inside the Response; the returned error is reserved for audit-trail
// infrastructure failures.
func (a *Agent) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	correlationID := uuid.NewString()
	if a.obs != nil {
		var done func(error)
		ctx, done = a.obs.TrackOperation(ctx, "agent.handle",
			attribute.String("conversation.id", req.ConversationID))
		defer func() { done(err) }()
	}

	resp = &Response{
		ConversationID: req.ConversationID,
		CorrelationID:  correlationID,
	}
	tracker := prov.NewTracker(req.ConversationID)
	if _, perr := tracker.StartGeneration(req.Query); perr != nil {
		return nil, fmt.Errorf("agent: provenance: %w", perr)
	}

	if strings.TrimSpace(req.Query) == "" {
		resp.Error = &ErrorObject{
			Kind:          KindValidationFailure,
			Message:       "query is empty",
			CorrelationID: correlationID,
		}
		if err := a.reject(resp, req, "query is empty"); err != nil {
			return nil, err
		}
		return resp, a.finish(ctx, tracker, req, resp)
	}

	vres, verr := a.guardian.ValidateQuery(ctx, req.Query, policy.QueryContext{
		ConversationID: req.ConversationID,
		Actor:          req.Actor,
	})
	if verr != nil {
		resp.Error = classifyError(verr, correlationID)
		if err := a.reject(resp, req, verr.Error()); err != nil {
			return nil, err
		}
		return resp, a.finish(ctx, tracker, req, resp)
	}
	resp.Warnings = append(resp.Warnings, vres.Warnings...)

	resp.Mode = a.classify(req.Query)
	a.log.InfoContext(ctx, "request classified",
		"conversation_id", req.ConversationID, "mode", resp.Mode)

	switch resp.Mode {
	case ModeSimple:
		a.runSimpleLoop(ctx, tracker, req, resp, nil)
	default:
		a.runHTN(ctx, tracker, req, resp)
	}

	return resp, a.finish(ctx, tracker, req, resp)
}

// runHTN is the full pipeline: plan, validate the plan, execute,
// verify, collect. A critical executor failure falls back to the
// simple loop exactly once, over the tasks the failure stranded.
func (a *Agent) runHTN(ctx context.Context, tracker *prov.Tracker, req Request, resp *Response) {
	plan, err := a.planner.Plan(ctx, req.Query, planner.PlanContext{
		ConversationID: req.ConversationID,
		Role:           roleOf(req.Actor),
	})
	if err != nil {
		resp.Error = classifyError(err, resp.CorrelationID)
		return
	}
	resp.PlanID = plan.ID
	a.emit("plan.created", map[string]any{
		"conversation_id": req.ConversationID,
		"plan_id":         plan.ID,
		"strategy":        string(plan.Strategy),
		"confidence":      plan.Confidence,
		"fingerprint":     plan.Fingerprint,
		"tasks":           plan.Graph.Len(),
	})
	a.record(resp, decision.KindPlanning, req, map[string]any{
		"plan_id":    plan.ID,
		"strategy":   string(plan.Strategy),
		"confidence": plan.Confidence,
	}, map[string]any{"tasks": plan.Graph.Len()}, "", plan.ToolNames())

	pres, err := a.guardian.ValidatePlan(ctx, plan)
	if err != nil {
		resp.Error = classifyError(err, resp.CorrelationID)
		if rerr := a.reject(resp, req, err.Error()); rerr != nil {
			a.log.ErrorContext(ctx, "reject record failed", "error", rerr)
		}
		return
	}
	resp.Warnings = append(resp.Warnings, pres.Warnings...)
	for _, gated := range pres.GatedTools {
		if contains(req.ApprovedTools, gated) {
			plan.Graph.Approve(gated)
			continue
		}
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("tool %s requires approval and was not approved", gated))
	}

	report, execErr := a.exec.Execute(ctx, plan)
	resp.Stats = report.Stats

	var crit *executor.CriticalFailure
	if errors.As(execErr, &crit) {
		a.log.WarnContext(ctx, "critical failure, falling back to simple loop",
			"task_id", crit.TaskID, "reason", crit.Reason)
		if stranded := strandedSpecs(plan.Graph, crit.TaskID, a.loopMax); len(stranded) > 0 {
			a.runSimpleLoop(ctx, tracker, req, resp, stranded)
		}
		if resp.Error == nil {
			resp.Error = classifyError(execErr, resp.CorrelationID)
		}
		// The partial graph is still verified so the caller sees which
		// tasks failed.
		if summary, _, verr := a.verifier.Verify(ctx, plan.Graph); verr != nil {
			a.log.WarnContext(ctx, "verification after critical failure failed", "error", verr)
		} else {
			resp.Verification = summary
			a.record(resp, decision.KindVerification, req,
				map[string]any{"plan_id": plan.ID},
				map[string]any{
					"passed":   summary.Passed,
					"failed":   summary.Failed,
					"coverage": summary.Coverage,
				}, "", nil)
		}
		a.collect(tracker, plan.Graph, req, resp)
		resp.Stats = plan.Graph.Stats()
		return
	}
	if execErr != nil {
		resp.Error = classifyError(execErr, resp.CorrelationID)
		a.collect(tracker, plan.Graph, req, resp)
		return
	}

	summary, records, verr := a.verifier.Verify(ctx, plan.Graph)
	if verr != nil {
		resp.Error = classifyError(verr, resp.CorrelationID)
		a.collect(tracker, plan.Graph, req, resp)
		return
	}
	resp.Verification = summary
	a.record(resp, decision.KindVerification, req,
		map[string]any{"plan_id": plan.ID},
		map[string]any{
			"passed":   summary.Passed,
			"failed":   summary.Failed,
			"coverage": summary.Coverage,
		}, "", nil)

	for _, rec := range records {
		if rec.Passed {
			continue
		}
		for _, check := range rec.Checks {
			if !check.Passed {
				resp.Warnings = append(resp.Warnings,
					fmt.Sprintf("verification %s failed for task %s: %s", check.Name, rec.TaskID, check.Detail))
			}
		}
	}

	// Demotions re-enter the retry policy.
	if len(summary.Failed) > 0 {
		if _, rerr := a.exec.Execute(ctx, plan); rerr != nil {
			resp.Error = classifyError(rerr, resp.CorrelationID)
		}
	}

	a.collect(tracker, plan.Graph, req, resp)
	resp.Stats = plan.Graph.Stats()
	resp.Output = a.compose(plan.Graph)
	if resp.Error == nil && resp.Stats.Failed+resp.Stats.Skipped+resp.Stats.Cancelled > 0 {
		resp.Error = &ErrorObject{
			Kind:          KindExecutionFailure,
			Message:       fmt.Sprintf("%d of %d tasks did not complete", resp.Stats.Total-resp.Stats.Completed, resp.Stats.Total),
			Retryable:     true,
			CorrelationID: resp.CorrelationID,
		}
		if id := firstFailed(plan.Graph); id != "" {
			resp.Error.TaskID = &id
		}
	}
}

// runSimpleLoop executes a bounded sequence of direct tool calls. When
// specs is nil the loop derives them from the rule pass.
func (a *Agent) runSimpleLoop(ctx context.Context, tracker *prov.Tracker, req Request, resp *Response, specs []planner.TaskSpec) {
	if specs == nil {
		specs, _ = a.planner.RulePass(req.Query)
	}
	if len(specs) == 0 {
		resp.Error = &ErrorObject{
			Kind:          KindPlanningFailure,
			Message:       "no tool matches the query",
			CorrelationID: resp.CorrelationID,
		}
		return
	}
	if len(specs) > a.loopMax {
		specs = specs[:a.loopMax]
	}

	if resp.PartialResults == nil {
		resp.PartialResults = make(map[string]any)
	}
	var lastOutput string
	for _, spec := range specs {
		approved := contains(req.ApprovedTools, spec.Action)
		res, err := a.invoker.Invoke(ctx, spec.Action, spec.Args, tool.InvokeOptions{
			Approved: approved,
			TaskID:   spec.ID,
		})
		if err != nil {
			resp.Error = classifyError(err, resp.CorrelationID)
			return
		}
		if res.Status != tool.StatusSuccess {
			id := spec.ID
			resp.Error = &ErrorObject{
				Kind:          KindExecutionFailure,
				Message:       fmt.Sprintf("tool %s: %s", spec.Action, res.Error),
				TaskID:        &id,
				Retryable:     res.Status.Retryable(),
				CorrelationID: resp.CorrelationID,
			}
			return
		}
		lastOutput = stringify(res.Output)
		resp.PartialResults[spec.ID] = res.Output
		if _, perr := tracker.AddToolActivity(spec.Action, stringify(spec.Args), lastOutput); perr != nil {
			a.log.WarnContext(ctx, "provenance tool activity failed", "error", perr)
		}
		a.record(resp, decision.KindToolCall, req,
			map[string]any{"action": spec.Action, "args": spec.Args},
			map[string]any{"status": string(res.Status)}, spec.ID, []string{spec.Action})
	}
	if resp.Output == "" {
		resp.Output = lastOutput
	}
}

// collect copies completed-task outputs into the response and the
// provenance graph, and records the per-task tool_call decisions.
func (a *Agent) collect(tracker *prov.Tracker, g *task.Graph, req Request, resp *Response) {
	if resp.PartialResults == nil {
		resp.PartialResults = make(map[string]any)
	}
	for _, t := range g.Tasks() {
		if t.State != task.StateCompleted || t.Result == nil {
			continue
		}
		resp.PartialResults[t.ID] = t.Result.Output
		if _, err := tracker.AddToolActivity(t.Action, stringify(t.Args), stringify(t.Result.Output)); err != nil {
			a.log.Warn("provenance tool activity failed", "task_id", t.ID, "error", err)
		}
		a.record(resp, decision.KindToolCall, req,
			map[string]any{"action": t.Action, "args": t.Args},
			map[string]any{"status": t.Result.ToolStatus},
			t.ID, []string{t.Action})
	}
}

// compose builds the response text from the leaf tasks: their outputs
// are the pipeline's end products.
func (a *Agent) compose(g *task.Graph) string {
	var parts []string
	for _, t := range g.Tasks() {
		if t.State != task.StateCompleted || t.Result == nil {
			continue
		}
		if len(g.Successors(t.ID)) == 0 {
			parts = append(parts, stringify(t.Result.Output))
		}
	}
	return strings.Join(parts, "\n")
}

// finish closes the audit trail: execution audit, response DR, final
// WORM event, and the provenance graph.
func (a *Agent) finish(ctx context.Context, tracker *prov.Tracker, req Request, resp *Response) error {
	rules := a.guardian.Rules()
	if len(rules.AuditRules) > 0 || rules.StrictMode {
		ares, aerr := a.guardian.AuditExecution(ctx, policy.ExecutionSummary{
			ConversationID: req.ConversationID,
			Stats:          resp.Stats,
			Output:         resp.Output,
		})
		if aerr != nil {
			if resp.Error == nil {
				resp.Error = classifyError(aerr, resp.CorrelationID)
			}
			resp.Output = ""
			if err := a.reject(resp, req, aerr.Error()); err != nil {
				return err
			}
		} else {
			resp.Warnings = append(resp.Warnings, ares.Warnings...)
		}
	}

	status := "ok"
	rejected := false
	if resp.Error != nil {
		status = string(resp.Error.Kind)
		rejected = resp.Error.Kind == KindValidationFailure || resp.Error.Kind == KindPolicyViolation
	}
	// Rejected requests already carry their policy_reject record.
	if !rejected {
		a.record(resp, decision.KindResponse, req,
			map[string]any{"plan_id": resp.PlanID, "mode": string(resp.Mode)},
			map[string]any{"status": status, "output": resp.Output}, "", nil)
	}

	if _, err := tracker.Finalize(resp.Output); err != nil {
		return fmt.Errorf("agent: provenance finalize: %w", err)
	}
	for _, ind := range tracker.Indicators() {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("possible prompt injection (%s, confidence %.2f)", ind.PatternID, ind.Confidence))
	}
	if a.provDir != "" {
		path, err := tracker.WriteTo(a.provDir)
		if err != nil {
			return fmt.Errorf("agent: provenance write: %w", err)
		}
		resp.ProvenancePath = path
	}

	a.emit("response.recorded", map[string]any{
		"conversation_id": req.ConversationID,
		"correlation_id":  resp.CorrelationID,
		"mode":            string(resp.Mode),
		"status":          status,
		"completed":       resp.Stats.Completed,
		"failed":          resp.Stats.Failed,
	})
	return nil
}

// reject records the policy_reject decision for a refused request.
func (a *Agent) reject(resp *Response, req Request, reason string) error {
	rec, err := a.drs.Record(decision.KindPolicyReject,
		map[string]any{"query": req.Query},
		map[string]any{},
		map[string]any{"reason": reason},
		decision.Context{Actor: a.actorName(req), ConversationID: req.ConversationID})
	if err != nil {
		return fmt.Errorf("agent: policy_reject record: %w", err)
	}
	resp.DecisionIDs = append(resp.DecisionIDs, rec.ID)
	return nil
}

// record persists one decision record; failures are logged, not fatal,
// except for policy rejects which go through reject.
func (a *Agent) record(resp *Response, kind decision.Kind, req Request, plan, result any, taskID string, tools []string) {
	rec, err := a.drs.Record(kind,
		map[string]any{"query": req.Query},
		plan, result,
		decision.Context{
			Actor:          a.actorName(req),
			TaskID:         taskID,
			ConversationID: req.ConversationID,
			ToolsUsed:      tools,
		})
	if err != nil {
		a.log.Error("decision record failed", "kind", string(kind), "error", err)
		return
	}
	resp.DecisionIDs = append(resp.DecisionIDs, rec.ID)
}

func (a *Agent) actorName(req Request) string {
	if req.Actor != nil {
		return req.Actor.Subject
	}
	return a.actor
}

func (a *Agent) emit(kind string, payload map[string]any) {
	if a.journal == nil {
		return
	}
	if _, err := a.journal.Append(kind, payload); err != nil {
		a.log.Warn("journal append failed", "kind", kind, "error", err)
	}
}

// strandedSpecs converts the tasks a critical failure left unfinished
// into direct-call specs for the fallback loop. The failed task itself
// and anything downstream of it are excluded.
func strandedSpecs(g *task.Graph, failedID string, limit int) []planner.TaskSpec {
	blocked := map[string]bool{failedID: true}
	order, err := g.TopoOrder()
	if err != nil {
		return []planner.TaskSpec{}
	}
	var specs []planner.TaskSpec
	for _, id := range order {
		t, err := g.Get(id)
		if err != nil {
			continue
		}
		for _, pre := range t.Prerequisites {
			if blocked[pre] && !t.Optional {
				blocked[id] = true
			}
		}
		if blocked[id] || t.State == task.StateCompleted {
			continue
		}
		specs = append(specs, planner.TaskSpec{
			ID:     t.ID,
			Name:   t.Name,
			Action: t.Action,
			Args:   t.Args,
		})
		if len(specs) == limit {
			break
		}
	}
	if specs == nil {
		specs = []planner.TaskSpec{}
	}
	return specs
}

func firstFailed(g *task.Graph) string {
	for _, t := range g.Tasks() {
		if t.State == task.StateFailed {
			return t.ID
		}
	}
	return ""
}

func roleOf(actor *policy.Actor) string {
	if actor == nil {
		return ""
	}
	return actor.Role
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
