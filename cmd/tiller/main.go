// Command tiller is the engine's CLI: run a query through the
// governed pipeline, verify the audit trail, or mint keys and tokens.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tillerlabs/tiller/pkg/agent"
	"github.com/tillerlabs/tiller/pkg/config"
	"github.com/tillerlabs/tiller/pkg/crypto"
	"github.com/tillerlabs/tiller/pkg/decision"
	"github.com/tillerlabs/tiller/pkg/executor"
	"github.com/tillerlabs/tiller/pkg/observability"
	"github.com/tillerlabs/tiller/pkg/planner"
	"github.com/tillerlabs/tiller/pkg/policy"
	"github.com/tillerlabs/tiller/pkg/redact"
	"github.com/tillerlabs/tiller/pkg/store"
	"github.com/tillerlabs/tiller/pkg/task"
	"github.com/tillerlabs/tiller/pkg/tool"
	"github.com/tillerlabs/tiller/pkg/verify"
	"github.com/tillerlabs/tiller/pkg/worm"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runQuery(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "decisions":
		return runDecisions(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "tiller: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: tiller <command> [flags]

Commands:
  run        execute a query through the governed pipeline
  verify     check the WORM journal's hash chain
  keygen     generate the audit signing key file
  token      mint an actor token for RBAC
  decisions  query the decision-record index
  help       show this message`)
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file")
	conversation := fs.String("conversation", "", "conversation id (default: random)")
	actorToken := fs.String("actor-token", "", "signed actor token")
	verbose := fs.Bool("audit-verbose", false, "journal task state transitions and decision writes")
	var approved stringList
	fs.Var(&approved, "approve", "pre-approve a gated tool (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "tiller run: exactly one query argument expected")
		return 2
	}
	query := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, nil)))

	ctx := context.Background()
	eng, err := assemble(ctx, cfg, *verbose)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer eng.close(ctx)

	req := agent.Request{
		ConversationID: *conversation,
		Query:          query,
		ApprovedTools:  approved,
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if *actorToken != "" {
		if cfg.Policy.ActorTokenKey == "" {
			fmt.Fprintln(stderr, "tiller run: actor token given but policy.actor_token_key is unset")
			return 2
		}
		actor, err := policy.ParseActor([]byte(cfg.Policy.ActorTokenKey), *actorToken)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		req.Actor = actor
	}

	resp, err := eng.agent.Handle(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	eng.index(ctx, resp)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if resp.Error != nil {
		return 1
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	journal, err := worm.Open(filepath.Join(cfg.Audit.LogDir, "worm"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = journal.Close() }()

	res := journal.Verify()
	if !res.OK {
		fmt.Fprintf(stdout, "journal INVALID: chain breaks at seq %d: %s\n", res.BrokenAt, res.Reason)
		return 1
	}
	fmt.Fprintf(stdout, "journal OK: %d entries, tip %s\n", journal.Len(), journal.Tip())
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "tiller.key", "key file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := crypto.GenerateKeyFile(*out); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file")
	subject := fs.String("subject", "", "actor subject")
	role := fs.String("role", "operator", "actor role")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.Policy.ActorTokenKey == "" {
		fmt.Fprintln(stderr, "tiller token: policy.actor_token_key is unset")
		return 2
	}
	if *subject == "" {
		fmt.Fprintln(stderr, "tiller token: -subject is required")
		return 2
	}
	token, err := policy.MintActorToken([]byte(cfg.Policy.ActorTokenKey), *subject, *role, *ttl)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runDecisions(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decisions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file")
	conversation := fs.String("conversation", "", "filter by conversation id")
	kind := fs.String("kind", "", "filter by decision kind")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.Audit.DecisionIndex == "" {
		fmt.Fprintln(stderr, "tiller decisions: audit.decision_index is unset")
		return 2
	}
	idx, err := store.OpenDecisionIndex(cfg.Audit.DecisionIndex)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = idx.Close() }()

	recs, err := idx.Find(context.Background(), store.Query{
		ConversationID: *conversation,
		DecisionType:   decision.Kind(*kind),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	return 0
}

// engine bundles the assembled pipeline and its closers.
type engine struct {
	agent   *agent.Agent
	journal *worm.Log
	drs     *decision.Manager
	obs     *observability.Provider
	idx     *store.SQLiteDecisionIndex
	log     *slog.Logger
}

// assemble wires the pipeline from configuration.
func assemble(ctx context.Context, cfg *config.Config, verbose bool) (*engine, error) {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Insecure:     true,
	})
	if err != nil {
		return nil, err
	}

	var signer, sealer *crypto.Ed25519Signer
	if cfg.Audit.SigningKeyPath != "" {
		if signer, err = crypto.LoadSigner(cfg.Audit.SigningKeyPath, "decision-records"); err != nil {
			return nil, err
		}
		if sealer, err = crypto.LoadSigner(cfg.Audit.SigningKeyPath, "worm-seal"); err != nil {
			return nil, err
		}
	} else {
		// Ephemeral keys keep the pipeline usable before keygen has run;
		// signatures will not survive a restart.
		if signer, err = crypto.NewEd25519Signer("ephemeral-dr"); err != nil {
			return nil, err
		}
		if sealer, err = crypto.NewEd25519Signer("ephemeral-seal"); err != nil {
			return nil, err
		}
	}

	redactor := redact.NewDefault()
	journal, err := worm.Open(filepath.Join(cfg.Audit.LogDir, "worm"),
		worm.WithRedactor(redactor),
		worm.WithSealer(sealer, cfg.Audit.WORM.SealEvery),
		worm.WithSegmentSize(cfg.Audit.WORM.SegmentSize),
	)
	if err != nil {
		return nil, err
	}

	guardian, err := policy.NewGuardian(ruleSet(cfg.Policy),
		policy.WithJournal(journal),
		policy.WithRedactor(redactor),
	)
	if err != nil {
		return nil, err
	}

	registry, err := builtinTools()
	if err != nil {
		return nil, err
	}
	invoker := tool.NewInvoker(registry,
		tool.WithGate(guardian),
		tool.WithJournal(journal),
		tool.WithRedactor(redactor),
	)

	var cache planner.Cache
	if addr := cfg.Planner.Cache.RedisAddr; addr != "" {
		cache = planner.NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}), cfg.Planner.Cache.CacheTTL())
	} else {
		cache = planner.NewMemoryCache(cfg.Planner.Cache.MaxEntries, cfg.Planner.Cache.CacheTTL())
	}
	plannerOpts := []planner.Option{planner.WithCache(cache)}
	if cfg.LLM.BaseURL != "" {
		plannerOpts = append(plannerOpts, planner.WithClient(
			planner.NewHTTPClient(cfg.LLM.BaseURL, os.Getenv("TILLER_LLM_API_KEY"), cfg.LLM.Model)))
	}
	pl := planner.New(registry, planner.Config{
		Strategy:              task.Strategy(cfg.Planner.DefaultStrategy),
		MaxDecompositionDepth: cfg.Planner.MaxDecompositionDepth,
		MaxTasksPerPlan:       cfg.Planner.MaxTasksPerPlan,
		Timeout:               cfg.Planner.PlanningTimeout(),
		DefaultMaxRetries:     cfg.Executor.MaxRetries,
	}, plannerOpts...)

	execOpts := []executor.Option{}
	if verbose {
		execOpts = append(execOpts, executor.WithJournal(journal))
	}
	ex := executor.New(invoker, executor.Config{
		Strategy:            executor.Strategy(cfg.Executor.DefaultStrategy),
		MaxWorkers:          cfg.Executor.MaxWorkers,
		QueueSize:           cfg.Executor.QueueCapacity,
		TaskTimeout:         cfg.Executor.TaskTimeout(),
		GraphTimeout:        cfg.Executor.GraphTimeout(),
		BackoffBase:         cfg.Executor.RetryBackoffBase(),
		DisableWorkStealing: !cfg.Executor.WorkStealing(),
	}, execOpts...)

	verifier, err := verify.New(verify.Level(cfg.Verifier.DefaultLevel),
		verify.WithRegistry(registry),
		verify.WithJournal(journal),
	)
	if err != nil {
		return nil, err
	}

	drOpts := []decision.ManagerOption{decision.WithFrameworks(cfg.Policy.ActiveFrameworks)}
	drJournal := (*worm.Log)(nil)
	if verbose {
		drJournal = journal
	}
	drs, err := decision.NewManager(signer, filepath.Join(cfg.Audit.LogDir, "decisions"), drJournal, drOpts...)
	if err != nil {
		return nil, err
	}

	var idx *store.SQLiteDecisionIndex
	if cfg.Audit.DecisionIndex != "" {
		if idx, err = store.OpenDecisionIndex(cfg.Audit.DecisionIndex); err != nil {
			return nil, err
		}
	}

	a, err := agent.New(agent.Components{
		Guardian:  guardian,
		Planner:   pl,
		Executor:  ex,
		Verifier:  verifier,
		Invoker:   invoker,
		Decisions: drs,
	},
		agent.WithJournal(journal),
		agent.WithObservability(obs),
		agent.WithProvenanceDir(filepath.Join(cfg.Audit.LogDir, "provenance")),
	)
	if err != nil {
		return nil, err
	}

	return &engine{
		agent:   a,
		journal: journal,
		drs:     drs,
		obs:     obs,
		idx:     idx,
		log:     slog.Default(),
	}, nil
}

// index mirrors the run's decision records into the SQLite index.
func (e *engine) index(ctx context.Context, resp *agent.Response) {
	if e.idx == nil {
		return
	}
	for _, id := range resp.DecisionIDs {
		rec, err := e.drs.Load(id)
		if err != nil {
			e.log.Warn("decision load for index failed", "dr_id", id, "error", err)
			continue
		}
		if err := e.idx.Put(ctx, rec); err != nil {
			e.log.Warn("decision index write failed", "dr_id", id, "error", err)
		}
	}
}

func (e *engine) close(ctx context.Context) {
	if e.idx != nil {
		_ = e.idx.Close()
	}
	_ = e.journal.Close()
	_ = e.obs.Shutdown(ctx)
}

// ruleSet maps the config section onto the guardian's rule set,
// keeping the defaults where the config is silent.
func ruleSet(p config.Policy) policy.RuleSet {
	rules := policy.DefaultRuleSet()
	rules.StrictMode = p.StrictMode
	rules.ActiveFrameworks = p.ActiveFrameworks
	if len(p.ForbiddenPatterns) > 0 {
		rules.ForbiddenPatterns = p.ForbiddenPatterns
	}
	if len(p.PIIPatterns) > 0 {
		rules.PIIPatterns = p.PIIPatterns
	}
	rules.ForbiddenTools = p.ForbiddenTools
	rules.ApprovalRequiredTools = p.ApprovalRequiredTools
	if p.MaxPlanDepth > 0 {
		rules.MaxPlanDepth = p.MaxPlanDepth
	}
	if p.MaxToolCount > 0 {
		rules.MaxToolCount = p.MaxToolCount
	}
	return rules
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
