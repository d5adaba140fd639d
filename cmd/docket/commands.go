package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clerkwell/docket/pkg/artifacts"
	"github.com/clerkwell/docket/pkg/casefile"
	"github.com/clerkwell/docket/pkg/caselock"
	"github.com/clerkwell/docket/pkg/config"
	"github.com/clerkwell/docket/pkg/ledger"
	"github.com/clerkwell/docket/pkg/notify"
	"github.com/clerkwell/docket/pkg/observability"
	"github.com/clerkwell/docket/pkg/reasoner"
	"github.com/clerkwell/docket/pkg/verify"
	"github.com/clerkwell/docket/pkg/workflow"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// app carries the wired collaborators every subcommand needs.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	repo      *casefile.Repository
	engine    *workflow.Engine
	evidence  artifacts.Store
	logger    *slog.Logger
	telemetry *observability.Provider
}

func newApp(stderr io.Writer) (*app, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	db, dialect, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	led, err := ledger.NewStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	repo, err := casefile.NewRepository(db, led, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	r, err := buildReasoner(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var locks caselock.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("parse DOCKET_REDIS_URL: %w", err)
		}
		locks = caselock.NewRedisLocker(redis.NewClient(opts), 10*time.Minute)
	}

	var notifier notify.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, 10*time.Second)
	}

	evidence, err := artifacts.NewStoreFromEnv(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open evidence store: %w", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
	}
	telemetry, err := observability.New(context.Background(), obsCfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	engine := workflow.New(repo, r, notifier, locks, workflow.Config{
		Actor:          cfg.Actor,
		MaxAdjustments: cfg.MaxAdjustments,
		StageTimeout:   cfg.StageTimeout,
		Telemetry:      telemetry,
	}, logger)

	return &app{cfg: cfg, db: db, repo: repo, engine: engine, evidence: evidence,
		logger: logger, telemetry: telemetry}, nil
}

func (a *app) Close() {
	shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.telemetry.Shutdown(shctx)
	_ = a.db.Close()
}

func openDB(url string) (*sql.DB, ledger.Dialect, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		return db, ledger.DialectPostgres, err
	}
	db, err := sql.Open("sqlite", url)
	if err == nil {
		// modernc sqlite serializes writers; one connection avoids
		// SQLITE_BUSY under concurrent case runs.
		db.SetMaxOpenConns(1)
	}
	return db, ledger.DialectSQLite, err
}

func buildReasoner(cfg *config.Config, logger *slog.Logger) (reasoner.Reasoner, error) {
	llm, err := reasoner.NewHTTPReasoner(reasoner.HTTPConfig{
		Endpoint: cfg.ReasonerURL,
		APIKey:   cfg.ReasonerAPIKey,
		Model:    cfg.ReasonerModel,
		Timeout:  cfg.StageTimeout,
	})
	if err != nil {
		return nil, err
	}
	return reasoner.NewChain(logger,
		reasoner.Step{Name: "llm", Reasoner: reasoner.NewRateLimited(llm, 2, 4)},
		reasoner.Step{Name: "manual-fallback", Reasoner: reasoner.Static{
			Decision: casefile.DecisionRequestAdjustment,
			Analysis: "automated review unavailable; routing to manual follow-up",
		}},
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runStart(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("start", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	workflowPath := cmd.String("workflow", "", "workflow definition YAML (required)")
	contextJSON := cmd.String("context", "", "case context as a JSON object")
	noRun := cmd.Bool("no-run", false, "open the case without running any stage")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *workflowPath == "" {
		fmt.Fprintln(stderr, "Error: --workflow is required")
		return 2
	}

	def, err := workflow.LoadDefinition(*workflowPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var caseCtx map[string]interface{}
	if *contextJSON != "" {
		if err := json.Unmarshal([]byte(*contextJSON), &caseCtx); err != nil {
			fmt.Fprintf(stderr, "Error: --context is not a JSON object: %v\n", err)
			return 2
		}
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if *noRun {
		caseID, err := a.engine.NewCase(ctx, def, caseCtx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, caseID)
		return 0
	}

	caseID, err := a.engine.Start(ctx, def, caseCtx)
	if caseID != "" {
		fmt.Fprintln(stdout, caseID)
	}
	return reportRunOutcome(ctx, a, caseID, err, stdout, stderr)
}

func runResume(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	force := cmd.Bool("force", false, "reopen a rejected case, superseding its seal")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	caseID := cmd.Arg(0)
	if caseID == "" {
		fmt.Fprintln(stderr, "Usage: docket resume [--force] <case-id>")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	_, err = a.engine.Resume(ctx, caseID, *force)
	if errors.Is(err, workflow.ErrResumeOfRejectedCase) {
		fmt.Fprintln(stderr, "Case was rejected and sealed; pass --force to supersede the seal and reopen it.")
		return 1
	}
	return reportRunOutcome(ctx, a, caseID, err, stdout, stderr)
}

// reportRunOutcome prints the durable state a run left behind. A stage
// failure is reported with the case still resumable.
func reportRunOutcome(ctx context.Context, a *app, caseID string, runErr error, stdout, stderr io.Writer) int {
	if runErr != nil && !errors.Is(runErr, workflow.ErrStageFailed) {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	c, err := a.repo.GetCase(ctx, caseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "status: %s\n", c.Status)
	if c.SealHash != "" {
		fmt.Fprintf(stdout, "seal: %s\n", c.SealHash)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Stage failed: %s (resume after fixing the cause)\n", c.LastError)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "print full state as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	caseID := cmd.Arg(0)
	if caseID == "" {
		fmt.Fprintln(stderr, "Usage: docket status [--json] <case-id>")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx := context.Background()

	state, err := a.repo.GetState(ctx, caseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(state, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	c := state.Case
	fmt.Fprintf(stdout, "case:          %s\n", c.ID)
	fmt.Fprintf(stdout, "status:        %s\n", c.Status)
	fmt.Fprintf(stdout, "current stage: %s\n", c.CurrentStage)
	if c.SealHash != "" {
		fmt.Fprintf(stdout, "seal:          %s\n", c.SealHash)
	}
	if c.LastError != "" {
		fmt.Fprintf(stdout, "last error:    %s\n", c.LastError)
	}
	for _, r := range state.Results {
		fmt.Fprintf(stdout, "  %-24s attempt %d  %-20s by %s\n", r.StageID, r.Attempt, r.Decision, r.AgentID)
	}
	atts, err := a.repo.Attachments(ctx, caseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, att := range atts {
		fmt.Fprintf(stdout, "  evidence %s  %s (%d bytes)\n", att.Ref, att.Name, att.Size)
	}
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	status := cmd.String("status", "", "filter by status")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	cases, err := a.repo.ListCases(context.Background(), casefile.Status(*status))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, c := range cases {
		fmt.Fprintf(stdout, "%s  %-12s %s\n", c.ID, c.Status, c.CurrentStage)
	}
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "print reports as JSON")
	bundlePath := cmd.String("bundle", "", "verify an exported bundle file instead of the store")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if *bundlePath != "" {
		data, err := os.ReadFile(*bundlePath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		var bundle ledger.Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			fmt.Fprintf(stderr, "Error: not a bundle file: %v\n", err)
			return 1
		}
		return printReports(stdout, *jsonOut, verify.VerifyBundle(&bundle))
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx := context.Background()
	v := verify.New(a.repo).WithEvidence(a.evidence)

	if caseID := cmd.Arg(0); caseID != "" {
		report, err := v.VerifyCase(ctx, caseID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printReports(stdout, *jsonOut, report)
	}

	reports, err := v.VerifyAll(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printReports(stdout, *jsonOut, reports...)
}

func printReports(stdout io.Writer, jsonOut bool, reports ...*verify.Report) int {
	code := 0
	if jsonOut {
		data, _ := json.MarshalIndent(reports, "", "  ")
		fmt.Fprintln(stdout, string(data))
		for _, r := range reports {
			if !r.OK {
				code = 1
			}
		}
		return code
	}
	for _, r := range reports {
		fmt.Fprintf(stdout, "case %s\n", r.CaseID)
		for _, c := range r.Checks {
			mark := "ok  "
			if !c.OK {
				mark = "FAIL"
				code = 1
			}
			fmt.Fprintf(stdout, "  [%s] %-16s %s\n", mark, c.Name, c.Detail)
		}
	}
	return code
}

func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	outPath := cmd.String("out", "", "write the bundle to this file (default stdout)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	caseID := cmd.Arg(0)
	if caseID == "" {
		fmt.Fprintln(stderr, "Usage: docket export [--out file] <case-id>")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	bundle, err := a.repo.Ledger().ExportBundle(context.Background(), caseID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *outPath == "" {
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "bundle: %s (%d events, hash %s)\n", *outPath, bundle.EventCount, bundle.BundleHash)
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cancel", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	reason := cmd.String("reason", "", "why the case is being cancelled (required)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	caseID := cmd.Arg(0)
	if caseID == "" || *reason == "" {
		fmt.Fprintln(stderr, "Usage: docket cancel --reason text <case-id>")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.repo.CancelCase(context.Background(), caseID, *reason); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "cancelled: %s\n", caseID)
	return 0
}

func runAttach(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attach", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	name := cmd.String("name", "", "evidence name (default: the file's base name)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	caseID, path := cmd.Arg(0), cmd.Arg(1)
	if caseID == "" || path == "" {
		fmt.Fprintln(stderr, "Usage: docket attach [--name n] <case-id> <file>")
		return 2
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *name == "" {
		*name = filepath.Base(path)
	}

	a, err := newApp(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	ctx := context.Background()

	ref, err := a.evidence.Put(ctx, data)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	err = a.repo.AttachArtifact(ctx, caseID, casefile.Attachment{
		Ref:       ref,
		Name:      *name,
		Size:      int64(len(data)),
		MediaType: mime.TypeByExtension(filepath.Ext(path)),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, ref)
	return 0
}
