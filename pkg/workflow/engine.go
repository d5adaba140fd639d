// Package workflow drives a case through its ordered review stages.
//
// The engine owns no state of its own: everything it needs to decide the
// next step is reconstructed from the case repository, which makes every
// run — first run or resume after a crash — the same code path.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clerkwell/docket/pkg/casefile"
	"github.com/clerkwell/docket/pkg/caselock"
	"github.com/clerkwell/docket/pkg/notify"
	"github.com/clerkwell/docket/pkg/observability"
	"github.com/clerkwell/docket/pkg/reasoner"
	"github.com/clerkwell/docket/pkg/workflow/retry"
)

// ErrStageFailed is returned by Run when a stage exhausted its retries
// and the case was durably marked failed. The case remains resumable.
var ErrStageFailed = errors.New("stage failed; case marked failed")

// Config tunes one engine instance. Zero values take defaults.
type Config struct {
	// Actor names the engine in forced-resume events.
	Actor string
	// MaxAdjustments bounds the request_adjustment loop per stage.
	MaxAdjustments int
	// StageTimeout bounds one Reasoner call.
	StageTimeout time.Duration
	// Retry bounds Reasoner failure retries within one stage.
	Retry retry.Policy
	// Telemetry receives case and stage spans and metrics.
	Telemetry *observability.Provider
}

func (c Config) withDefaults() Config {
	if c.Actor == "" {
		c.Actor = "workflow-engine"
	}
	if c.MaxAdjustments <= 0 {
		c.MaxAdjustments = 3
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.Telemetry == nil {
		c.Telemetry = &observability.Provider{}
	}
	return c
}

// Engine executes deliberation workflows over the case repository.
type Engine struct {
	repo     *casefile.Repository
	reasoner reasoner.Reasoner
	notifier notify.Notifier
	locks    caselock.Locker
	cfg      Config
	logger   *slog.Logger
	obs      *observability.Provider
	sleep    func(ctx context.Context, d time.Duration) error
}

// New assembles an engine. All collaborators are required except the
// notifier, which defaults to logging.
func New(repo *casefile.Repository, r reasoner.Reasoner, n notify.Notifier, locks caselock.Locker, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.NewLogNotifier(logger)
	}
	if locks == nil {
		locks = caselock.NewKeyedMutex()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		repo:     repo,
		reasoner: r,
		notifier: n,
		locks:    locks,
		cfg:      cfg,
		logger:   logger,
		obs:      cfg.Telemetry,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewCase opens a case for the definition without running any stage.
func (e *Engine) NewCase(ctx context.Context, def *Definition, caseCtx map[string]interface{}) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	rec, err := def.Record(caseCtx)
	if err != nil {
		return "", err
	}
	return e.repo.CreateCase(ctx, rec)
}

// Start opens a case and runs it to its next resting point: a terminal
// status, a recorded failure, or cancellation.
func (e *Engine) Start(ctx context.Context, def *Definition, caseCtx map[string]interface{}) (string, error) {
	caseID, err := e.NewCase(ctx, def, caseCtx)
	if err != nil {
		return "", err
	}
	return caseID, e.Run(ctx, caseID)
}

// Run drives a case from its first pending stage. It is idempotent:
// completed stages are never re-executed and nothing is appended when
// there is no work left.
func (e *Engine) Run(ctx context.Context, caseID string) error {
	lease, err := e.locks.Acquire(ctx, caseID)
	if err != nil {
		return fmt.Errorf("workflow: acquire case %s: %w", caseID, err)
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	release := e.obs.TrackCase(ctx, caseID)
	defer release()

	return e.runLocked(ctx, caseID)
}

func (e *Engine) runLocked(ctx context.Context, caseID string) error {
	rec, err := e.repo.Definition(ctx, caseID)
	if err != nil {
		return err
	}
	def, err := DefinitionFromRecord(rec)
	if err != nil {
		return err
	}
	state, err := e.repo.GetState(ctx, caseID)
	if err != nil {
		return err
	}

	if state.Case.Status.Terminal() {
		// Closed cases are a no-op; a terminal status without a seal
		// means the process died between recording and sealing.
		if state.Case.SealHash == "" {
			_, err := e.repo.FinalizeCase(ctx, caseID, state.Case.Status)
			return err
		}
		return nil
	}

	skipped, err := e.repo.SkippedStages(ctx, caseID)
	if err != nil {
		return err
	}
	latest := latestResults(state.Results)

	for idx, stage := range def.Stages {
		if r, ok := latest[stage.ID]; ok && r.Decision == casefile.DecisionApprove {
			continue
		}
		if skipped[stage.ID] {
			continue
		}
		return e.advance(ctx, caseID, def, rec, idx, latest, skipped)
	}

	// Every stage already settled; only the closure is missing.
	_, err = e.repo.FinalizeCase(ctx, caseID, casefile.StatusApproved)
	return err
}

// advance executes stages from index idx onward.
func (e *Engine) advance(ctx context.Context, caseID string, def *Definition, rec *casefile.WorkflowRecord, idx int, latest map[string]casefile.StageResult, skipped map[string]bool) error {
	for i := idx; i < len(def.Stages); i++ {
		// Cancellation is only honored between stages; a stage that
		// started either records durably or records nothing.
		if err := ctx.Err(); err != nil {
			return err
		}

		stage := def.Stages[i]
		if r, ok := latest[stage.ID]; ok && r.Decision == casefile.DecisionApprove {
			continue
		}
		if skipped[stage.ID] {
			continue
		}

		if g := def.Guard(stage.ID); g != nil {
			applies, err := g.Eval(stage.ID, rec.Context)
			if err != nil {
				if ferr := e.repo.RecordStageFailure(ctx, caseID, stage.ID, 0, fmt.Sprintf("guard: %v", err)); ferr != nil {
					return ferr
				}
				return fmt.Errorf("%w: stage %s guard", ErrStageFailed, stage.ID)
			}
			if !applies {
				if err := e.repo.RecordStageSkipped(ctx, caseID, stage.ID, "guard: "+g.Expr(),
					e.transitionAfter(def, i)); err != nil {
					return err
				}
				skipped[stage.ID] = true
				continue
			}
		}

		done, err := e.executeStage(ctx, caseID, def, rec, i, latest)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	_, err := e.repo.FinalizeCase(ctx, caseID, casefile.StatusApproved)
	return err
}

// executeStage runs one stage to a recorded decision. Returns done=true
// when the case reached a terminal status.
func (e *Engine) executeStage(ctx context.Context, caseID string, def *Definition, rec *casefile.WorkflowRecord, idx int, latest map[string]casefile.StageResult) (done bool, retErr error) {
	stage := def.Stages[idx]

	ctx, finish := e.obs.TrackStage(ctx, caseID, stage.ID)
	defer func() { finish(retErr) }()

	maxAdjustments := e.cfg.MaxAdjustments
	if stage.MaxAdjustments > 0 {
		maxAdjustments = stage.MaxAdjustments
	}
	adjustments := countAdjustments(latest, stage.ID)

	req := reasoner.Request{
		CaseID:  caseID,
		StageID: stage.ID,
		AgentID: stage.Agent,
		Context: rec.Context,
		Prior:   e.priorAnalyses(def, latest),
	}

	for {
		res, attempts, err := e.invoke(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-flight: the stage stays pending with no
				// partial result, safe to resume.
				return true, ctx.Err()
			}
			cause := fmt.Sprintf("reasoner exhausted after %d attempts: %v", attempts, err)
			e.logger.Error("stage failed", "case_id", caseID, "stage_id", stage.ID, "cause", cause)
			if ferr := e.repo.RecordStageFailure(ctx, caseID, stage.ID, attempts, cause); ferr != nil {
				return true, ferr
			}
			return true, fmt.Errorf("%w: stage %s", ErrStageFailed, stage.ID)
		}
		if res.Grade == reasoner.GradeDegraded {
			e.logger.Warn("stage decided by degraded strategy",
				"case_id", caseID, "stage_id", stage.ID, "strategy", res.Strategy)
		}

		decision := res.Decision
		if decision == casefile.DecisionPending {
			// A reasoner that cannot decide is handled like an
			// adjustment request: bounded re-deliberation.
			decision = casefile.DecisionRequestAdjustment
		}

		switch decision {
		case casefile.DecisionApprove:
			last := idx == len(def.Stages)-1
			transition := casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: stage.ID}
			if !last {
				transition.CurrentStage = def.Stages[idx+1].ID
			}
			stored, err := e.repo.RecordStageResult(ctx, caseID, casefile.StageResult{
				StageID: stage.ID, AgentID: stage.Agent, Decision: casefile.DecisionApprove, Analysis: res.Analysis,
			}, transition)
			if err != nil {
				return true, err
			}
			latest[stage.ID] = *stored
			if last {
				_, err := e.repo.FinalizeCase(ctx, caseID, casefile.StatusApproved)
				return true, err
			}
			// Durably committed; hand off to the next stage's party on a
			// best-effort side channel.
			e.notifyNext(ctx, caseID, def.Stages[idx+1])
			return false, nil

		case casefile.DecisionReject:
			// Reject short-circuits every remaining stage.
			if _, err := e.repo.RecordStageResult(ctx, caseID, casefile.StageResult{
				StageID: stage.ID, AgentID: stage.Agent, Decision: casefile.DecisionReject, Analysis: res.Analysis,
			}, casefile.Transition{Status: casefile.StatusRejected, CurrentStage: stage.ID}); err != nil {
				return true, err
			}
			_, err := e.repo.FinalizeCase(ctx, caseID, casefile.StatusRejected)
			return true, err

		case casefile.DecisionRequestAdjustment:
			stored, err := e.repo.RecordStageResult(ctx, caseID, casefile.StageResult{
				StageID: stage.ID, AgentID: stage.Agent, Decision: casefile.DecisionRequestAdjustment, Analysis: res.Analysis,
			}, casefile.Transition{Status: casefile.StatusInProgress, CurrentStage: stage.ID})
			if err != nil {
				return true, err
			}
			latest[stage.ID] = *stored
			adjustments++
			if adjustments >= maxAdjustments {
				cause := fmt.Sprintf("adjustment limit reached (%d)", maxAdjustments)
				if ferr := e.repo.RecordStageFailure(ctx, caseID, stage.ID, adjustments, cause); ferr != nil {
					return true, ferr
				}
				return true, fmt.Errorf("%w: stage %s", ErrStageFailed, stage.ID)
			}
			// Re-deliberate with the accumulated analysis in context.
			req.Prior = append(req.Prior, reasoner.PriorAnalysis{
				StageID: stage.ID, Decision: casefile.DecisionRequestAdjustment, Analysis: res.Analysis,
			})
			continue

		default:
			return true, fmt.Errorf("workflow: unreachable decision %q", decision)
		}
	}
}

// invoke calls the Reasoner with per-call timeout and bounded retries.
func (e *Engine) invoke(ctx context.Context, req reasoner.Request) (*reasoner.Result, int, error) {
	p := e.cfg.Retry
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(retry.Attempt{CaseID: req.CaseID, StageID: req.StageID, Index: attempt - 1}, p)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, attempt, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		res, err := e.reasoner.Evaluate(callCtx, req)
		cancel()
		if err == nil {
			return res, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return nil, attempt + 1, ctx.Err()
		}
		lastErr = err
		e.logger.Warn("reasoner attempt failed",
			"case_id", req.CaseID, "stage_id", req.StageID, "attempt", attempt+1, "error", err)
	}
	return nil, p.MaxAttempts, lastErr
}

func (e *Engine) notifyNext(ctx context.Context, caseID string, next Stage) {
	nctx := context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(nctx, 15*time.Second)
		defer cancel()
		err := e.notifier.Notify(nctx, notify.Message{
			To:      next.Agent,
			Subject: fmt.Sprintf("Case %s awaits stage %s", caseID, next.ID),
			Body:    fmt.Sprintf("The previous stage approved; stage %s is ready for review.", next.ID),
			CaseID:  caseID,
		})
		if err != nil {
			// Best effort only: the ledger, not the notification, is the
			// source of truth.
			e.logger.Warn("notification failed", "case_id", caseID, "to", next.Agent, "error", err)
		}
	}()
}

func (e *Engine) transitionAfter(def *Definition, idx int) casefile.Transition {
	t := casefile.Transition{Status: casefile.StatusInProgress}
	if idx < len(def.Stages)-1 {
		t.CurrentStage = def.Stages[idx+1].ID
	} else {
		t.CurrentStage = def.Stages[idx].ID
	}
	return t
}

// priorAnalyses collects the latest settled analysis of each earlier stage.
func (e *Engine) priorAnalyses(def *Definition, latest map[string]casefile.StageResult) []reasoner.PriorAnalysis {
	var prior []reasoner.PriorAnalysis
	for _, s := range def.Stages {
		if r, ok := latest[s.ID]; ok {
			prior = append(prior, reasoner.PriorAnalysis{
				StageID: s.ID, Decision: r.Decision, Analysis: r.Analysis,
			})
		}
	}
	return prior
}

// latestResults reduces the attempt history to the newest result per stage.
func latestResults(results []casefile.StageResult) map[string]casefile.StageResult {
	latest := make(map[string]casefile.StageResult)
	for _, r := range results {
		if cur, ok := latest[r.StageID]; !ok || r.Attempt > cur.Attempt {
			latest[r.StageID] = r
		}
	}
	return latest
}

func countAdjustments(latest map[string]casefile.StageResult, stageID string) int {
	// The latest map collapses attempts; adjustment continuity across a
	// resume is recovered from the attempt counter itself.
	if r, ok := latest[stageID]; ok && r.Decision == casefile.DecisionRequestAdjustment {
		return r.Attempt
	}
	return 0
}
