package casefile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/clerkwell/docket/pkg/canonicalize"
	"github.com/clerkwell/docket/pkg/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	seal_hash TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	workflow TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stage_results (
	case_id TEXT NOT NULL,
	stage_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	analysis TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (case_id, stage_id, attempt)
);
`

// Repository materializes case state over the same database as the
// ledger, and is the single writer for a case's projection rows.
type Repository struct {
	db      *sql.DB
	ledger  *ledger.Store
	dialect ledger.Dialect
	clock   func() time.Time
}

// NewRepository creates the repository and ensures its schema exists.
func NewRepository(db *sql.DB, led *ledger.Store, dialect ledger.Dialect) (*Repository, error) {
	r := &Repository{db: db, ledger: led, dialect: dialect, clock: time.Now}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("casefile: migrate: %w", err)
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Repository) WithClock(clock func() time.Time) *Repository {
	r.clock = clock
	return r
}

// Ledger exposes the underlying event store for read paths.
func (r *Repository) Ledger() *ledger.Store { return r.ledger }

// CreateCase opens a new case with an immutable workflow snapshot and
// appends the case_opened event in the same transaction.
func (r *Repository) CreateCase(ctx context.Context, rec WorkflowRecord) (string, error) {
	if len(rec.Stages) == 0 {
		return "", fmt.Errorf("%w: workflow has no stages", ledger.ErrInvalidEvent)
	}
	workflowJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("casefile: marshal workflow: %w", err)
	}

	caseID := uuid.New().String()
	now := r.clock().UTC()

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.dialect.Rebind(
			`INSERT INTO cases (id, status, current_stage, workflow, created_at) VALUES (?, ?, ?, ?, ?)`),
			caseID, string(StatusOpen), rec.Stages[0].ID, string(workflowJSON), now); err != nil {
			return fmt.Errorf("casefile: insert case: %w", err)
		}
		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:  ledger.EventCaseOpened,
			Actor: "workflow-engine",
			Title: "Case opened",
			Payload: map[string]interface{}{
				"workflow": rec.Name,
				"stages":   rec.StageIDs(),
				"context":  rec.Context,
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return caseID, nil
}

// GetCase returns the materialized head state of a case.
func (r *Repository) GetCase(ctx context.Context, caseID string) (*Case, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT id, status, current_stage, seal_hash, last_error, created_at, closed_at FROM cases WHERE id = ?`), caseID)
	var c Case
	var status string
	var closedAt sql.NullTime
	switch err := row.Scan(&c.ID, &status, &c.CurrentStage, &c.SealHash, &c.LastError, &c.CreatedAt, &closedAt); {
	case err == sql.ErrNoRows:
		return nil, ErrCaseNotFound
	case err != nil:
		return nil, fmt.Errorf("casefile: read case: %w", err)
	}
	c.Status = Status(status)
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return &c, nil
}

// GetState returns the case plus all stage results ordered by recording.
func (r *Repository) GetState(ctx context.Context, caseID string) (*State, error) {
	c, err := r.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	results, err := r.StageResults(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &State{Case: *c, Results: results}, nil
}

// StageResults returns every recorded stage attempt for a case.
func (r *Repository) StageResults(ctx context.Context, caseID string) ([]StageResult, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(
		`SELECT case_id, stage_id, attempt, agent_id, decision, analysis, created_at
		 FROM stage_results WHERE case_id = ? ORDER BY created_at ASC, stage_id ASC, attempt ASC`), caseID)
	if err != nil {
		return nil, fmt.Errorf("casefile: select stage results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]StageResult, 0)
	for rows.Next() {
		var sr StageResult
		var decision string
		if err := rows.Scan(&sr.CaseID, &sr.StageID, &sr.Attempt, &sr.AgentID, &decision, &sr.Analysis, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("casefile: scan stage result: %w", err)
		}
		sr.Decision = Decision(decision)
		results = append(results, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate stage results: %w", err)
	}
	return results, nil
}

// Definition restores the workflow snapshot persisted at case creation.
func (r *Repository) Definition(ctx context.Context, caseID string) (*WorkflowRecord, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT workflow FROM cases WHERE id = ?`), caseID)
	var raw string
	switch err := row.Scan(&raw); {
	case err == sql.ErrNoRows:
		return nil, ErrCaseNotFound
	case err != nil:
		return nil, fmt.Errorf("casefile: read workflow: %w", err)
	}
	var rec WorkflowRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("casefile: decode workflow: %w", err)
	}
	return &rec, nil
}

// RecordStageResult persists one stage attempt and its ledger event in a
// single transaction: either both land or neither does. The attempt
// number is assigned inside the transaction. Returns the stored result.
func (r *Repository) RecordStageResult(ctx context.Context, caseID string, res StageResult, next Transition) (*StageResult, error) {
	now := r.clock().UTC()
	stored := res
	stored.CaseID = caseID
	stored.CreatedAt = now

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, r.dialect.Rebind(
			`SELECT COALESCE(MAX(attempt), 0) FROM stage_results WHERE case_id = ? AND stage_id = ?`),
			caseID, res.StageID)
		var prev int
		if err := row.Scan(&prev); err != nil {
			return fmt.Errorf("casefile: read attempt: %w", err)
		}
		stored.Attempt = prev + 1

		if _, err := tx.ExecContext(ctx, r.dialect.Rebind(
			`INSERT INTO stage_results (case_id, stage_id, attempt, agent_id, decision, analysis, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			stored.CaseID, stored.StageID, stored.Attempt, stored.AgentID,
			string(stored.Decision), stored.Analysis, stored.CreatedAt); err != nil {
			return fmt.Errorf("casefile: insert stage result: %w", err)
		}

		if err := r.updateHead(ctx, tx, caseID, next, ""); err != nil {
			return err
		}

		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:        ledger.EventStageResultRecorded,
			Actor:       stored.AgentID,
			Title:       fmt.Sprintf("Stage %s: %s", stored.StageID, stored.Decision),
			Description: summarize(stored.Analysis),
			Payload: map[string]interface{}{
				"stage_id":      stored.StageID,
				"agent_id":      stored.AgentID,
				"decision":      string(stored.Decision),
				"attempt":       stored.Attempt,
				"analysis_hash": canonicalize.HashBytes([]byte(stored.Analysis)),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// RecordStageFailure marks the case failed after Reasoner retries are
// exhausted, with the stage_failed event in the same transaction. The
// case stays resumable.
func (r *Repository) RecordStageFailure(ctx context.Context, caseID, stageID string, attempts int, cause string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateHead(ctx, tx, caseID, Transition{Status: StatusFailed, CurrentStage: stageID}, cause); err != nil {
			return err
		}
		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:  ledger.EventStageFailed,
			Actor: "workflow-engine",
			Title: fmt.Sprintf("Stage %s failed", stageID),
			Payload: map[string]interface{}{
				"stage_id": stageID,
				"cause":    cause,
				"attempts": attempts,
			},
		})
		return err
	})
}

// RecordStageSkipped records a guard-skipped stage. No StageResult row is
// written; the ledger event alone documents the skip.
func (r *Repository) RecordStageSkipped(ctx context.Context, caseID, stageID, reason string, next Transition) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateHead(ctx, tx, caseID, next, ""); err != nil {
			return err
		}
		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:  ledger.EventStageSkipped,
			Actor: "workflow-engine",
			Title: fmt.Sprintf("Stage %s skipped", stageID),
			Payload: map[string]interface{}{
				"stage_id": stageID,
				"reason":   reason,
			},
		})
		return err
	})
}

// RecordForcedResume reopens a rejected case: the active seal is marked
// superseded (never deleted) and the forced_resume event becomes the
// explicit branch marker in the audit trail.
func (r *Repository) RecordForcedResume(ctx context.Context, caseID, actor string) error {
	c, err := r.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		superseded, err := r.ledger.SupersedeSealTx(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.dialect.Rebind(
			`UPDATE cases SET status = ?, seal_hash = '', closed_at = NULL, last_error = '' WHERE id = ?`),
			string(StatusInProgress), caseID); err != nil {
			return fmt.Errorf("casefile: reopen case: %w", err)
		}
		_, err = r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:  ledger.EventForcedResume,
			Actor: actor,
			Title: "Forced resume",
			Payload: map[string]interface{}{
				"previous_status": string(c.Status),
				"superseded_seal": superseded,
			},
		})
		return err
	})
}

// AttachArtifact records an evidence reference in the case chain. The
// blob itself lives in the artifact store; sealed cases reject the
// append like any other.
func (r *Repository) AttachArtifact(ctx context.Context, caseID string, att Attachment) error {
	actor := att.Actor
	if actor == "" {
		actor = "operator"
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:  ledger.EventArtifactAttached,
			Actor: actor,
			Title: fmt.Sprintf("Evidence attached: %s", att.Name),
			Payload: map[string]interface{}{
				"ref":        att.Ref,
				"name":       att.Name,
				"size":       att.Size,
				"media_type": att.MediaType,
			},
		})
		return err
	})
}

// Attachments derives the evidence references of a case from its
// artifact_attached events.
func (r *Repository) Attachments(ctx context.Context, caseID string) ([]Attachment, error) {
	events, err := r.ledger.Events(ctx, caseID)
	if err != nil {
		return nil, err
	}
	atts := make([]Attachment, 0)
	for _, e := range events {
		if e.Type != ledger.EventArtifactAttached {
			continue
		}
		var a Attachment
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return nil, fmt.Errorf("casefile: decode attachment at seq %d: %w", e.Seq, err)
		}
		a.Actor = e.Actor
		atts = append(atts, a)
	}
	return atts, nil
}

// CancelCase records an operator cancellation between stages.
func (r *Repository) CancelCase(ctx context.Context, caseID, reason string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateHead(ctx, tx, caseID, Transition{Status: StatusFailed}, "cancelled: "+reason); err != nil {
			return err
		}
		_, err := r.ledger.AppendTx(ctx, tx, caseID, ledger.Draft{
			Type:    ledger.EventCaseCancelled,
			Actor:   "operator",
			Title:   "Case cancelled",
			Payload: map[string]interface{}{"reason": reason},
		})
		return err
	})
}

// FinalizeCase seals the ledger chain and closes the case in one
// transaction. outcome must be terminal.
func (r *Repository) FinalizeCase(ctx context.Context, caseID string, outcome Status) (string, error) {
	if !outcome.Terminal() {
		return "", fmt.Errorf("casefile: finalize with non-terminal status %q", outcome)
	}
	var seal string
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		seal, err = r.ledger.CloseTx(ctx, tx, caseID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.dialect.Rebind(
			`UPDATE cases SET status = ?, seal_hash = ?, closed_at = ? WHERE id = ?`),
			string(outcome), seal, r.clock().UTC(), caseID)
		if err != nil {
			return fmt.Errorf("casefile: close case: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("casefile: close case: %w", err)
		}
		if n == 0 {
			return ErrCaseNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return seal, nil
}

// ListCases returns cases, optionally filtered by status.
func (r *Repository) ListCases(ctx context.Context, status Status) ([]Case, error) {
	query := `SELECT id, status, current_stage, seal_hash, last_error, created_at, closed_at FROM cases`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("casefile: list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cases := make([]Case, 0)
	for rows.Next() {
		var c Case
		var st string
		var closedAt sql.NullTime
		if err := rows.Scan(&c.ID, &st, &c.CurrentStage, &c.SealHash, &c.LastError, &c.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("casefile: scan case: %w", err)
		}
		c.Status = Status(st)
		if closedAt.Valid {
			t := closedAt.Time
			c.ClosedAt = &t
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate cases: %w", err)
	}
	return cases, nil
}

// History returns the ordered ledger events of a case.
func (r *Repository) History(ctx context.Context, caseID string) ([]ledger.Event, error) {
	return r.ledger.Events(ctx, caseID)
}

// SkippedStages derives the set of guard-skipped stage ids from the ledger.
func (r *Repository) SkippedStages(ctx context.Context, caseID string) (map[string]bool, error) {
	events, err := r.ledger.Events(ctx, caseID)
	if err != nil {
		return nil, err
	}
	skipped := make(map[string]bool)
	for _, e := range events {
		if e.Type != ledger.EventStageSkipped {
			continue
		}
		var p struct {
			StageID string `json:"stage_id"`
		}
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.StageID != "" {
			skipped[p.StageID] = true
		}
	}
	return skipped, nil
}

func (r *Repository) updateHead(ctx context.Context, tx *sql.Tx, caseID string, next Transition, lastError string) error {
	query := `UPDATE cases SET status = ?, last_error = ?`
	args := []interface{}{string(next.Status), lastError}
	if next.CurrentStage != "" {
		query += `, current_stage = ?`
		args = append(args, next.CurrentStage)
	}
	query += ` WHERE id = ?`
	args = append(args, caseID)

	res, err := tx.ExecContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("casefile: update case head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("casefile: update case head: %w", err)
	}
	if n == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("casefile: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("casefile: commit: %w", err)
	}
	return nil
}

func summarize(analysis string) string {
	const max = 240
	if len(analysis) <= max {
		return analysis
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(analysis[cut]) {
		cut--
	}
	return analysis[:cut] + "…"
}
