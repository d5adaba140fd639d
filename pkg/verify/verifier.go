// Package verify re-derives every integrity claim a case makes and
// reports each check individually. It trusts nothing but the bytes in
// the store: hashes are recomputed, pairings are cross-checked in both
// directions, and seals are recomputed from the chain.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/clerkwell/docket/pkg/artifacts"
	"github.com/clerkwell/docket/pkg/canonicalize"
	"github.com/clerkwell/docket/pkg/casefile"
	"github.com/clerkwell/docket/pkg/ledger"
)

// Check is one named verification with its outcome.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report collects every check for one case. OK is the conjunction; the
// verifier never stops at the first failure.
type Report struct {
	CaseID string  `json:"case_id"`
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

func (r *Report) add(name string, ok bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: ok, Detail: detail})
	if !ok {
		r.OK = false
	}
}

// Verifier audits cases against their ledger chains.
type Verifier struct {
	repo     *casefile.Repository
	evidence artifacts.Store
}

func New(repo *casefile.Repository) *Verifier {
	return &Verifier{repo: repo}
}

// WithEvidence lets the verifier confirm that attached evidence refs
// resolve to stored blobs. Without a store only the ref format is
// checked.
func (v *Verifier) WithEvidence(store artifacts.Store) *Verifier {
	v.evidence = store
	return v
}

// VerifyCase runs the full check suite for one case.
func (v *Verifier) VerifyCase(ctx context.Context, caseID string) (*Report, error) {
	c, err := v.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, err := v.repo.History(ctx, caseID)
	if err != nil {
		return nil, err
	}
	results, err := v.repo.StageResults(ctx, caseID)
	if err != nil {
		return nil, err
	}
	rec, err := v.repo.Definition(ctx, caseID)
	if err != nil {
		return nil, err
	}
	seals, err := v.repo.Ledger().Seals(ctx, caseID)
	if err != nil {
		return nil, err
	}

	report := &Report{CaseID: caseID, OK: true}
	v.checkChain(ctx, caseID, report)
	v.checkPairing(events, results, report)
	v.checkStageOrder(events, rec, report)
	v.checkSeals(c, events, seals, report)
	v.checkEvidence(ctx, events, report)
	return report, nil
}

// VerifyAll audits every case in the store.
func (v *Verifier) VerifyAll(ctx context.Context) ([]*Report, error) {
	cases, err := v.repo.ListCases(ctx, "")
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(cases))
	for _, c := range cases {
		r, err := v.VerifyCase(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (v *Verifier) checkChain(ctx context.Context, caseID string, report *Report) {
	cr, err := v.repo.Ledger().VerifyChain(ctx, caseID)
	if err != nil {
		report.add("chain_integrity", false, err.Error())
		return
	}
	if !cr.Valid {
		report.add("chain_integrity", false,
			fmt.Sprintf("broken at seq %d: %s", cr.BrokenAtSeq, cr.Reason))
		return
	}
	report.add("chain_integrity", true, fmt.Sprintf("%d events, hashes and linkage verified", cr.Length))
}

type resultEvent struct {
	StageID      string `json:"stage_id"`
	AgentID      string `json:"agent_id"`
	Decision     string `json:"decision"`
	Attempt      int    `json:"attempt"`
	AnalysisHash string `json:"analysis_hash"`
}

// checkPairing confirms the 1:1 correspondence between StageResult rows
// and stage_result_recorded events, in both directions.
func (v *Verifier) checkPairing(events []ledger.Event, results []casefile.StageResult, report *Report) {
	type key struct {
		stageID string
		attempt int
	}
	fromLedger := make(map[key]resultEvent)
	for _, e := range events {
		if e.Type != ledger.EventStageResultRecorded {
			continue
		}
		var re resultEvent
		if err := json.Unmarshal(e.Payload, &re); err != nil {
			report.add("result_pairing", false,
				fmt.Sprintf("seq %d: malformed stage_result_recorded payload: %v", e.Seq, err))
			return
		}
		fromLedger[key{re.StageID, re.Attempt}] = re
	}

	var problems []string
	seen := make(map[key]bool)
	for _, r := range results {
		k := key{r.StageID, r.Attempt}
		seen[k] = true
		re, ok := fromLedger[k]
		if !ok {
			problems = append(problems,
				fmt.Sprintf("result %s attempt %d has no ledger event", r.StageID, r.Attempt))
			continue
		}
		if re.Decision != string(r.Decision) {
			problems = append(problems,
				fmt.Sprintf("result %s attempt %d: decision %q differs from ledger %q",
					r.StageID, r.Attempt, r.Decision, re.Decision))
		}
		if re.AnalysisHash != canonicalize.HashBytes([]byte(r.Analysis)) {
			problems = append(problems,
				fmt.Sprintf("result %s attempt %d: analysis does not match its ledger hash",
					r.StageID, r.Attempt))
		}
	}
	for k := range fromLedger {
		if !seen[k] {
			problems = append(problems,
				fmt.Sprintf("ledger records %s attempt %d but no result row exists", k.stageID, k.attempt))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		report.add("result_pairing", false, strings.Join(problems, "; "))
		return
	}
	report.add("result_pairing", true,
		fmt.Sprintf("%d results paired with ledger events", len(results)))
}

// checkStageOrder confirms every stage named in the ledger belongs to
// the workflow, and that stages first appear in definition order.
// Repeats are fine: adjustments and forced resumes revisit a stage that
// already appeared.
func (v *Verifier) checkStageOrder(events []ledger.Event, rec *casefile.WorkflowRecord, report *Report) {
	pos := make(map[string]int)
	for i, id := range rec.StageIDs() {
		pos[id] = i
	}

	var problems []string
	next := 0
	seen := make(map[string]bool)
	for _, e := range events {
		var p struct {
			StageID string `json:"stage_id"`
		}
		switch e.Type {
		case ledger.EventStageResultRecorded, ledger.EventStageSkipped, ledger.EventStageFailed:
		default:
			continue
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.StageID == "" {
			problems = append(problems, fmt.Sprintf("seq %d: event names no stage", e.Seq))
			continue
		}
		i, ok := pos[p.StageID]
		if !ok {
			problems = append(problems,
				fmt.Sprintf("seq %d: stage %q is not in the workflow", e.Seq, p.StageID))
			continue
		}
		if seen[p.StageID] {
			continue
		}
		if i > next {
			problems = append(problems,
				fmt.Sprintf("seq %d: stage %q appeared before earlier stages settled", e.Seq, p.StageID))
		}
		seen[p.StageID] = true
		if i == next {
			next++
			for next < len(rec.Stages) && seen[rec.Stages[next].ID] {
				next++
			}
		}
	}

	if len(problems) > 0 {
		report.add("stage_order", false, strings.Join(problems, "; "))
		return
	}
	report.add("stage_order", true, "ledger stage order matches the workflow")
}

// checkSeals recomputes the active seal from the chain and every
// superseded seal from the chain prefix it closed.
func (v *Verifier) checkSeals(c *casefile.Case, events []ledger.Event, seals []ledger.Seal, report *Report) {
	hashes := make([]string, 0, len(events))
	for _, e := range events {
		hashes = append(hashes, e.HashSelf)
	}

	var active *ledger.Seal
	superseded := 0
	for i := range seals {
		if seals[i].Superseded {
			superseded++
			if !sealMatchesPrefix(seals[i].SealHash, hashes) {
				report.add("seal_history", false,
					fmt.Sprintf("superseded seal %s matches no chain prefix", seals[i].SealHash))
			}
			continue
		}
		active = &seals[i]
	}
	if superseded > 0 {
		report.add("seal_history", true,
			fmt.Sprintf("%d superseded seal(s) retained and anchored to the chain", superseded))
	}

	switch {
	case c.Status.Terminal():
		if active == nil {
			report.add("seal", false, "terminal case has no active seal")
			return
		}
		if want := ledger.ComputeSeal(hashes); active.SealHash != want {
			report.add("seal", false, "active seal does not match the chain")
			return
		}
		if c.SealHash != active.SealHash {
			report.add("seal", false, "case record names a different seal than the ledger")
			return
		}
		report.add("seal", true, "active seal recomputed from the chain")
	default:
		if active != nil {
			report.add("seal", false,
				fmt.Sprintf("case is %s but the chain carries an active seal", c.Status))
			return
		}
		if c.SealHash != "" {
			report.add("seal", false, "open case record carries a seal hash")
			return
		}
		report.add("seal", true, "open case, no active seal")
	}
}

// checkEvidence confirms every artifact_attached ref is well-formed
// and, when a store is wired, that its blob is still present. Cases
// without attachments produce no check.
func (v *Verifier) checkEvidence(ctx context.Context, events []ledger.Event, report *Report) {
	var problems []string
	attachments := 0
	for _, e := range events {
		if e.Type != ledger.EventArtifactAttached {
			continue
		}
		attachments++
		var a struct {
			Ref  string `json:"ref"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			problems = append(problems, fmt.Sprintf("seq %d: malformed artifact_attached payload", e.Seq))
			continue
		}
		if _, err := artifacts.ParseRef(a.Ref); err != nil {
			problems = append(problems, fmt.Sprintf("seq %d: %v", e.Seq, err))
			continue
		}
		if v.evidence == nil {
			continue
		}
		ok, err := v.evidence.Exists(ctx, a.Ref)
		if err != nil {
			problems = append(problems, fmt.Sprintf("seq %d: evidence lookup: %v", e.Seq, err))
			continue
		}
		if !ok {
			problems = append(problems,
				fmt.Sprintf("seq %d: evidence %s (%s) is missing from the store", e.Seq, a.Ref, a.Name))
		}
	}

	if attachments == 0 {
		return
	}
	if len(problems) > 0 {
		report.add("evidence", false, strings.Join(problems, "; "))
		return
	}
	report.add("evidence", true, fmt.Sprintf("%d attachment(s) resolved", attachments))
}

func sealMatchesPrefix(seal string, hashes []string) bool {
	for n := 1; n <= len(hashes); n++ {
		if ledger.ComputeSeal(hashes[:n]) == seal {
			return true
		}
	}
	return false
}

// bundleFormatConstraint accepts any 1.x export bundle.
var bundleFormatConstraint = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// VerifyBundle audits a portable export bundle without store access.
func VerifyBundle(b *ledger.Bundle) *Report {
	report := &Report{CaseID: b.CaseID, OK: true}

	ver, err := semver.NewVersion(b.FormatVersion)
	switch {
	case err != nil:
		report.add("format_version", false,
			fmt.Sprintf("unparseable format version %q", b.FormatVersion))
	case !bundleFormatConstraint.Check(ver):
		report.add("format_version", false,
			fmt.Sprintf("unsupported format version %s", b.FormatVersion))
	default:
		report.add("format_version", true, b.FormatVersion)
	}

	if err := ledger.VerifyBundle(b); err != nil {
		report.add("bundle_integrity", false, err.Error())
		return report
	}
	report.add("bundle_integrity", true,
		fmt.Sprintf("%d events, hashes, linkage and seal verified", len(b.Events)))
	return report
}
