// Package reasoner defines the external collaborator that produces a
// stage's decision and rationale, and the fallback machinery around it.
//
// The engine never sees which backend answered; it sees a typed Result
// whose Grade distinguishes a first-choice answer from a degraded
// fallback, and a typed error when every strategy is exhausted.
package reasoner

import (
	"context"
	"errors"

	"github.com/clerkwell/docket/pkg/casefile"
)

// ErrUnavailable is returned when no strategy produced a usable result.
var ErrUnavailable = errors.New("reasoner unavailable")

// Grade records how the result was obtained.
type Grade string

const (
	// GradeSuccess: the primary strategy answered.
	GradeSuccess Grade = "success"
	// GradeDegraded: a fallback strategy answered after the primary failed.
	GradeDegraded Grade = "degraded"
)

// PriorAnalysis carries one earlier stage outcome into the next request.
type PriorAnalysis struct {
	StageID  string            `json:"stage_id"`
	Decision casefile.Decision `json:"decision"`
	Analysis string            `json:"analysis"`
}

// Request is the stage context handed to a Reasoner.
type Request struct {
	CaseID  string                 `json:"case_id"`
	StageID string                 `json:"stage_id"`
	AgentID string                 `json:"agent_id"`
	Context map[string]interface{} `json:"context,omitempty"`
	Prior   []PriorAnalysis        `json:"prior,omitempty"`
}

// Result is a stage decision with its rationale.
type Result struct {
	Decision casefile.Decision      `json:"decision"`
	Analysis string                 `json:"analysis"`
	Findings map[string]interface{} `json:"findings,omitempty"`
	Grade    Grade                  `json:"grade"`
	Strategy string                 `json:"strategy,omitempty"`
}

// Reasoner produces a decision for one stage of a case.
type Reasoner interface {
	Evaluate(ctx context.Context, req Request) (*Result, error)
}

// ValidDecision reports whether a decision string is one the workflow
// accepts from a Reasoner.
func ValidDecision(d casefile.Decision) bool {
	switch d {
	case casefile.DecisionApprove, casefile.DecisionReject,
		casefile.DecisionRequestAdjustment, casefile.DecisionPending:
		return true
	}
	return false
}
