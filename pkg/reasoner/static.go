package reasoner

import (
	"context"

	"github.com/clerkwell/docket/pkg/casefile"
)

// Static always answers with a fixed decision. It serves as the terminal
// fallback of a chain (a deliberate, visible "no model available" answer)
// and as a deterministic stand-in for tests.
type Static struct {
	Decision casefile.Decision
	Analysis string
}

func (s Static) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	analysis := s.Analysis
	if analysis == "" {
		analysis = "automated review unavailable; deferred to manual follow-up"
	}
	return &Result{Decision: s.Decision, Analysis: analysis}, nil
}
