package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Step is one named strategy in a fallback chain.
type Step struct {
	Name     string
	Reasoner Reasoner
}

// Chain tries an ordered list of strategies and returns the first usable
// result. An answer from any step after the first is marked Degraded so
// a fallback can never masquerade as a first-choice analysis.
type Chain struct {
	steps  []Step
	logger *slog.Logger
}

// NewChain builds a fallback chain. At least one step is required.
func NewChain(logger *slog.Logger, steps ...Step) (*Chain, error) {
	if len(steps) == 0 {
		return nil, errors.New("reasoner: chain needs at least one step")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{steps: steps, logger: logger}, nil
}

func (c *Chain) Evaluate(ctx context.Context, req Request) (*Result, error) {
	var lastErr error
	for i, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := step.Reasoner.Evaluate(ctx, req)
		if err != nil {
			// Cancellation propagates; it is not a strategy failure.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			c.logger.Warn("reasoner strategy failed",
				"strategy", step.Name, "case_id", req.CaseID, "stage_id", req.StageID, "error", err)
			lastErr = err
			continue
		}
		if !ValidDecision(res.Decision) {
			c.logger.Warn("reasoner strategy returned malformed decision",
				"strategy", step.Name, "decision", res.Decision)
			lastErr = fmt.Errorf("strategy %s: malformed decision %q", step.Name, res.Decision)
			continue
		}
		res.Strategy = step.Name
		if i == 0 {
			res.Grade = GradeSuccess
		} else {
			res.Grade = GradeDegraded
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: all %d strategies failed: %v", ErrUnavailable, len(c.steps), lastErr)
}
