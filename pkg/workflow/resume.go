package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/clerkwell/docket/pkg/casefile"
)

// ErrResumeOfRejectedCase is returned when a rejected case is resumed
// without the force flag.
var ErrResumeOfRejectedCase = errors.New("case was rejected; resume requires force")

// Resume picks a case back up from its last durable point. An open
// case that never ran starts from its first stage; a case opened with
// no-run has no other driving path. Approved cases are a no-op.
// Rejected cases refuse to resume unless force is set, in which case
// the active seal is superseded, the reopening is recorded, and the
// rejected stage deliberates again.
func (e *Engine) Resume(ctx context.Context, caseID string, force bool) (*casefile.State, error) {
	lease, err := e.locks.Acquire(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("workflow: acquire case %s: %w", caseID, err)
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	release := e.obs.TrackCase(ctx, caseID)
	defer release()

	c, err := e.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case casefile.StatusApproved:
		return e.repo.GetState(ctx, caseID)
	case casefile.StatusRejected:
		if !force {
			return nil, fmt.Errorf("%w: case %s", ErrResumeOfRejectedCase, caseID)
		}
		if err := e.repo.RecordForcedResume(ctx, caseID, e.cfg.Actor); err != nil {
			return nil, err
		}
		e.logger.Warn("forced resume of rejected case", "case_id", caseID, "actor", e.cfg.Actor)
	}

	if err := e.runLocked(ctx, caseID); err != nil {
		return nil, err
	}
	return e.repo.GetState(ctx, caseID)
}
