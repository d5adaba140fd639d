package workflow

import (
	"context"
	"errors"
	"sync"
)

// Runner executes case runs with a bounded level of concurrency. It
// exists for batch resumption: a restarted service re-submits every
// unfinished case without stampeding the reasoner.
type Runner struct {
	engine *Engine
	sem    chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewRunner bounds concurrent runs to size. Size below one means one.
func NewRunner(engine *Engine, size int) *Runner {
	if size < 1 {
		size = 1
	}
	return &Runner{
		engine: engine,
		sem:    make(chan struct{}, size),
	}
}

// Submit schedules a run of caseID. It blocks only while the pool is
// saturated and the context is live.
func (r *Runner) Submit(ctx context.Context, caseID string) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		if err := r.engine.Run(ctx, caseID); err != nil {
			r.record(err)
		}
	}()
	return nil
}

// StartCase opens a case and schedules its first run.
func (r *Runner) StartCase(ctx context.Context, def *Definition, caseCtx map[string]interface{}) (string, error) {
	caseID, err := r.engine.NewCase(ctx, def, caseCtx)
	if err != nil {
		return "", err
	}
	return caseID, r.Submit(ctx, caseID)
}

// Wait blocks until every submitted run finished and returns their
// errors joined, nil when all succeeded.
func (r *Runner) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Runner) record(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
