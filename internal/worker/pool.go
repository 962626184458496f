package worker

import (
	"context"
	"sync"

	"dlflow/internal/domain"
	"dlflow/internal/handlers/shell"
)

// Runner is the scheduler's handle on a live run.
type Runner interface {
	Cancel(reason string) *CancelRequest
}

// Pool starts supervisors, one goroutine each, and tracks them so shutdown
// can wait for every run to report.
type Pool struct {
	opts Options
	wg   sync.WaitGroup
}

func NewPool(opts Options) *Pool {
	if opts.Hook == nil {
		opts.Hook = shell.Hook{}
	}
	return &Pool{opts: opts.withDefaults()}
}

// Start launches a run for the task in the background. The params value is
// copied, so later edits to the task never reach the running process.
func (p *Pool) Start(ctx context.Context, taskID, url string, params domain.Params, emit func(Event)) Runner {
	s := NewSupervisor(taskID, url, params, p.opts)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.Run(ctx, emit)
	}()
	return s
}

// Wait blocks until every started run has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
