package worker

import (
	"sync"

	"dlflow/internal/domain"
)

// CancelRequest is the handle returned by Cancel. It resolves when the run it
// targets reports its terminal outcome, so callers wait on Done instead of
// polling flags.
type CancelRequest struct {
	Reason string

	once    sync.Once
	done    chan struct{}
	outcome domain.Outcome
}

func NewCancelRequest(reason string) *CancelRequest {
	return &CancelRequest{Reason: reason, done: make(chan struct{})}
}

// Done is closed once the terminal outcome is known.
func (r *CancelRequest) Done() <-chan struct{} { return r.done }

// Outcome is the terminal outcome of the run. Only meaningful after Done.
func (r *CancelRequest) Outcome() domain.Outcome {
	<-r.done
	return r.outcome
}

// Resolve records the outcome and releases waiters. Later calls are ignored.
func (r *CancelRequest) Resolve(o domain.Outcome) {
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
	})
}
