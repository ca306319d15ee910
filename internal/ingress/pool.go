package ingress

import (
	"context"
	"errors"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/store"
)

var errPoolClosed = errors.New("worker pool stopped")

type job struct {
	inv store.Invocation

	// done is closed when a synchronous caller may read the outcome.
	done chan struct{}
}

// pool is a fixed set of workers draining a bounded queue.
type pool struct {
	kind    catalog.Kind
	workers int
	jobs    chan job
}

func newPool(kind catalog.Kind, workers, queueSize int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{kind: kind, workers: workers, jobs: make(chan job, queueSize)}
}

// saturated reports whether the queue is full. Used to shed load before an
// invocation is claimed.
func (p *pool) saturated() bool {
	return len(p.jobs) >= cap(p.jobs)
}

func (p *pool) submit(ctx context.Context, j job) error {
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return errPoolClosed
	}
}

func (p *pool) work(ctx context.Context, execute func(context.Context, job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			execute(ctx, j)
		}
	}
}
