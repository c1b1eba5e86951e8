// Package maintenance holds the work the scheduler triggers.
package maintenance

import "context"

// Worker processes at most limit units of work and reports how many it
// processed. A non-nil error marks the run as failed; processed may still be
// non-zero for partial progress.
type Worker interface {
	Run(ctx context.Context, limit int) (processed int, err error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, limit int) (int, error)

func (f WorkerFunc) Run(ctx context.Context, limit int) (int, error) { return f(ctx, limit) }
