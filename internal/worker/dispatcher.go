package worker

import (
	"context"
	"sync"
)

// Runner is a long-lived consumer loop.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of runners.
type Dispatcher struct {
	runners []Runner
}

// NewDispatcher creates a Dispatcher over the given runners.
func NewDispatcher(runners ...Runner) *Dispatcher {
	return &Dispatcher{runners: runners}
}

// Pool returns n copies of the same runner for fan-out.
func Pool(r Runner, n int) []Runner {
	if n < 1 {
		n = 1
	}
	out := make([]Runner, n)
	for i := range out {
		out[i] = r
	}
	return out
}

// Run starts all runners and blocks until the context finishes and every
// runner has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}
