package concurrent

import "context"

type Limiter interface {
	// Add blocks until a working slot is free or ctx is done.
	Add(ctx context.Context) error
	// Done releases one working slot.
	Done()
}

type limiter struct {
	working chan struct{}
}

// NewLimiter bounds concurrent work to maxConcurrency slots, at least one.
func NewLimiter(maxConcurrency int) Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &limiter{
		working: make(chan struct{}, maxConcurrency),
	}
}

func (in *limiter) Add(ctx context.Context) error {
	select {
	case in.working <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *limiter) Done() {
	<-in.working
}
