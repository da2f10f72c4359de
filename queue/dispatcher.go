package queue

import "context"

// Dispatcher hands a job to the bus. A nil error means the bus accepted the
// job; admission treats any error as grounds for full rollback.
type Dispatcher interface {
	Dispatch(ctx context.Context, env JobEnvelope) error
}

// Result is what a worker invocation reports back to the bus layer.
type Result struct {
	ShouldRetry bool
	RetryAfter  int // seconds, advisory
}

// Handler runs one job. err is non-nil only for infrastructure failures the
// handler could not translate into a Result.
type Handler func(ctx context.Context, env JobEnvelope) (Result, error)
