package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner executes one probe under its spec's deadline.
//
// The deadline is enforced here with a select on the context, independent of
// whatever timeout support the executor's transport has. An executor that
// ignores its context is abandoned at the deadline; its goroutine finishes in
// the background and its late result is dropped.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a probe runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

type execResult struct {
	payload json.RawMessage
	err     error
}

// Run executes exec for spec and always returns an Outcome. No error or panic escapes.
func (r *Runner) Run(ctx context.Context, exec Executor, spec Spec) Outcome {
	started := time.Now()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned executor can still deliver and exit.
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- execResult{err: Unexpected("probe panicked: %v", rec)}
			}
		}()
		payload, err := exec.Execute(ctx, spec.Target)
		done <- execResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// A transport may surface its own error for a context we cancelled.
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return failed(spec, started, timeoutFailure(timeout))
			}
			return failed(spec, started, Classify(res.err))
		}
		if len(res.payload) == 0 {
			return failed(spec, started, Unexpected("%s returned no payload", exec.Type()))
		}
		return succeeded(spec, started, res.payload)

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed(spec, started, timeoutFailure(timeout))
		}
		return failed(spec, started, Unexpected("probe cancelled: %v", ctx.Err()))
	}
}

func timeoutFailure(timeout time.Duration) *Failure {
	return &Failure{
		Kind:   FailureTimeout,
		Detail: fmt.Sprintf("no result within %s", timeout),
	}
}
