// Package workflow is a small durable-execution engine: workflows are Go
// functions whose steps journal their results into the store, so a crashed
// or restarted process replays the function and skips every step that
// already completed. Steps retry with exponential backoff, honour per-step
// timeouts and heartbeats, and can be interrupted by a cancel signal.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zane-ops/zane/pkg/types"
)

// Func is the body of a workflow. It must be deterministic between the
// journal reads: all side effects belong inside steps.
type Func func(wc *Context) error

// StepOptions tune one step's execution.
type StepOptions struct {
	// Timeout bounds one attempt (start to close). Zero means no bound.
	Timeout time.Duration
	// HeartbeatTimeout fails an attempt whose activity stops emitting
	// heartbeats for this long. Zero disables heartbeat supervision.
	HeartbeatTimeout time.Duration
	// MaxAttempts caps retries. Zero means the engine default (5).
	MaxAttempts int
	// Cancellable steps abort when the workflow receives a cancel signal.
	// Compensation steps leave this false so they run to completion even
	// during a cancellation.
	Cancellable bool
}

const defaultMaxAttempts = 5

// Context is handed to the workflow body. It is not safe for concurrent
// use; workflows are single-threaded by construction.
type Context struct {
	ctx    context.Context
	engine *Engine
	id     string

	cancelRequested chan struct{}

	// heartbeat is bumped by activities; the supervisor watches it.
	heartbeat chan struct{}
}

// Ctx returns the process-lifetime context of the workflow.
func (wc *Context) Ctx() context.Context { return wc.ctx }

// ID returns the workflow id.
func (wc *Context) ID() string { return wc.id }

// CancelRequested reports whether a cancel signal has been delivered.
func (wc *Context) CancelRequested() bool {
	select {
	case <-wc.cancelRequested:
		return true
	default:
		return false
	}
}

// CancelSignal returns a channel closed when cancellation is requested.
func (wc *Context) CancelSignal() <-chan struct{} { return wc.cancelRequested }

// Heartbeat marks the current activity as alive. Long-running activities
// call this periodically when their step declares a HeartbeatTimeout.
func (wc *Context) Heartbeat() {
	select {
	case wc.heartbeat <- struct{}{}:
	default:
	}
}

// Step runs fn once, durably: a completed step is journaled and skipped on
// replay. Retries use exponential backoff; types.FatalError and
// types.ErrCancelled are never retried.
func (wc *Context) Step(name string, opts StepOptions, fn func(ctx context.Context) error) error {
	_, err := runStep(wc, name, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// StepValue is Step for activities that produce a result. The result is
// journaled as JSON and restored verbatim on replay.
func StepValue[T any](wc *Context, name string, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	return runStep(wc, name, opts, fn)
}

type journalEntry struct {
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

func runStep[T any](wc *Context, name string, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	// Replay: a journaled step returns its recorded result without running.
	if raw, err := wc.engine.store.GetJournalEntry(wc.id, stepKey(name)); err == nil && raw != nil {
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return zero, fmt.Errorf("failed to decode journal entry %s: %w", name, err)
		}
		var result T
		if entry.Result != nil {
			if err := json.Unmarshal(entry.Result, &result); err != nil {
				return zero, fmt.Errorf("failed to decode journaled result %s: %w", name, err)
			}
		}
		return result, nil
	}

	if opts.Cancellable && wc.CancelRequested() {
		return zero, types.ErrCancelled
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	var result T
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		result, err = runAttempt(wc, opts, fn)
		if err == nil {
			return nil
		}
		if types.IsFatal(err) || errors.Is(err, types.ErrCancelled) {
			return backoff.Permanent(err)
		}
		if attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		wc.engine.logger.Warn().
			Str("workflow_id", wc.id).
			Str("step", name).
			Int("attempt", attempt).
			Err(err).
			Msg("step attempt failed, retrying")
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, wc.ctx)); err != nil {
		return zero, err
	}

	entry := journalEntry{CompletedAt: time.Now().UTC()}
	if data, err := json.Marshal(result); err == nil {
		entry.Result = data
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return zero, fmt.Errorf("failed to encode journal entry %s: %w", name, err)
	}
	if err := wc.engine.store.PutJournalEntry(wc.id, stepKey(name), data); err != nil {
		return zero, fmt.Errorf("failed to journal step %s: %w", name, err)
	}
	return result, nil
}

// runAttempt executes one attempt under the step's timeout, heartbeat
// supervision and (when cancellable) the workflow cancel signal.
func runAttempt[T any](wc *Context, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx := wc.ctx
	var cancels []context.CancelFunc
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		cancels = append(cancels, cancel)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	cancels = append(cancels, func() { cancel(nil) })

	done := make(chan struct{})
	defer close(done)

	if opts.Cancellable {
		go func() {
			select {
			case <-wc.cancelRequested:
				cancel(types.ErrCancelled)
			case <-done:
			}
		}()
	}

	if opts.HeartbeatTimeout > 0 {
		go func() {
			timer := time.NewTimer(opts.HeartbeatTimeout)
			defer timer.Stop()
			for {
				select {
				case <-wc.heartbeat:
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(opts.HeartbeatTimeout)
				case <-timer.C:
					cancel(errHeartbeatMissed)
					return
				case <-done:
					return
				}
			}
		}()
	}

	result, err := fn(ctx)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			switch {
			case errors.Is(cause, types.ErrCancelled):
				var zero T
				return zero, types.ErrCancelled
			case errors.Is(cause, errHeartbeatMissed):
				var zero T
				return zero, fmt.Errorf("%w: %s", errHeartbeatMissed, err)
			}
		}
		var zero T
		return zero, err
	}
	return result, nil
}

var errHeartbeatMissed = errors.New("heartbeat missed")

func stepKey(name string) string {
	return "step:" + name
}
