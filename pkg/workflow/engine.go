package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/storage"
)

// Engine runs workflows. One engine per process; workflow ids are globally
// unique and at most one run per id is live at a time.
type Engine struct {
	store  storage.Store
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run

	wg sync.WaitGroup
}

type run struct {
	cancelRequested chan struct{}
	cancelOnce      sync.Once
	done            chan struct{}
	err             error
}

// NewEngine builds an engine over the given store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:  store,
		logger: log.WithComponent("workflow"),
		runs:   make(map[string]*run),
	}
}

// Start launches (or resumes) the workflow in a goroutine. Starting an id
// that is already live is an error; starting an id whose journal survives
// a crash replays it, skipping completed steps. The onDone callback, if
// non-nil, observes the terminal error after the journal is deleted.
func (e *Engine) Start(ctx context.Context, id string, fn Func, onDone func(err error)) error {
	return e.start(ctx, id, fn, onDone, false)
}

// StartCancelled is Start with the cancel signal already delivered. The
// signal is process state, so a workflow that was cancelled before a crash
// must have it re-delivered on resume, and it has to be in place before the
// replayed body reaches its first cancellation check.
func (e *Engine) StartCancelled(ctx context.Context, id string, fn Func, onDone func(err error)) error {
	return e.start(ctx, id, fn, onDone, true)
}

func (e *Engine) start(ctx context.Context, id string, fn Func, onDone func(err error), cancelled bool) error {
	e.mu.Lock()
	if _, live := e.runs[id]; live {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s is already running", id)
	}
	r := &run{
		cancelRequested: make(chan struct{}),
		done:            make(chan struct{}),
	}
	if cancelled {
		r.cancelOnce.Do(func() { close(r.cancelRequested) })
	}
	e.runs[id] = r
	e.mu.Unlock()

	wc := &Context{
		ctx:             ctx,
		engine:          e,
		id:              id,
		cancelRequested: r.cancelRequested,
		heartbeat:       make(chan struct{}, 1),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := fn(wc)
		if err != nil {
			e.logger.Error().Str("workflow_id", id).Err(err).Msg("workflow finished with error")
		} else {
			e.logger.Debug().Str("workflow_id", id).Msg("workflow finished")
		}

		// The journal only serves replay of an interrupted run.
		if jerr := e.store.DeleteJournal(id); jerr != nil {
			e.logger.Warn().Str("workflow_id", id).Err(jerr).Msg("failed to delete workflow journal")
		}

		e.mu.Lock()
		r.err = err
		delete(e.runs, id)
		e.mu.Unlock()
		close(r.done)

		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// Cancel delivers the cancel signal to a live workflow. Unknown ids are a
// no-op so callers can cancel optimistically.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	r.cancelOnce.Do(func() { close(r.cancelRequested) })
}

// IsRunning reports whether the workflow id is live.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// Wait blocks until the workflow finishes and returns its terminal error.
// A workflow that is not live returns immediately with nil.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for every live workflow to finish.
func (e *Engine) Shutdown() {
	e.wg.Wait()
}
