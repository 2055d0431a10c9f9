package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

func TestStepsRunInOrder(t *testing.T) {
	engine, _ := newTestEngine(t)

	var order []string
	err := engine.Start(context.Background(), "wf-1", func(wc *Context) error {
		for _, name := range []string{"a", "b", "c"} {
			name := name
			if err := wc.Step(name, StepOptions{}, func(ctx context.Context) error {
				order = append(order, name)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Wait(context.Background(), "wf-1"))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestReplaySkipsJournaledSteps(t *testing.T) {
	engine, store := newTestEngine(t)

	var runs int32
	body := func(fail bool) Func {
		return func(wc *Context) error {
			if err := wc.Step("prepare", StepOptions{}, func(ctx context.Context) error {
				atomic.AddInt32(&runs, 1)
				return nil
			}); err != nil {
				return err
			}
			if fail {
				return errors.New("process crash")
			}
			return wc.Step("finish", StepOptions{}, func(ctx context.Context) error { return nil })
		}
	}

	// First run completes "prepare" then dies; simulate the crash by
	// re-journaling what the run left behind.
	require.NoError(t, engine.Start(context.Background(), "wf-replay", body(true), nil))
	require.Error(t, engine.Wait(context.Background(), "wf-replay"))

	// Journal is deleted at workflow end, so restore the completed step as
	// a crash (which never reaches the delete) would have left it.
	require.NoError(t, store.PutJournalEntry("wf-replay", "step:prepare",
		[]byte(`{"completed_at":"2026-01-01T00:00:00Z"}`)))

	require.NoError(t, engine.Start(context.Background(), "wf-replay", body(false), nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-replay"))

	// "prepare" executed once per live run that reached it, but the replay
	// run skipped it.
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestStepValueRestoredOnReplay(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, store.PutJournalEntry("wf-val", "step:pick",
		[]byte(`{"result":"cached-answer","completed_at":"2026-01-01T00:00:00Z"}`)))

	var got string
	require.NoError(t, engine.Start(context.Background(), "wf-val", func(wc *Context) error {
		v, err := StepValue(wc, "pick", StepOptions{}, func(ctx context.Context) (string, error) {
			return "fresh-answer", nil
		})
		got = v
		return err
	}, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-val"))
	assert.Equal(t, "cached-answer", got)
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	engine, _ := newTestEngine(t)

	var attempts int32
	require.NoError(t, engine.Start(context.Background(), "wf-retry", func(wc *Context) error {
		return wc.Step("flaky", StepOptions{MaxAttempts: 5}, func(ctx context.Context) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-retry"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestStepExhaustsRetries(t *testing.T) {
	engine, _ := newTestEngine(t)

	var attempts int32
	require.NoError(t, engine.Start(context.Background(), "wf-exhaust", func(wc *Context) error {
		return wc.Step("doomed", StepOptions{MaxAttempts: 2}, func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("permanent-ish")
		})
	}, nil))
	err := engine.Wait(context.Background(), "wf-exhaust")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestFatalErrorNotRetried(t *testing.T) {
	engine, _ := newTestEngine(t)

	var attempts int32
	require.NoError(t, engine.Start(context.Background(), "wf-fatal", func(wc *Context) error {
		return wc.Step("fatal", StepOptions{MaxAttempts: 5}, func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return types.Fatalf("deployment already finished")
		})
	}, nil))
	err := engine.Wait(context.Background(), "wf-fatal")
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestCancelInterruptsCancellableStep(t *testing.T) {
	engine, _ := newTestEngine(t)

	started := make(chan struct{})
	require.NoError(t, engine.Start(context.Background(), "wf-cancel", func(wc *Context) error {
		return wc.Step("long", StepOptions{Cancellable: true, MaxAttempts: 1},
			func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
	}, nil))

	<-started
	engine.Cancel("wf-cancel")

	err := engine.Wait(context.Background(), "wf-cancel")
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestCancelSkipsPendingCancellableSteps(t *testing.T) {
	engine, _ := newTestEngine(t)

	var compensated bool
	require.NoError(t, engine.Start(context.Background(), "wf-skip", func(wc *Context) error {
		wc.engine.Cancel(wc.id)

		err := wc.Step("never-runs", StepOptions{Cancellable: true}, func(ctx context.Context) error {
			t.Error("cancellable step ran after cancellation")
			return nil
		})
		if !errors.Is(err, types.ErrCancelled) {
			return err
		}

		// Compensation is not cancellable and still runs.
		return wc.Step("compensate", StepOptions{}, func(ctx context.Context) error {
			compensated = true
			return nil
		})
	}, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-skip"))
	assert.True(t, compensated)
}

func TestStartCancelledDeliversSignalBeforeFirstStep(t *testing.T) {
	engine, _ := newTestEngine(t)

	var ran bool
	require.NoError(t, engine.StartCancelled(context.Background(), "wf-precancel", func(wc *Context) error {
		if !wc.CancelRequested() {
			t.Error("cancel signal was not delivered at start")
		}
		err := wc.Step("rollout", StepOptions{Cancellable: true}, func(ctx context.Context) error {
			ran = true
			return nil
		})
		if !errors.Is(err, types.ErrCancelled) {
			return err
		}
		return wc.Step("compensate", StepOptions{}, func(ctx context.Context) error { return nil })
	}, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-precancel"))
	assert.False(t, ran)
}

func TestHeartbeatTimeoutFailsAttempt(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.Start(context.Background(), "wf-hb", func(wc *Context) error {
		return wc.Step("silent", StepOptions{HeartbeatTimeout: 30 * time.Millisecond, MaxAttempts: 1},
			func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
	}, nil))
	err := engine.Wait(context.Background(), "wf-hb")
	require.Error(t, err)
	assert.ErrorIs(t, err, errHeartbeatMissed)
}

func TestHeartbeatKeepsAttemptAlive(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.Start(context.Background(), "wf-hb-ok", func(wc *Context) error {
		return wc.Step("beating", StepOptions{HeartbeatTimeout: 80 * time.Millisecond, MaxAttempts: 1},
			func(ctx context.Context) error {
				for i := 0; i < 5; i++ {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(30 * time.Millisecond):
						wc.Heartbeat()
					}
				}
				return nil
			})
	}, nil))
	assert.NoError(t, engine.Wait(context.Background(), "wf-hb-ok"))
}

func TestDuplicateStartRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	release := make(chan struct{})
	require.NoError(t, engine.Start(context.Background(), "wf-dup", func(wc *Context) error {
		<-release
		return nil
	}, nil))

	err := engine.Start(context.Background(), "wf-dup", func(wc *Context) error { return nil }, nil)
	assert.Error(t, err)

	close(release)
	require.NoError(t, engine.Wait(context.Background(), "wf-dup"))

	// The id is free again once the first run finished.
	require.NoError(t, engine.Start(context.Background(), "wf-dup", func(wc *Context) error { return nil }, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-dup"))
}

func TestJournalDeletedAfterCompletion(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.Start(context.Background(), "wf-clean", func(wc *Context) error {
		return wc.Step("only", StepOptions{}, func(ctx context.Context) error { return nil })
	}, nil))
	require.NoError(t, engine.Wait(context.Background(), "wf-clean"))

	entries, err := store.ListJournalEntries("wf-clean")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOnDoneObservesError(t *testing.T) {
	engine, _ := newTestEngine(t)

	done := make(chan error, 1)
	require.NoError(t, engine.Start(context.Background(), "wf-done", func(wc *Context) error {
		return errors.New("boom")
	}, func(err error) { done <- err }))

	select {
	case err := <-done:
		assert.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was not called")
	}
}
