// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/storage/memory"
	"github.com/tombee/durable/pkg/errors"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	t     *testing.T
	store storage.Store
	queue *queue.Memory
	eng   *Engine
}

func newHarness(t *testing.T, reg *Registry) *harness {
	t.Helper()

	store := memory.New()
	q := queue.NewMemory(log.New(&log.Config{Level: "error", Output: io.Discard}))

	eng, err := New(Config{
		Store:        store,
		Queue:        q,
		Codec:        serial.NewJSONCodec(),
		Registry:     reg,
		DeploymentID: "test-deploy",
		Logger:       log.New(&log.Config{Level: "error", Output: io.Discard}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = q.Close()
		_ = store.Close()
	})
	return &harness{t: t, store: store, queue: q, eng: eng}
}

func (h *harness) awaitStatus(runID string, status storage.RunStatus) *storage.Run {
	h.t.Helper()
	var run *storage.Run
	require.Eventually(h.t, func() bool {
		r, err := h.store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == status
	}, waitFor, tick, "run %s never reached status %s", runID, status)
	return run
}

func (h *harness) awaitHook(token string) *storage.Hook {
	h.t.Helper()
	var hook *storage.Hook
	require.Eventually(h.t, func() bool {
		hk, err := h.store.GetHookByToken(context.Background(), token)
		if err != nil {
			return false
		}
		hook = hk
		return true
	}, waitFor, tick, "hook %s never appeared", token)
	return hook
}

func TestRunCompletesWithoutSteps(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("greet", func(wctx *RunContext, input any) (any, error) {
		in := input.(map[string]any)
		return map[string]any{"greeting": "hello, " + in["name"].(string)}, nil
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "test-deploy", run.DeploymentID)
	assert.Equal(t, storage.CurrentSpecVersion, run.SpecVersion)

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `{"greeting":"hello, ada"}`, string(done.Output))
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestStartRunRejectsUnknownWorkflow(t *testing.T) {
	h := newHarness(t, NewRegistry())

	_, err := h.eng.StartRun(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStepsExecuteOnceAcrossReplays(t *testing.T) {
	var chargeCalls, emailCalls atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("charge", func(ctx context.Context, input any) (any, error) {
		chargeCalls.Add(1)
		in := input.(map[string]any)
		return map[string]any{"charged": in["amount"]}, nil
	}, nil))
	require.NoError(t, reg.RegisterStep("email", func(ctx context.Context, input any) (any, error) {
		emailCalls.Add(1)
		return "sent", nil
	}, nil))
	require.NoError(t, reg.RegisterWorkflow("order", func(wctx *RunContext, input any) (any, error) {
		charged, err := wctx.Step("charge", map[string]any{"amount": 42})
		if err != nil {
			return nil, err
		}
		receipt, err := wctx.Step("email", charged)
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipt": receipt}, nil
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "order", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `{"receipt":"sent"}`, string(done.Output))

	// Each step body ran exactly once even though the workflow body was
	// replayed for every wake-up.
	assert.Equal(t, int32(1), chargeCalls.Load())
	assert.Equal(t, int32(1), emailCalls.Load())

	charge, err := h.store.GetStep(context.Background(), run.ID, "charge/0")
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusCompleted, charge.Status)
	assert.Equal(t, 1, charge.Attempt)
	assert.JSONEq(t, `{"charged":42}`, string(charge.Output))
}

func TestRepeatedStepNamesGetDistinctCorrelations(t *testing.T) {
	var calls atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("fetch", func(ctx context.Context, input any) (any, error) {
		n := calls.Add(1)
		return fmt.Sprintf("page-%d", n), nil
	}, nil))
	require.NoError(t, reg.RegisterWorkflow("crawl", func(wctx *RunContext, input any) (any, error) {
		first, err := wctx.Step("fetch", nil)
		if err != nil {
			return nil, err
		}
		second, err := wctx.Step("fetch", nil)
		if err != nil {
			return nil, err
		}
		return []any{first, second}, nil
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "crawl", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `["page-1","page-2"]`, string(done.Output))
	assert.Equal(t, int32(2), calls.Load())

	for _, id := range []string{"fetch/0", "fetch/1"} {
		step, err := h.store.GetStep(context.Background(), run.ID, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StepStatusCompleted, step.Status)
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("flaky", func(ctx context.Context, input any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient failure")
		}
		return "ok", nil
	}, nil))
	require.NoError(t, reg.RegisterWorkflow("resilient", func(wctx *RunContext, input any) (any, error) {
		return wctx.Step("flaky", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "resilient", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `"ok"`, string(done.Output))
	assert.Equal(t, int32(2), calls.Load())

	step, err := h.store.GetStep(context.Background(), run.ID, "flaky/0")
	require.NoError(t, err)
	assert.Equal(t, 2, step.Attempt)

	// The retry left a step_retrying event behind.
	events, err := h.store.ListEventsByCorrelation(context.Background(), "flaky/0", storage.SortAsc, storage.PageRequest{Limit: 50})
	require.NoError(t, err)
	var types []storage.EventType
	for _, ev := range events.Items {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, storage.EventStepRetrying)
}

func TestStepRetriesExhaustedFailsRun(t *testing.T) {
	noRetries := 0

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("doomed", func(ctx context.Context, input any) (any, error) {
		return nil, fmt.Errorf("permanent failure")
	}, &StepOptions{MaxRetries: &noRetries}))
	require.NoError(t, reg.RegisterWorkflow("fragile", func(wctx *RunContext, input any) (any, error) {
		return wctx.Step("doomed", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "fragile", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, done.Error.Message, "doomed")

	step, err := h.store.GetStep(context.Background(), run.ID, "doomed/0")
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusFailed, step.Status)
	assert.Equal(t, 1, step.Attempt)
}

func TestStepExhaustionReportsRetryBudget(t *testing.T) {
	twoRetries := 2
	var calls atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("stubborn", func(ctx context.Context, input any) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("boom")
	}, &StepOptions{MaxRetries: &twoRetries}))
	require.NoError(t, reg.RegisterWorkflow("persistent", func(wctx *RunContext, input any) (any, error) {
		return wctx.Step("stubborn", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "persistent", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, done.Error.Message, "after 2 retries")
	assert.Equal(t, int32(3), calls.Load())

	step, err := h.store.GetStep(context.Background(), run.ID, "stubborn/0")
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusFailed, step.Status)
	assert.Equal(t, 3, step.Attempt)

	// One step_started per attempt, then the terminal failure.
	events, err := h.store.ListEventsByCorrelation(context.Background(), "stubborn/0", storage.SortAsc, storage.PageRequest{Limit: 50})
	require.NoError(t, err)
	var started int
	for _, ev := range events.Items {
		if ev.Type == storage.EventStepStarted {
			started++
		}
	}
	assert.Equal(t, 3, started)
}

func TestFatalStepErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("validate", func(ctx context.Context, input any) (any, error) {
		calls.Add(1)
		return nil, &errors.FatalError{Message: "malformed order"}
	}, nil))
	require.NoError(t, reg.RegisterWorkflow("strict", func(wctx *RunContext, input any) (any, error) {
		return wctx.Step("validate", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "strict", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, done.Error.Message, "malformed order")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkflowPanicFailsRun(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("boom", func(wctx *RunContext, input any) (any, error) {
		panic("unexpected state")
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "boom", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusFailed)
	require.NotNil(t, done.Error)
	assert.Contains(t, done.Error.Message, "unexpected state")
}

func TestHookSuspendsAndResumes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("approval", func(wctx *RunContext, input any) (any, error) {
		decision, err := wctx.Hook("approve", "approve-me", map[string]any{"requested_by": "ada"})
		if err != nil {
			return nil, err
		}
		return map[string]any{"decision": decision}, nil
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "approval", nil)
	require.NoError(t, err)

	hook := h.awaitHook("approve-me")
	assert.Equal(t, run.ID, hook.RunID)
	assert.JSONEq(t, `{"requested_by":"ada"}`, string(hook.Metadata))

	require.NoError(t, h.eng.SendHook(context.Background(), "approve-me", map[string]any{"approved": true}))

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `{"decision":{"approved":true}}`, string(done.Output))
}

func TestSendHookUnknownToken(t *testing.T) {
	h := newHarness(t, NewRegistry())

	err := h.eng.SendHook(context.Background(), "no-such-token", nil)
	require.Error(t, err)
}

func TestSleepResumesAfterDeadline(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("nap", func(wctx *RunContext, input any) (any, error) {
		if err := wctx.Sleep("pause", 50*time.Millisecond); err != nil {
			return nil, err
		}
		return "rested", nil
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "nap", nil)
	require.NoError(t, err)

	done := h.awaitStatus(run.ID, storage.RunStatusCompleted)
	assert.JSONEq(t, `"rested"`, string(done.Output))

	events, err := h.store.ListEventsByCorrelation(context.Background(), "pause/0", storage.SortAsc, storage.PageRequest{Limit: 10})
	require.NoError(t, err)
	var types []storage.EventType
	for _, ev := range events.Items {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []storage.EventType{storage.EventWaitCreated, storage.EventWaitCompleted}, types)
}

func TestCancelDisposesHooks(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("blocked", func(wctx *RunContext, input any) (any, error) {
		return wctx.Hook("gate", "cancel-run-token", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "blocked", nil)
	require.NoError(t, err)

	hook := h.awaitHook("cancel-run-token")
	require.NoError(t, h.eng.CancelRun(context.Background(), run.ID))

	done := h.awaitStatus(run.ID, storage.RunStatusCancelled)
	assert.NotNil(t, done.CompletedAt)

	// The token is freed for reuse; the hook record survives as disposed.
	_, err = h.store.GetHookByToken(context.Background(), "cancel-run-token")
	require.Error(t, err)
	got, err := h.store.GetHook(context.Background(), hook.ID)
	require.NoError(t, err)
	assert.True(t, got.Disposed)
}

func TestCancelledRunStaysCancelled(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	reg := NewRegistry()
	require.NoError(t, reg.RegisterStep("slow", func(ctx context.Context, input any) (any, error) {
		close(started)
		<-release
		return "late", nil
	}, nil))
	require.NoError(t, reg.RegisterWorkflow("race", func(wctx *RunContext, input any) (any, error) {
		return wctx.Step("slow", nil)
	}))
	h := newHarness(t, reg)

	run, err := h.eng.StartRun(context.Background(), "race", nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, h.eng.CancelRun(context.Background(), run.ID))
	close(release)

	// The in-flight step may still record its outcome, but the run's
	// terminal status does not change.
	h.awaitStatus(run.ID, storage.RunStatusCancelled)
	time.Sleep(100 * time.Millisecond)
	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusCancelled, got.Status)
}

func TestStepRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0))
	assert.Equal(t, time.Second, retryBackoff(1))
	assert.Equal(t, 5*time.Second, retryBackoff(5))
	assert.Equal(t, maxStepBackoff, retryBackoff(1000))
}
