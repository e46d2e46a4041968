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

// Package storagetest provides a conformance suite that every storage
// backend must pass. Backend test files call Run with a factory for a
// fresh store.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// RunSeeder is implemented by backends that can import run projections
// directly, bypassing the event log. The suite uses it to exercise the
// spec-version gates.
type RunSeeder interface {
	SeedRun(ctx context.Context, run *storage.Run) error
}

// Run executes the conformance suite against stores built by open.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, open(t)) })
	t.Run("RunCancelIdempotent", func(t *testing.T) { testRunCancelIdempotent(t, open(t)) })
	t.Run("StepLifecycle", func(t *testing.T) { testStepLifecycle(t, open(t)) })
	t.Run("StepRetry", func(t *testing.T) { testStepRetry(t, open(t)) })
	t.Run("StepInstantCompletion", func(t *testing.T) { testStepInstantCompletion(t, open(t)) })
	t.Run("TerminalRunRules", func(t *testing.T) { testTerminalRunRules(t, open(t)) })
	t.Run("HookTokenUniqueness", func(t *testing.T) { testHookTokenUniqueness(t, open(t)) })
	t.Run("HookReceiveAndDispose", func(t *testing.T) { testHookReceiveAndDispose(t, open(t)) })
	t.Run("LegacyRunGate", func(t *testing.T) { testLegacyRunGate(t, open(t)) })
	t.Run("FutureVersionGate", func(t *testing.T) { testFutureVersionGate(t, open(t)) })
	t.Run("StepCursorAcrossInserts", func(t *testing.T) { testStepCursorAcrossInserts(t, open(t)) })
	t.Run("EventPagination", func(t *testing.T) { testEventPagination(t, open(t)) })
	t.Run("ListRunsFilter", func(t *testing.T) { testListRunsFilter(t, open(t)) })
	t.Run("DeleteRunCascades", func(t *testing.T) { testDeleteRunCascades(t, open(t)) })
	t.Run("ProjectionFoldConsistency", func(t *testing.T) { testProjectionFold(t, open(t)) })
}

func append_(t *testing.T, s storage.Store, runID string, in storage.EventInput) *storage.AppendResult {
	t.Helper()
	res, err := s.AppendEvent(context.Background(), runID, in)
	require.NoError(t, err)
	return res
}

func createRun(t *testing.T, s storage.Store, workflow string) *storage.Run {
	t.Helper()
	res := append_(t, s, "", storage.EventInput{
		Type: storage.EventRunCreated,
		Data: &storage.RunCreatedData{WorkflowName: workflow, Input: json.RawMessage(`{"n":1}`)},
	})
	require.NotNil(t, res.Run)
	require.NotEmpty(t, res.Run.ID)
	return res.Run
}

func startRun(t *testing.T, s storage.Store, runID string) {
	t.Helper()
	append_(t, s, runID, storage.EventInput{Type: storage.EventRunStarted})
}

func createStep(t *testing.T, s storage.Store, runID, stepID, name string) {
	t.Helper()
	append_(t, s, runID, storage.EventInput{
		Type:          storage.EventStepCreated,
		CorrelationID: stepID,
		Data:          &storage.StepCreatedData{Name: name, Input: json.RawMessage(`[1]`)},
	})
}

func testRunLifecycle(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	assert.Equal(t, storage.RunStatusPending, run.Status)
	assert.Equal(t, storage.CurrentSpecVersion, run.SpecVersion)
	assert.Nil(t, run.StartedAt)

	res := append_(t, s, run.ID, storage.EventInput{Type: storage.EventRunStarted})
	assert.Equal(t, storage.RunStatusRunning, res.Run.Status)
	require.NotNil(t, res.Run.StartedAt)

	// Double start is rejected.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventRunStarted})
	assert.True(t, errors.IsConflict(err))

	res = append_(t, s, run.ID, storage.EventInput{
		Type: storage.EventRunCompleted,
		Data: &storage.RunCompletedData{Output: json.RawMessage(`2`)},
	})
	assert.Equal(t, storage.RunStatusCompleted, res.Run.Status)
	require.NotNil(t, res.Run.CompletedAt)
	assert.False(t, res.Run.StartedAt.After(*res.Run.CompletedAt))
	assert.Equal(t, json.RawMessage(`2`), res.Run.Output)

	// Terminal run accepts no further run transitions.
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventRunCompleted})
	assert.True(t, errors.IsTerminalConflict(err))

	page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, storage.EventRunCreated, page.Items[0].Type)
	assert.Equal(t, storage.EventRunStarted, page.Items[1].Type)
	assert.Equal(t, storage.EventRunCompleted, page.Items[2].Type)
}

func testRunCancelIdempotent(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	res := append_(t, s, run.ID, storage.EventInput{Type: storage.EventRunCancelled})
	require.NotNil(t, res.Event)
	assert.Equal(t, storage.RunStatusCancelled, res.Run.Status)

	// Second cancel is absorbed without an event.
	res = append_(t, s, run.ID, storage.EventInput{Type: storage.EventRunCancelled})
	assert.Nil(t, res.Event)
	assert.Equal(t, storage.RunStatusCancelled, res.Run.Status)

	page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2) // run_created + one run_cancelled
}

func testStepLifecycle(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	createStep(t, s, run.ID, "charge/0", "charge")

	// Duplicate creation is a duplicate conflict, not a terminal one.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepCreated,
		CorrelationID: "charge/0",
		Data:          &storage.StepCreatedData{Name: "charge"},
	})
	assert.True(t, errors.IsDuplicate(err))

	res := append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "charge/0"})
	assert.Equal(t, storage.StepStatusRunning, res.Step.Status)
	assert.Equal(t, 1, res.Step.Attempt)

	res = append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "charge/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`"ok"`)},
	})
	assert.Equal(t, storage.StepStatusCompleted, res.Step.Status)
	assert.Equal(t, json.RawMessage(`"ok"`), res.Step.Output)

	// Terminal step is immutable.
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "charge/0",
		Data:          &storage.StepCompletedData{},
	})
	assert.True(t, errors.IsTerminalConflict(err))

	step, err := s.GetStep(ctx, run.ID, "charge/0")
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusCompleted, step.Status)
	assert.Equal(t, 1, step.Attempt)
}

func testStepRetry(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	createStep(t, s, run.ID, "flaky/0", "flaky")

	append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "flaky/0"})

	retryAt := time.Now().UTC().Add(30 * time.Second).Truncate(time.Millisecond)
	res := append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepRetrying,
		CorrelationID: "flaky/0",
		Data: &storage.StepRetryingData{
			Error:      &storage.ErrorInfo{Message: "boom"},
			RetryAfter: &retryAt,
		},
	})
	assert.Equal(t, storage.StepStatusPending, res.Step.Status)
	assert.Equal(t, 1, res.Step.Attempt)
	require.NotNil(t, res.Step.RetryAfter)

	// Retrying a step that is not running is rejected.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepRetrying,
		CorrelationID: "flaky/0",
		Data:          &storage.StepRetryingData{},
	})
	assert.True(t, errors.IsConflict(err))

	res = append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "flaky/0"})
	assert.Equal(t, 2, res.Step.Attempt)
	assert.Nil(t, res.Step.RetryAfter)

	res = append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "flaky/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`1`)},
	})
	assert.Equal(t, 2, res.Step.Attempt)
}

func testStepInstantCompletion(t *testing.T, s storage.Store) {
	defer s.Close()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)

	// Completion from pending, without a prior step_started.
	createStep(t, s, run.ID, "fast/0", "fast")
	res := append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "fast/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`true`)},
	})
	assert.Equal(t, storage.StepStatusCompleted, res.Step.Status)
	assert.Equal(t, 0, res.Step.Attempt)

	// Completion with no step entity at all creates the projection in its
	// final state.
	res = append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "ghost/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`null`)},
	})
	require.NotNil(t, res.Step)
	assert.Equal(t, storage.StepStatusCompleted, res.Step.Status)
}

func testTerminalRunRules(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	createStep(t, s, run.ID, "inflight/0", "inflight")
	append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "inflight/0"})
	createStep(t, s, run.ID, "parked/0", "parked")
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "approval/0",
		Data:          &storage.HookCreatedData{Token: "tok-terminal"},
	})

	append_(t, s, run.ID, storage.EventInput{Type: storage.EventRunCancelled})

	// The in-flight step still records its result.
	res := append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "inflight/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`"late"`)},
	})
	assert.Equal(t, storage.StepStatusCompleted, res.Step.Status)

	// A never-started step cannot complete.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "parked/0",
		Data:          &storage.StepCompletedData{},
	})
	assert.True(t, errors.IsTerminalConflict(err))

	// No new steps, no starting pending steps, no new hooks.
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepCreated,
		CorrelationID: "new/0",
		Data:          &storage.StepCreatedData{Name: "new"},
	})
	assert.True(t, errors.IsTerminalConflict(err))
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "parked/0"})
	assert.True(t, errors.IsTerminalConflict(err))
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "approval/1",
		Data:          &storage.HookCreatedData{Token: "tok-other"},
	})
	assert.True(t, errors.IsTerminalConflict(err))

	// Cancellation disposed the run's hooks, freeing their tokens.
	hooks, err := s.ListHooks(ctx, run.ID, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, hooks.Items, 1)
	assert.True(t, hooks.Items[0].Disposed)
	_, err = s.GetHookByToken(ctx, "tok-terminal")
	assert.True(t, errors.IsNotFound(err))
}

func testHookTokenUniqueness(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	runA := createRun(t, s, "order-flow")
	runB := createRun(t, s, "order-flow")

	res := append_(t, s, runA.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "hook-a",
		Data:          &storage.HookCreatedData{Token: "t"},
	})
	require.NotNil(t, res.Hook)
	assert.Equal(t, storage.EventHookCreated, res.Event.Type)

	// Second binding of a live token records hook_conflict and creates
	// nothing; the call does not fail.
	res = append_(t, s, runB.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "hook-b",
		Data:          &storage.HookCreatedData{Token: "t"},
	})
	assert.Nil(t, res.Hook)
	require.NotNil(t, res.Event)
	assert.Equal(t, storage.EventHookConflict, res.Event.Type)

	holder, err := s.GetHookByToken(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "hook-a", holder.ID)

	// Disposing frees the token for reuse.
	append_(t, s, runA.ID, storage.EventInput{Type: storage.EventHookDisposed, CorrelationID: "hook-a"})
	res = append_(t, s, runB.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "hook-b",
		Data:          &storage.HookCreatedData{Token: "t"},
	})
	require.NotNil(t, res.Hook)
	assert.Equal(t, "hook-b", res.Hook.ID)
}

func testHookReceiveAndDispose(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "h/0",
		Data:          &storage.HookCreatedData{Token: "recv"},
	})

	// Multiple receives are allowed.
	for i := 0; i < 2; i++ {
		res := append_(t, s, run.ID, storage.EventInput{
			Type:          storage.EventHookReceived,
			CorrelationID: "h/0",
			Data:          &storage.HookReceivedData{Payload: json.RawMessage(`{"i":1}`)},
		})
		require.NotNil(t, res.Event)
	}

	// Receive on a nonexistent hook is NotFound.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventHookReceived,
		CorrelationID: "missing",
		Data:          &storage.HookReceivedData{},
	})
	assert.True(t, errors.IsNotFound(err))

	// Dispose, then receive reports the hook gone.
	append_(t, s, run.ID, storage.EventInput{Type: storage.EventHookDisposed, CorrelationID: "h/0"})
	_, err = s.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventHookReceived,
		CorrelationID: "h/0",
		Data:          &storage.HookReceivedData{},
	})
	assert.True(t, errors.IsGone(err))

	// Dispose is idempotent.
	res := append_(t, s, run.ID, storage.EventInput{Type: storage.EventHookDisposed, CorrelationID: "h/0"})
	assert.Nil(t, res.Event)
}

func seedRun(t *testing.T, s storage.Store, specVersion int) *storage.Run {
	t.Helper()
	seeder, ok := s.(RunSeeder)
	require.True(t, ok, "backend must implement storagetest.RunSeeder")

	now := time.Now().UTC()
	run := &storage.Run{
		ID:           ident.NewRunID(),
		WorkflowName: "imported",
		SpecVersion:  specVersion,
		Status:       storage.RunStatusRunning,
		CreatedAt:    now,
		StartedAt:    &now,
		UpdatedAt:    now,
	}
	require.NoError(t, seeder.SeedRun(context.Background(), run))
	return run
}

func testLegacyRunGate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := seedRun(t, s, 1)

	// Current-only events are rejected.
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventRunStarted})
	require.Error(t, err)
	assert.True(t, errors.IsVersionMismatch(err))
	assert.EqualError(t, err, "not supported for legacy runs")

	// wait_completed and hook_received are recorded without entity mutation.
	res := append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventWaitCompleted,
		CorrelationID: "w/0",
		Data:          &storage.WaitCompletedData{},
	})
	require.NotNil(t, res.Event)
	assert.Equal(t, 1, res.Event.SpecVersion)

	// Cancellation updates the projection and writes no event.
	res = append_(t, s, run.ID, storage.EventInput{Type: storage.EventRunCancelled})
	assert.Nil(t, res.Event)
	assert.Equal(t, storage.RunStatusCancelled, res.Run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusCancelled, got.Status)

	page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1) // only the wait_completed
}

func testFutureVersionGate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := seedRun(t, s, storage.CurrentSpecVersion+1)
	_, err := s.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventRunCancelled})
	require.Error(t, err)
	assert.True(t, errors.IsVersionMismatch(err))
	assert.EqualError(t, err, fmt.Sprintf("requires spec version %d", storage.CurrentSpecVersion+1))
}

func testStepCursorAcrossInserts(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	for i := 0; i < 4; i++ {
		createStep(t, s, run.ID, fmt.Sprintf("batch1/%d", i), "work")
	}

	page, err := s.ListSteps(ctx, run.ID, storage.PageRequest{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	assert.False(t, page.HasMore)
	// The cursor must be set even at the end of the listing, so resuming
	// after new inserts continues where this page left off.
	require.NotEmpty(t, page.Cursor)

	for i := 0; i < 4; i++ {
		createStep(t, s, run.ID, fmt.Sprintf("batch2/%d", i), "work")
	}

	// Continuing from the cursor sees nothing: descending listings only
	// return items strictly older than the anchor.
	cont, err := s.ListSteps(ctx, run.ID, storage.PageRequest{Limit: 4, Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Empty(t, cont.Items)
	assert.False(t, cont.HasMore)

	// A fresh listing returns the four newest.
	fresh, err := s.ListSteps(ctx, run.ID, storage.PageRequest{Limit: 4})
	require.NoError(t, err)
	require.Len(t, fresh.Items, 4)
	assert.True(t, fresh.HasMore)
	for _, step := range fresh.Items {
		assert.Contains(t, step.ID, "batch2/")
	}
}

func testEventPagination(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	for i := 0; i < 5; i++ {
		createStep(t, s, run.ID, fmt.Sprintf("s/%d", i), "work")
	}

	// 7 events total, ascending, pages of 3.
	var seen []storage.EventType
	var cursor string
	for {
		page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		for _, ev := range page.Items {
			seen = append(seen, ev.Type)
		}
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}
	require.Len(t, seen, 7)
	assert.Equal(t, storage.EventRunCreated, seen[0])
	assert.Equal(t, storage.EventRunStarted, seen[1])

	// Correlation listings see only the matching events.
	corr, err := s.ListEventsByCorrelation(ctx, "s/3", storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, corr.Items, 1)
	assert.Equal(t, storage.EventStepCreated, corr.Items[0].Type)
}

func testListRunsFilter(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	a := createRun(t, s, "alpha")
	b := createRun(t, s, "beta")
	startRun(t, s, b.ID)

	page, err := s.ListRuns(ctx, storage.RunFilter{WorkflowName: "alpha"}, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, a.ID, page.Items[0].ID)

	page, err = s.ListRuns(ctx, storage.RunFilter{Status: storage.RunStatusRunning}, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, b.ID, page.Items[0].ID)

	// Newest first.
	page, err = s.ListRuns(ctx, storage.RunFilter{}, storage.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, b.ID, page.Items[0].ID)
}

func testDeleteRunCascades(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	createStep(t, s, run.ID, "s/0", "work")
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "h/0",
		Data:          &storage.HookCreatedData{Token: "cascade"},
	})

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err := s.GetRun(ctx, run.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.GetStep(ctx, run.ID, "s/0")
	assert.True(t, errors.IsNotFound(err))
	_, err = s.GetHook(ctx, "h/0")
	assert.True(t, errors.IsNotFound(err))
	page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	assert.True(t, errors.IsNotFound(s.DeleteRun(ctx, run.ID)))
}

// testProjectionFold checks event-projection consistency: folding the log
// through the shared state machine reproduces the stored entities exactly.
func testProjectionFold(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	run := createRun(t, s, "order-flow")
	startRun(t, s, run.ID)
	createStep(t, s, run.ID, "a/0", "a")
	append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "a/0"})
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepRetrying,
		CorrelationID: "a/0",
		Data:          &storage.StepRetryingData{Error: &storage.ErrorInfo{Message: "flaky"}},
	})
	append_(t, s, run.ID, storage.EventInput{Type: storage.EventStepStarted, CorrelationID: "a/0"})
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: "a/0",
		Data:          &storage.StepCompletedData{Output: json.RawMessage(`"done"`)},
	})
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: "h/0",
		Data:          &storage.HookCreatedData{Token: "fold", Metadata: json.RawMessage(`{"m":1}`)},
	})
	append_(t, s, run.ID, storage.EventInput{
		Type:          storage.EventHookReceived,
		CorrelationID: "h/0",
		Data:          &storage.HookReceivedData{Payload: json.RawMessage(`{}`)},
	})
	append_(t, s, run.ID, storage.EventInput{
		Type: storage.EventRunCompleted,
		Data: &storage.RunCompletedData{Output: json.RawMessage(`{"total":3}`)},
	})

	var events []*storage.Event
	var cursor string
	for {
		page, err := s.ListEvents(ctx, run.ID, storage.SortAsc, storage.PageRequest{Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		events = append(events, page.Items...)
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}

	proj, err := storage.Fold(events)
	require.NoError(t, err)

	storedRun, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, storedRun, proj.Run)

	storedStep, err := s.GetStep(ctx, run.ID, "a/0")
	require.NoError(t, err)
	assert.Equal(t, storedStep, proj.Steps["a/0"])

	storedHook, err := s.GetHook(ctx, "h/0")
	require.NoError(t, err)
	assert.Equal(t, storedHook, proj.Hooks["h/0"])

	// Run completion disposed the hook in both views.
	assert.True(t, proj.Hooks["h/0"].Disposed)
}
