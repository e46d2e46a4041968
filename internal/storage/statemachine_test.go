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

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/pkg/errors"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func runningRun() *Run {
	started := testNow.Add(-time.Minute)
	return &Run{
		ID:           "run_1",
		WorkflowName: "wf",
		SpecVersion:  CurrentSpecVersion,
		Status:       RunStatusRunning,
		CreatedAt:    testNow.Add(-2 * time.Minute),
		StartedAt:    &started,
		UpdatedAt:    started,
	}
}

func TestApplyRunCreated(t *testing.T) {
	change, err := Apply(Snapshot{}, "run_1", "evt_1", EventInput{
		Type: EventRunCreated,
		Data: &RunCreatedData{WorkflowName: "wf"},
	}, testNow)
	require.NoError(t, err)
	require.NotNil(t, change.Run)
	assert.True(t, change.RunCreated)
	assert.Equal(t, RunStatusPending, change.Run.Status)
	assert.Equal(t, CurrentSpecVersion, change.Run.SpecVersion)
	assert.Equal(t, testNow, change.Event.CreatedAt)

	// Existing run means the id was reused.
	_, err = Apply(Snapshot{Run: runningRun()}, "run_1", "evt_2", EventInput{
		Type: EventRunCreated,
		Data: &RunCreatedData{WorkflowName: "wf"},
	}, testNow)
	assert.True(t, errors.IsDuplicate(err))

	// Wrong payload type is a programming error, not a conflict.
	_, err = Apply(Snapshot{}, "run_1", "evt_3", EventInput{Type: EventRunCreated}, testNow)
	require.Error(t, err)
	assert.False(t, errors.IsConflict(err))
}

func TestApplyRunTransitions(t *testing.T) {
	cases := []struct {
		name    string
		status  RunStatus
		event   EventType
		want    RunStatus
		wantErr bool
	}{
		{"start pending", RunStatusPending, EventRunStarted, RunStatusRunning, false},
		{"start running", RunStatusRunning, EventRunStarted, "", true},
		{"complete running", RunStatusRunning, EventRunCompleted, RunStatusCompleted, false},
		{"complete pending", RunStatusPending, EventRunCompleted, "", true},
		{"fail running", RunStatusRunning, EventRunFailed, RunStatusFailed, false},
		{"cancel pending", RunStatusPending, EventRunCancelled, RunStatusCancelled, false},
		{"cancel running", RunStatusRunning, EventRunCancelled, RunStatusCancelled, false},
		{"complete completed", RunStatusCompleted, EventRunCompleted, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := runningRun()
			run.Status = tc.status
			change, err := Apply(Snapshot{Run: run}, run.ID, "evt_x", EventInput{Type: tc.event}, testNow)
			if tc.wantErr {
				assert.True(t, errors.IsConflict(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, change.Run.Status)
			if tc.want.Terminal() {
				assert.True(t, change.DisposeRunHooks)
				require.NotNil(t, change.Run.CompletedAt)
			}
		})
	}
}

func TestApplyRunCancelIdempotent(t *testing.T) {
	run := runningRun()
	run.Status = RunStatusCancelled
	change, err := Apply(Snapshot{Run: run}, run.ID, "evt_x", EventInput{Type: EventRunCancelled}, testNow)
	require.NoError(t, err)
	assert.Nil(t, change.Event)
	assert.Nil(t, change.Run)
}

func TestApplyDoesNotMutateSnapshot(t *testing.T) {
	run := runningRun()
	before := *run
	_, err := Apply(Snapshot{Run: run}, run.ID, "evt_x", EventInput{
		Type: EventRunCompleted,
		Data: &RunCompletedData{},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, before, *run)
}

func TestApplyStepAttemptAccounting(t *testing.T) {
	run := runningRun()
	step := &Step{RunID: run.ID, ID: "s/0", Status: StepStatusPending, CreatedAt: testNow, UpdatedAt: testNow}

	change, err := Apply(Snapshot{Run: run, Step: step}, run.ID, "evt_1", EventInput{
		Type: EventStepStarted, CorrelationID: "s/0",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, change.Step.Attempt)

	// Re-start of a running step (host died mid-attempt) bumps the attempt.
	change, err = Apply(Snapshot{Run: run, Step: change.Step}, run.ID, "evt_2", EventInput{
		Type: EventStepStarted, CorrelationID: "s/0",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, change.Step.Attempt)

	// Retrying keeps the attempt; only step_started increments.
	change, err = Apply(Snapshot{Run: run, Step: change.Step}, run.ID, "evt_3", EventInput{
		Type: EventStepRetrying, CorrelationID: "s/0",
		Data: &StepRetryingData{Error: &ErrorInfo{Message: "x"}},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, change.Step.Attempt)
	assert.Equal(t, StepStatusPending, change.Step.Status)
}

func TestApplyStepOnTerminalRun(t *testing.T) {
	run := runningRun()
	run.Status = RunStatusCancelled

	running := &Step{RunID: run.ID, ID: "s/0", Status: StepStatusRunning, Attempt: 1}
	pending := &Step{RunID: run.ID, ID: "s/1", Status: StepStatusPending}

	// Running steps may record their outcome.
	change, err := Apply(Snapshot{Run: run, Step: running}, run.ID, "evt_1", EventInput{
		Type: EventStepFailed, CorrelationID: "s/0",
		Data: &StepFailedData{Error: &ErrorInfo{Message: "late failure"}},
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, StepStatusFailed, change.Step.Status)

	// Pending steps may not start or complete.
	_, err = Apply(Snapshot{Run: run, Step: pending}, run.ID, "evt_2", EventInput{
		Type: EventStepStarted, CorrelationID: "s/1",
	}, testNow)
	assert.True(t, errors.IsTerminalConflict(err))
	_, err = Apply(Snapshot{Run: run, Step: pending}, run.ID, "evt_3", EventInput{
		Type: EventStepCompleted, CorrelationID: "s/1",
		Data: &StepCompletedData{},
	}, testNow)
	assert.True(t, errors.IsTerminalConflict(err))
}

func TestApplyHookConflict(t *testing.T) {
	run := runningRun()
	holder := &Hook{ID: "other", RunID: "run_2", Token: "t"}

	change, err := Apply(Snapshot{Run: run, TokenHolder: holder}, run.ID, "evt_1", EventInput{
		Type: EventHookCreated, CorrelationID: "h/0",
		Data: &HookCreatedData{Token: "t"},
	}, testNow)
	require.NoError(t, err)
	assert.Nil(t, change.Hook)
	require.NotNil(t, change.Event)
	assert.Equal(t, EventHookConflict, change.Event.Type)
}

func TestApplyFutureVersionGate(t *testing.T) {
	run := runningRun()
	run.SpecVersion = CurrentSpecVersion + 1

	for _, typ := range []EventType{EventRunCancelled, EventHookReceived, EventStepStarted} {
		_, err := Apply(Snapshot{Run: run}, run.ID, "evt_x", EventInput{Type: typ, CorrelationID: "c"}, testNow)
		assert.True(t, errors.IsVersionMismatch(err), "event %s", typ)
	}
}

func TestApplyLegacyAllowList(t *testing.T) {
	run := runningRun()
	run.SpecVersion = CurrentSpecVersion - 1

	// Allowed: cancellation without an event.
	change, err := Apply(Snapshot{Run: run}, run.ID, "evt_1", EventInput{Type: EventRunCancelled}, testNow)
	require.NoError(t, err)
	assert.Nil(t, change.Event)
	assert.Equal(t, RunStatusCancelled, change.Run.Status)
	assert.True(t, change.DisposeRunHooks)

	// Allowed: record-only events stamped with the run's version.
	change, err = Apply(Snapshot{Run: run}, run.ID, "evt_2", EventInput{
		Type: EventHookReceived, CorrelationID: "h/0",
		Data: &HookReceivedData{},
	}, testNow)
	require.NoError(t, err)
	require.NotNil(t, change.Event)
	assert.Equal(t, run.SpecVersion, change.Event.SpecVersion)
	assert.Nil(t, change.Hook)

	// Everything else is gated.
	_, err = Apply(Snapshot{Run: run}, run.ID, "evt_3", EventInput{Type: EventRunStarted}, testNow)
	require.Error(t, err)
	assert.True(t, errors.IsVersionMismatch(err))
}

func TestApplyUnknownEventType(t *testing.T) {
	_, err := Apply(Snapshot{Run: runningRun()}, "run_1", "evt_x", EventInput{Type: "bogus"}, testNow)
	assert.Error(t, err)
}
