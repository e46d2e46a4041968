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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/durable/pkg/errors"
)

// Snapshot is the slice of current state one append depends on. Backends
// load it (inside the append transaction or lock) before calling Apply.
type Snapshot struct {
	// Run is the run the event targets. Nil when creating a run.
	Run *Run

	// Step is the step referenced by the event's correlation id, if any.
	Step *Step

	// Hook is the hook referenced by the event's correlation id, if any.
	Hook *Hook

	// TokenHolder is a live hook (possibly on another run) already bound
	// to the token a hook_created input carries. Nil when the token is
	// free.
	TokenHolder *Hook
}

// Change is the set of writes one append produces. Backends persist every
// populated field atomically with the event.
type Change struct {
	// Event is the log entry to append. Nil for the documented no-event
	// cases (idempotent run_cancelled, legacy-run cancellation).
	Event *Event

	// Run, Step, Hook are the updated projections. Nil means untouched.
	// The matching Created flag distinguishes insert from update.
	Run         *Run
	RunCreated  bool
	Step        *Step
	StepCreated bool
	Hook        *Hook
	HookCreated bool

	// DisposeRunHooks directs the backend to mark every live hook of the
	// run disposed, freeing their tokens.
	DisposeRunHooks bool
}

// Apply validates one event against the entity state machines and returns
// the change set to persist. It never mutates the snapshot's entities;
// updated projections are copies.
//
// runID must be resolved by the caller (allocated for run_created with an
// empty id). eventID is the pre-allocated id for the new event; now becomes
// the event's CreatedAt and every touched entity's UpdatedAt, so folding
// the log reproduces the stored projections exactly.
func Apply(snap Snapshot, runID, eventID string, in EventInput, now time.Time) (*Change, error) {
	if in.Type == EventRunCreated {
		return applyRunCreated(snap, runID, eventID, in, now)
	}

	if snap.Run == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	// Spec-version gate. Legacy runs pass a small allow-list; runs from a
	// future version reject everything.
	if snap.Run.SpecVersion > CurrentSpecVersion {
		return nil, &errors.VersionError{
			RunVersion:    snap.Run.SpecVersion,
			EngineVersion: CurrentSpecVersion,
			Message:       fmt.Sprintf("requires spec version %d", snap.Run.SpecVersion),
		}
	}
	if snap.Run.SpecVersion < CurrentSpecVersion {
		return applyLegacy(snap, eventID, in, now)
	}

	switch in.Type {
	case EventRunStarted, EventRunCompleted, EventRunFailed, EventRunCancelled:
		return applyRunTransition(snap, eventID, in, now)
	case EventStepCreated:
		return applyStepCreated(snap, eventID, in, now)
	case EventStepStarted, EventStepCompleted, EventStepFailed, EventStepRetrying:
		return applyStepTransition(snap, eventID, in, now)
	case EventHookCreated:
		return applyHookCreated(snap, eventID, in, now)
	case EventHookReceived, EventHookDisposed:
		return applyHookTransition(snap, eventID, in, now)
	case EventWaitCreated, EventWaitCompleted:
		return applyWait(snap, eventID, in, now)
	default:
		return nil, fmt.Errorf("unknown event type %q", in.Type)
	}
}

func newEvent(runID, eventID string, in EventInput, specVersion int, now time.Time) (*Event, error) {
	data, err := EncodeEventData(in.Data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            eventID,
		RunID:         runID,
		Type:          in.Type,
		CorrelationID: in.CorrelationID,
		Data:          data,
		SpecVersion:   specVersion,
		CreatedAt:     now,
	}, nil
}

func applyRunCreated(snap Snapshot, runID, eventID string, in EventInput, now time.Time) (*Change, error) {
	if snap.Run != nil {
		return nil, &errors.ConflictError{
			Resource: "run", ID: runID,
			Kind: errors.ConflictDuplicate, Message: "run already exists",
		}
	}
	data, ok := in.Data.(*RunCreatedData)
	if !ok || data == nil {
		return nil, fmt.Errorf("run_created requires *RunCreatedData payload")
	}

	ev, err := newEvent(runID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:               runID,
		WorkflowName:     data.WorkflowName,
		DeploymentID:     data.DeploymentID,
		SpecVersion:      CurrentSpecVersion,
		Status:           RunStatusPending,
		Input:            data.Input,
		ExecutionContext: data.ExecutionContext,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return &Change{Event: ev, Run: run, RunCreated: true}, nil
}

// applyLegacy enforces the allow-list for runs created under an older spec
// version: cancellation updates the projection without writing an event,
// wait_completed and hook_received are recorded without entity mutation,
// and everything else is rejected.
func applyLegacy(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	switch in.Type {
	case EventRunCancelled:
		if snap.Run.Status == RunStatusCancelled {
			return &Change{}, nil
		}
		if snap.Run.Status.Terminal() {
			return nil, terminalRunConflict(snap.Run)
		}
		run := *snap.Run
		run.Status = RunStatusCancelled
		run.CompletedAt = &now
		run.UpdatedAt = now
		return &Change{Run: &run, DisposeRunHooks: true}, nil

	case EventWaitCompleted, EventHookReceived:
		ev, err := newEvent(snap.Run.ID, eventID, in, snap.Run.SpecVersion, now)
		if err != nil {
			return nil, err
		}
		return &Change{Event: ev}, nil

	default:
		return nil, &errors.VersionError{
			RunVersion:    snap.Run.SpecVersion,
			EngineVersion: CurrentSpecVersion,
			Message:       "not supported for legacy runs",
		}
	}
}

func terminalRunConflict(run *Run) error {
	return &errors.ConflictError{
		Resource: "run", ID: run.ID,
		Kind:    errors.ConflictTerminalState,
		Message: fmt.Sprintf("run is %s", run.Status),
	}
}

func applyRunTransition(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	cur := snap.Run

	// Idempotent cancel: an already-cancelled run absorbs run_cancelled
	// without writing an event.
	if in.Type == EventRunCancelled && cur.Status == RunStatusCancelled {
		return &Change{}, nil
	}
	if cur.Status.Terminal() {
		return nil, terminalRunConflict(cur)
	}

	run := *cur
	run.UpdatedAt = now

	switch in.Type {
	case EventRunStarted:
		if cur.Status != RunStatusPending {
			return nil, &errors.ConflictError{
				Resource: "run", ID: cur.ID,
				Kind:    errors.ConflictInvalidTransition,
				Message: fmt.Sprintf("cannot start run in status %s", cur.Status),
			}
		}
		run.Status = RunStatusRunning
		run.StartedAt = &now

	case EventRunCompleted:
		if cur.Status != RunStatusRunning {
			return nil, &errors.ConflictError{
				Resource: "run", ID: cur.ID,
				Kind:    errors.ConflictInvalidTransition,
				Message: fmt.Sprintf("cannot complete run in status %s", cur.Status),
			}
		}
		data, _ := in.Data.(*RunCompletedData)
		run.Status = RunStatusCompleted
		if data != nil {
			run.Output = data.Output
		}
		run.CompletedAt = &now

	case EventRunFailed:
		if cur.Status != RunStatusRunning {
			return nil, &errors.ConflictError{
				Resource: "run", ID: cur.ID,
				Kind:    errors.ConflictInvalidTransition,
				Message: fmt.Sprintf("cannot fail run in status %s", cur.Status),
			}
		}
		data, _ := in.Data.(*RunFailedData)
		run.Status = RunStatusFailed
		if data != nil {
			run.Error = data.Error
		}
		run.CompletedAt = &now

	case EventRunCancelled:
		run.Status = RunStatusCancelled
		run.CompletedAt = &now
	}

	ev, err := newEvent(cur.ID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	return &Change{Event: ev, Run: &run, DisposeRunHooks: run.Status.Terminal()}, nil
}

func applyStepCreated(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	if snap.Run.Status.Terminal() {
		return nil, terminalRunConflict(snap.Run)
	}
	if in.CorrelationID == "" {
		return nil, fmt.Errorf("step_created requires a correlation id")
	}
	if snap.Step != nil {
		return nil, &errors.ConflictError{
			Resource: "step", ID: snap.Step.ID,
			Kind: errors.ConflictDuplicate, Message: "step already exists",
		}
	}
	data, ok := in.Data.(*StepCreatedData)
	if !ok || data == nil {
		return nil, fmt.Errorf("step_created requires *StepCreatedData payload")
	}

	ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	step := &Step{
		RunID:     snap.Run.ID,
		ID:        in.CorrelationID,
		Name:      data.Name,
		Status:    StepStatusPending,
		Input:     data.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Change{Event: ev, Step: step, StepCreated: true}, nil
}

func applyStepTransition(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	cur := snap.Step

	// step_completed without a prior step entity is an allowed idempotent
	// terminal: the outcome was recorded elsewhere and the projection is
	// created directly in its final state.
	if cur == nil && in.Type == EventStepCompleted {
		if snap.Run.Status.Terminal() {
			return nil, terminalRunConflict(snap.Run)
		}
		data, _ := in.Data.(*StepCompletedData)
		ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
		if err != nil {
			return nil, err
		}
		done := &Step{
			RunID:       snap.Run.ID,
			ID:          in.CorrelationID,
			Status:      StepStatusCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
			UpdatedAt:   now,
		}
		if data != nil {
			done.Output = data.Output
		}
		return &Change{Event: ev, Step: done, StepCreated: true}, nil
	}

	if cur == nil {
		return nil, &errors.NotFoundError{Resource: "step", ID: in.CorrelationID}
	}
	if cur.Status.Terminal() {
		return nil, &errors.ConflictError{
			Resource: "step", ID: cur.ID,
			Kind:    errors.ConflictTerminalState,
			Message: fmt.Sprintf("step is %s", cur.Status),
		}
	}

	// A terminated workflow still records results of steps that were
	// already running when it terminated. Starting a pending step, or
	// completing one that never started, is rejected.
	if snap.Run.Status.Terminal() {
		if in.Type == EventStepStarted || in.Type == EventStepRetrying || cur.Status != StepStatusRunning {
			return nil, terminalRunConflict(snap.Run)
		}
	}

	step := *cur
	step.UpdatedAt = now

	switch in.Type {
	case EventStepStarted:
		// Attempt is incremented by step_started only. Re-starting a
		// running step is allowed: it means the previous attempt's host
		// died without reporting.
		step.Status = StepStatusRunning
		step.Attempt++
		step.StartedAt = &now
		step.RetryAfter = nil

	case EventStepCompleted:
		data, _ := in.Data.(*StepCompletedData)
		step.Status = StepStatusCompleted
		if data != nil {
			step.Output = data.Output
		}
		step.CompletedAt = &now
		step.RetryAfter = nil

	case EventStepFailed:
		data, _ := in.Data.(*StepFailedData)
		step.Status = StepStatusFailed
		if data != nil {
			step.Error = data.Error
		}
		step.CompletedAt = &now
		step.RetryAfter = nil

	case EventStepRetrying:
		if cur.Status != StepStatusRunning {
			return nil, &errors.ConflictError{
				Resource: "step", ID: cur.ID,
				Kind:    errors.ConflictInvalidTransition,
				Message: fmt.Sprintf("cannot retry step in status %s", cur.Status),
			}
		}
		data, _ := in.Data.(*StepRetryingData)
		step.Status = StepStatusPending
		if data != nil {
			step.Error = data.Error
			step.RetryAfter = data.RetryAfter
		}
	}

	ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	return &Change{Event: ev, Step: &step}, nil
}

func applyHookCreated(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	if snap.Run.Status.Terminal() {
		return nil, terminalRunConflict(snap.Run)
	}
	if in.CorrelationID == "" {
		return nil, fmt.Errorf("hook_created requires a correlation id")
	}
	if snap.Hook != nil {
		return nil, &errors.ConflictError{
			Resource: "hook", ID: snap.Hook.ID,
			Kind: errors.ConflictDuplicate, Message: "hook already exists",
		}
	}
	data, ok := in.Data.(*HookCreatedData)
	if !ok || data == nil {
		return nil, fmt.Errorf("hook_created requires *HookCreatedData payload")
	}

	// Token collision with a live hook does not fail: a hook_conflict
	// event is recorded instead and no hook entity is created. This keeps
	// hook creation idempotent under queue redelivery while staying
	// observable.
	if snap.TokenHolder != nil {
		conflict := EventInput{
			Type:          EventHookConflict,
			CorrelationID: in.CorrelationID,
			Data:          &HookConflictData{Token: data.Token},
		}
		ev, err := newEvent(snap.Run.ID, eventID, conflict, CurrentSpecVersion, now)
		if err != nil {
			return nil, err
		}
		return &Change{Event: ev}, nil
	}

	ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	hook := &Hook{
		ID:        in.CorrelationID,
		RunID:     snap.Run.ID,
		Token:     data.Token,
		Metadata:  data.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &Change{Event: ev, Hook: hook, HookCreated: true}, nil
}

func applyHookTransition(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	cur := snap.Hook
	if cur == nil {
		return nil, &errors.NotFoundError{Resource: "hook", ID: in.CorrelationID}
	}

	switch in.Type {
	case EventHookReceived:
		if cur.Disposed {
			return nil, &errors.GoneError{Resource: "hook", ID: cur.ID}
		}
		// Multiple receives are allowed; the entity is untouched.
		ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
		if err != nil {
			return nil, err
		}
		return &Change{Event: ev}, nil

	case EventHookDisposed:
		if cur.Disposed {
			return &Change{}, nil
		}
		ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
		if err != nil {
			return nil, err
		}
		hook := *cur
		hook.Disposed = true
		hook.UpdatedAt = now
		return &Change{Event: ev, Hook: &hook}, nil
	}
	return nil, fmt.Errorf("unknown hook event %q", in.Type)
}

func applyWait(snap Snapshot, eventID string, in EventInput, now time.Time) (*Change, error) {
	if in.Type == EventWaitCreated && snap.Run.Status.Terminal() {
		return nil, terminalRunConflict(snap.Run)
	}
	ev, err := newEvent(snap.Run.ID, eventID, in, CurrentSpecVersion, now)
	if err != nil {
		return nil, err
	}
	return &Change{Event: ev}, nil
}

// EncodeEventData marshals a typed event payload to its stored JSON form.
// A nil payload encodes as nil.
func EncodeEventData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	return raw, nil
}

// DecodeEventData unmarshals a stored event payload back into the typed
// struct matching the event type. Used by the fold-based projection
// rebuild and by replay.
func DecodeEventData(t EventType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data any
	switch t {
	case EventRunCreated:
		data = &RunCreatedData{}
	case EventRunCompleted:
		data = &RunCompletedData{}
	case EventRunFailed:
		data = &RunFailedData{}
	case EventStepCreated:
		data = &StepCreatedData{}
	case EventStepCompleted:
		data = &StepCompletedData{}
	case EventStepFailed:
		data = &StepFailedData{}
	case EventStepRetrying:
		data = &StepRetryingData{}
	case EventHookCreated:
		data = &HookCreatedData{}
	case EventHookConflict:
		data = &HookConflictData{}
	case EventHookReceived:
		data = &HookReceivedData{}
	case EventWaitCreated:
		data = &WaitCreatedData{}
	case EventWaitCompleted:
		data = &WaitCompletedData{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decoding %s data: %w", t, err)
	}
	return data, nil
}
