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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// ErrSuspend is the sentinel returned by replay primitives whose
// outcome is not yet in the event log. Workflow bodies must propagate
// it; the dispatcher catches it at the top and materializes the pending
// work. It is never a panic.
var ErrSuspend = stderrors.New("workflow suspended")

// StepError is returned by replay when the log records a terminal step
// failure. It reaches the workflow body, which may handle it or let it
// fail the run.
type StepError struct {
	StepName string
	Info     *storage.ErrorInfo
}

func (e *StepError) Error() string {
	if e.Info != nil && e.Info.Message != "" {
		return fmt.Sprintf("step %s failed: %s", e.StepName, e.Info.Message)
	}
	return fmt.Sprintf("step %s failed", e.StepName)
}

type invocationKind int

const (
	invokeStep invocationKind = iota
	invokeHook
	invokeWait
)

// invocation is one pending operation recorded during a replay pass.
// The suspension handler materializes it to storage and queue.
type invocation struct {
	kind          invocationKind
	correlationID string

	// Step fields.
	stepName string
	input    any

	// Hook fields.
	token    string
	metadata any

	// Wait fields.
	resumeAt time.Time
	// created is set when the log already holds the wait_created event,
	// so materialization only computes the delay.
	created bool
}

// RunContext is the replay context for one dispatcher pass over a run.
// Every primitive call derives a stable correlation id from the
// caller-supplied name and a per-name positional index, then either
// replays the recorded outcome or registers a pending invocation and
// returns ErrSuspend.
//
// A RunContext is confined to one goroutine: the workflow body.
type RunContext struct {
	runID        string
	workflowName string
	now          time.Time
	codec        serial.Codec

	// byCorrelation indexes the loaded log, ascending within each id.
	byCorrelation map[string][]*storage.Event

	// counters assigns positional indexes per primitive name; reset for
	// every pass, so a deterministic body sees the same ids each time.
	counters map[string]int

	// invocations is the pending-ops structure, keyed by correlation id
	// for O(1) dedup across replayed passes of the same body.
	invocations map[string]*invocation

	// order keeps materialization deterministic.
	order []string

	ops *serial.Ops
}

func newRunContext(run *storage.Run, events []*storage.Event, codec serial.Codec, now time.Time) *RunContext {
	byCorr := make(map[string][]*storage.Event)
	for _, ev := range events {
		if ev.CorrelationID == "" {
			continue
		}
		byCorr[ev.CorrelationID] = append(byCorr[ev.CorrelationID], ev)
	}
	return &RunContext{
		runID:         run.ID,
		workflowName:  run.WorkflowName,
		now:           now,
		codec:         codec,
		byCorrelation: byCorr,
		counters:      make(map[string]int),
		invocations:   make(map[string]*invocation),
		ops:           &serial.Ops{},
	}
}

// RunID returns the id of the run being executed.
func (c *RunContext) RunID() string { return c.runID }

// WorkflowName returns the name of the workflow being executed.
func (c *RunContext) WorkflowName() string { return c.workflowName }

func (c *RunContext) nextCorrelationID(name string) string {
	idx := c.counters[name]
	c.counters[name] = idx + 1
	return fmt.Sprintf("%s/%d", name, idx)
}

// latest returns the most recent event of one of the given types for a
// correlation id.
func (c *RunContext) latest(correlationID string, types ...storage.EventType) *storage.Event {
	events := c.byCorrelation[correlationID]
	for i := len(events) - 1; i >= 0; i-- {
		for _, t := range types {
			if events[i].Type == t {
				return events[i]
			}
		}
	}
	return nil
}

func (c *RunContext) pend(inv *invocation) {
	if _, exists := c.invocations[inv.correlationID]; exists {
		return
	}
	c.invocations[inv.correlationID] = inv
	c.order = append(c.order, inv.correlationID)
}

// Step replays or schedules one step call. The returned value is the
// hydrated step output; a recorded failure surfaces as *StepError.
// While the outcome is pending the call returns ErrSuspend, which the
// body must propagate.
func (c *RunContext) Step(name string, input any) (any, error) {
	correlationID := c.nextCorrelationID(name)

	if ev := c.latest(correlationID, storage.EventStepCompleted, storage.EventStepFailed); ev != nil {
		switch ev.Type {
		case storage.EventStepCompleted:
			var data storage.StepCompletedData
			if err := decodeData(ev, &data); err != nil {
				return nil, err
			}
			return c.codec.Hydrate(data.Output, c.ops, c.runID)
		default:
			var data storage.StepFailedData
			if err := decodeData(ev, &data); err != nil {
				return nil, err
			}
			return nil, &StepError{StepName: name, Info: data.Error}
		}
	}

	c.pend(&invocation{
		kind:          invokeStep,
		correlationID: correlationID,
		stepName:      name,
		input:         input,
	})
	return nil, ErrSuspend
}

// Hook registers an externally-addressable resume point and waits for
// its first delivery. The returned value is the hydrated payload of the
// earliest hook_received.
func (c *RunContext) Hook(name, token string, metadata any) (any, error) {
	correlationID := c.nextCorrelationID(name)

	if events := c.byCorrelation[correlationID]; len(events) > 0 {
		// First delivery wins; later receives are observable in the log
		// but do not change the replayed value.
		for _, ev := range events {
			if ev.Type == storage.EventHookReceived {
				var data storage.HookReceivedData
				if err := decodeData(ev, &data); err != nil {
					return nil, err
				}
				return c.codec.Hydrate(data.Payload, c.ops, c.runID)
			}
		}
	}

	c.pend(&invocation{
		kind:          invokeHook,
		correlationID: correlationID,
		token:         token,
		metadata:      metadata,
	})
	return nil, ErrSuspend
}

// Sleep suspends the workflow for at least d past the moment the sleep
// was first scheduled.
func (c *RunContext) Sleep(name string, d time.Duration) error {
	return c.waitUntil(name, c.now.Add(d))
}

// WaitUntil suspends the workflow until the given absolute time.
func (c *RunContext) WaitUntil(name string, at time.Time) error {
	return c.waitUntil(name, at)
}

func (c *RunContext) waitUntil(name string, at time.Time) error {
	correlationID := c.nextCorrelationID(name)

	if c.latest(correlationID, storage.EventWaitCompleted) != nil {
		return nil
	}

	inv := &invocation{
		kind:          invokeWait,
		correlationID: correlationID,
		resumeAt:      at,
	}
	if ev := c.latest(correlationID, storage.EventWaitCreated); ev != nil {
		// The wait is already on the books; keep its original deadline
		// so replay does not push it out.
		var data storage.WaitCreatedData
		if err := decodeData(ev, &data); err != nil {
			return err
		}
		inv.resumeAt = data.ResumeAt
		inv.created = true
	}
	c.pend(inv)
	return ErrSuspend
}

// suspended reports whether the pass registered pending work.
func (c *RunContext) suspended() bool { return len(c.invocations) > 0 }

// pending returns the registered invocations in registration order.
func (c *RunContext) pending() []*invocation {
	out := make([]*invocation, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.invocations[id])
	}
	return out
}

func decodeData(ev *storage.Event, dst any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		return errors.Wrapf(err, "decoding %s event %s", ev.Type, ev.ID)
	}
	return nil
}
