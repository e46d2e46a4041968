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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/pkg/errors"
)

// minWaitDelay is the shortest redelivery delay a wait can request.
// Sub-second waits still round up to one full tick.
const minWaitDelay = time.Second

// materialize persists every invocation the replay pass registered:
// hooks become hook_created events, steps become step_created events
// plus an execution message, waits become wait_created events. Hooks
// land first so an external caller holding a token can never observe a
// run whose steps are queued but whose hooks are missing.
//
// The returned duration is the shortest wait deadline, zero when the
// run is blocked only on steps or hooks.
func (e *Engine) materialize(ctx context.Context, run *storage.Run, wctx *RunContext) (time.Duration, error) {
	pending := wctx.pending()

	g, gctx := errgroup.WithContext(ctx)
	for _, inv := range pending {
		inv := inv
		if inv.kind != invokeHook {
			continue
		}
		g.Go(func() error {
			return e.materializeHook(gctx, run, wctx, inv)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var minDelay time.Duration

	g, gctx = errgroup.WithContext(ctx)
	for _, inv := range pending {
		inv := inv
		switch inv.kind {
		case invokeStep:
			g.Go(func() error {
				return e.materializeStep(gctx, run, wctx, inv)
			})
		case invokeWait:
			delay := e.waitDelay(inv, now)
			if minDelay == 0 || delay < minDelay {
				minDelay = delay
			}
			if inv.created {
				continue
			}
			g.Go(func() error {
				return e.materializeWait(gctx, run, inv)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return minDelay, nil
}

func (e *Engine) materializeHook(ctx context.Context, run *storage.Run, wctx *RunContext, inv *invocation) error {
	metadata, err := e.codec.Dehydrate(inv.metadata, wctx.ops, run.ID)
	if err != nil {
		return errors.Wrapf(err, "dehydrating metadata for hook %s", inv.correlationID)
	}
	_, err = e.store.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventHookCreated,
		CorrelationID: inv.correlationID,
		Data:          &storage.HookCreatedData{Token: inv.token, Metadata: metadata},
	})
	if err != nil && !errors.IsDuplicate(err) && !isTerminalRun(err) {
		return err
	}
	return nil
}

// materializeStep records the step and enqueues its execution message.
// The enqueue is unconditional: even if step_created is a duplicate from
// an earlier pass, the earlier pass may have crashed before enqueueing.
// The idempotency key prefixes the run ID because correlation ids repeat
// across runs on the same step topic.
func (e *Engine) materializeStep(ctx context.Context, run *storage.Run, wctx *RunContext, inv *invocation) error {
	input, err := e.codec.Dehydrate(inv.input, wctx.ops, run.ID)
	if err != nil {
		return errors.Wrapf(err, "dehydrating input for step %s", inv.correlationID)
	}
	res, err := e.store.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventStepCreated,
		CorrelationID: inv.correlationID,
		Data:          &storage.StepCreatedData{Name: inv.stepName, Input: input},
	})
	switch {
	case err == nil:
		e.metrics.RecordEvent(ctx, string(res.Event.Type))
	case errors.IsDuplicate(err):
	case isTerminalRun(err):
		return nil
	default:
		return err
	}

	payload, err := encodeMessage(&stepMessage{
		RunID:             run.ID,
		StepID:            inv.correlationID,
		StepName:          inv.stepName,
		WorkflowName:      run.WorkflowName,
		WorkflowStartedAt: run.StartedAt,
		RequestedAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	opts := &queue.EnqueueOptions{
		IdempotencyKey: run.ID + "/" + inv.correlationID,
		DeploymentID:   e.deploymentID,
	}
	opts.Headers = map[string]string{}
	telemetry.InjectHeaders(ctx, opts.Headers)
	if err := e.queue.Enqueue(ctx, stepTopic(inv.stepName), payload, opts); err != nil {
		return &errors.TransportError{Op: "enqueue", Cause: err}
	}
	return nil
}

func (e *Engine) materializeWait(ctx context.Context, run *storage.Run, inv *invocation) error {
	_, err := e.store.AppendEvent(ctx, run.ID, storage.EventInput{
		Type:          storage.EventWaitCreated,
		CorrelationID: inv.correlationID,
		Data:          &storage.WaitCreatedData{ResumeAt: inv.resumeAt},
	})
	if err != nil && !errors.IsDuplicate(err) && !isTerminalRun(err) {
		return err
	}
	return nil
}

// waitDelay converts a wait deadline into a redelivery delay, clamped
// to what the queue backend can defer.
func (e *Engine) waitDelay(inv *invocation, now time.Time) time.Duration {
	delay := inv.resumeAt.Sub(now)
	if delay < minWaitDelay {
		delay = minWaitDelay
	}
	if limit := e.queue.MaxVisibility(); delay > limit {
		delay = limit
	}
	return delay
}
