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
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/pkg/errors"
)

// handleWorkflowMessage executes one dispatcher pass: replay the run's
// body against its event log, then either complete the run, fail it, or
// materialize the suspension it raised.
func (e *Engine) handleWorkflowMessage(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
	ctx = telemetry.ExtractHeaders(ctx, msg.Headers)

	var wm workflowMessage
	if err := decodeMessage(msg.Payload, &wm); err != nil {
		// Undecodable messages can never succeed; drop them.
		e.logger.Error("dropping malformed workflow message", log.Error(err))
		return nil, nil
	}
	logger := log.WithRunContext(e.logger, wm.RunID, wm.WorkflowName)

	run, err := e.store.GetRun(ctx, wm.RunID)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.Warn("workflow message for unknown run, dropping")
			return nil, nil
		}
		return nil, err
	}
	if run.Status.Terminal() {
		// Redelivered wake-up for a finished run; nothing to do.
		return nil, nil
	}

	fn, ok := e.registry.workflow(run.WorkflowName)
	if !ok {
		// No body to run. Fail the run rather than redeliver forever.
		return nil, e.failRun(ctx, run, &storage.ErrorInfo{
			Message: "workflow " + run.WorkflowName + " is not registered",
			Kind:    "fatal",
		})
	}

	if run.Status == storage.RunStatusPending {
		res, err := e.store.AppendEvent(ctx, run.ID, storage.EventInput{Type: storage.EventRunStarted})
		switch {
		case err == nil:
			run = res.Run
		case errors.IsConflict(err):
			// A concurrent delivery started it; reload and continue.
			if run, err = e.store.GetRun(ctx, run.ID); err != nil {
				return nil, err
			}
		case errors.IsVersionMismatch(err):
			// Legacy runs accept only cancellation and resume events;
			// they cannot be dispatched by this engine.
			logger.Warn("dropping dispatch for legacy run", log.Error(err))
			return nil, nil
		default:
			return nil, err
		}
	}

	events, err := e.loadEvents(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wctx := newRunContext(run, events, e.codec, now)

	// Waits whose deadline has passed complete on re-entry, before the
	// body runs, so this pass replays past them.
	if err := e.completeDueWaits(ctx, wctx, events, now); err != nil {
		return nil, err
	}

	input, err := e.codec.Hydrate(run.Input, wctx.ops, run.ID)
	if err != nil {
		return nil, e.failRun(ctx, run, &storage.ErrorInfo{
			Message: "hydrating run input: " + err.Error(),
			Kind:    "fatal",
		})
	}

	output, runErr := e.runBody(fn, wctx, input)

	switch {
	case runErr == nil:
		return nil, e.completeRun(ctx, run, wctx, output)

	case stderrors.Is(runErr, ErrSuspend):
		delay, err := e.materialize(ctx, run, wctx)
		if err != nil {
			if isTerminalRun(err) {
				return nil, nil
			}
			// Leave the message for redelivery; materialization is
			// idempotent.
			return nil, err
		}
		if delay > 0 {
			return &queue.Result{Timeout: delay}, nil
		}
		return nil, nil

	default:
		info := classifyRunError(runErr)
		if info == nil {
			// Workflow-level retry: redeliver the invocation.
			logger.Warn("workflow pass failed, will retry",
				slog.Int(log.AttemptKey, msg.Attempt), log.Error(runErr))
			return nil, runErr
		}
		return nil, e.failRun(ctx, run, info)
	}
}

// runBody invokes the user workflow, converting a panic into a fatal
// error so one bad body cannot take down a worker.
func (e *Engine) runBody(fn WorkflowFunc, wctx *RunContext, input any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.FatalError{Message: panicMessage(r)}
		}
	}()
	return fn(wctx, input)
}

// completeDueWaits emits wait_completed for every wait whose deadline
// has passed and folds the event into the replay index, so the body
// sees the wait as done in this same pass.
func (e *Engine) completeDueWaits(ctx context.Context, wctx *RunContext, events []*storage.Event, now time.Time) error {
	completed := make(map[string]bool)
	pendingWaits := make(map[string]*storage.Event)
	for _, ev := range events {
		switch ev.Type {
		case storage.EventWaitCreated:
			pendingWaits[ev.CorrelationID] = ev
		case storage.EventWaitCompleted:
			completed[ev.CorrelationID] = true
		}
	}

	for correlationID, ev := range pendingWaits {
		if completed[correlationID] {
			continue
		}
		var data storage.WaitCreatedData
		if err := decodeData(ev, &data); err != nil {
			return err
		}
		if data.ResumeAt.After(now) {
			continue
		}
		res, err := e.store.AppendEvent(ctx, ev.RunID, storage.EventInput{
			Type:          storage.EventWaitCompleted,
			CorrelationID: correlationID,
			Data:          &storage.WaitCompletedData{},
		})
		if err != nil {
			return err
		}
		wctx.byCorrelation[correlationID] = append(wctx.byCorrelation[correlationID], res.Event)
	}
	return nil
}

func (e *Engine) completeRun(ctx context.Context, run *storage.Run, wctx *RunContext, output any) error {
	raw, err := e.codec.Dehydrate(output, wctx.ops, run.ID)
	if err != nil {
		return e.failRun(ctx, run, &storage.ErrorInfo{
			Message: "dehydrating run output: " + err.Error(),
			Kind:    "fatal",
		})
	}
	if err := wctx.ops.Await(ctx); err != nil {
		return errors.Wrap(err, "persisting run output streams")
	}

	res, err := e.store.AppendEvent(ctx, run.ID, storage.EventInput{
		Type: storage.EventRunCompleted,
		Data: &storage.RunCompletedData{Output: raw},
	})
	if err != nil {
		if isTerminalRun(err) {
			return nil
		}
		return err
	}
	e.recordRunFinished(ctx, res.Run)
	log.WithRunContext(e.logger, run.ID, run.WorkflowName).Info("run completed")
	return nil
}

func (e *Engine) failRun(ctx context.Context, run *storage.Run, info *storage.ErrorInfo) error {
	res, err := e.store.AppendEvent(ctx, run.ID, storage.EventInput{
		Type: storage.EventRunFailed,
		Data: &storage.RunFailedData{Error: info},
	})
	if err != nil {
		if isTerminalRun(err) || errors.IsVersionMismatch(err) {
			return nil
		}
		return err
	}
	e.recordRunFinished(ctx, res.Run)
	log.WithRunContext(e.logger, run.ID, run.WorkflowName).Warn("run failed",
		slog.String("reason", info.Message))
	return nil
}

func (e *Engine) recordRunFinished(ctx context.Context, run *storage.Run) {
	duration := time.Duration(0)
	if run.StartedAt != nil && run.CompletedAt != nil {
		duration = run.CompletedAt.Sub(*run.StartedAt)
	}
	e.metrics.RecordRunFinished(ctx, run.WorkflowName, string(run.Status), duration)
}

// classifyRunError decides whether a non-suspension body error ends the
// run. A nil return means the error is transient and the invocation
// should be retried by the queue.
func classifyRunError(err error) *storage.ErrorInfo {
	var stepErr *StepError
	if stderrors.As(err, &stepErr) {
		// The step already exhausted its own retry budget; the run
		// cannot make progress.
		return &storage.ErrorInfo{Message: stepErr.Error(), Kind: "step_failed"}
	}
	if errors.IsFatal(err) {
		return &storage.ErrorInfo{Message: err.Error(), Kind: "fatal"}
	}
	if errors.IsVersionMismatch(err) {
		return &storage.ErrorInfo{Message: err.Error(), Kind: "version"}
	}
	return nil
}

func isTerminalRun(err error) bool {
	return errors.IsTerminalConflict(err) || errors.IsGone(err)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", r)
}
