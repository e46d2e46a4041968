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
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/pkg/errors"
)

// maxStepBackoff caps the delay between step retry attempts.
const maxStepBackoff = 30 * time.Second

// handleStepMessage runs one step attempt: claim the attempt with
// step_started, invoke the registered function, record the outcome, and
// wake the workflow so the dispatcher can replay past it.
func (e *Engine) handleStepMessage(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
	ctx = telemetry.ExtractHeaders(ctx, msg.Headers)

	var sm stepMessage
	if err := decodeMessage(msg.Payload, &sm); err != nil {
		e.logger.Error("dropping malformed step message", log.Error(err))
		return nil, nil
	}
	logger := log.WithStepContext(e.logger, sm.RunID, sm.StepID)

	step, err := e.store.GetStep(ctx, sm.RunID, sm.StepID)
	if err != nil {
		// The create and the enqueue are separate writes; on not-found,
		// redeliver until the step record lands or the run is deleted.
		return nil, err
	}

	if step.Status.Terminal() {
		// Redelivered execution for a finished step. Wake the workflow
		// in case the original wake-up was lost.
		return nil, e.enqueueWorkflow(ctx, sm.RunID, sm.WorkflowName, 0)
	}

	if step.RetryAfter != nil {
		if until := time.Until(*step.RetryAfter); until > 0 {
			return &queue.Result{Timeout: until}, nil
		}
	}

	maxAttempts := e.maxRetries(sm.StepName) + 1
	if step.Attempt+1 > maxAttempts {
		// Crash after step_started but before the outcome write leaves
		// the attempt spent; claiming another would exceed the budget.
		return nil, e.failStep(ctx, &sm, &storage.ErrorInfo{
			Message: fmt.Sprintf("failed after %d retries", maxAttempts-1),
			Kind:    "retries_exhausted",
		})
	}

	res, err := e.store.AppendEvent(ctx, sm.RunID, storage.EventInput{
		Type:          storage.EventStepStarted,
		CorrelationID: sm.StepID,
	})
	if err != nil {
		if isTerminalRun(err) {
			// The run finished while this attempt was queued; pending
			// steps never start after that.
			return nil, nil
		}
		return nil, err
	}
	step = res.Step
	logger = logger.With(slog.Int(log.AttemptKey, step.Attempt))

	reg, ok := e.registry.step(sm.StepName)
	if !ok {
		return nil, e.failStep(ctx, &sm, &storage.ErrorInfo{
			Message: "step " + sm.StepName + " is not registered",
			Kind:    "fatal",
		})
	}

	ops := &serial.Ops{}
	input, err := e.codec.Hydrate(step.Input, ops, sm.RunID)
	if err != nil {
		return nil, e.failStep(ctx, &sm, &storage.ErrorInfo{
			Message: "hydrating step input: " + err.Error(),
			Kind:    "fatal",
		})
	}
	if err := ops.Await(ctx); err != nil {
		return nil, err
	}

	started := time.Now()
	output, stepErr := e.runStep(ctx, reg, input)
	elapsed := time.Since(started)

	if stepErr == nil {
		return nil, e.completeStep(ctx, &sm, output, elapsed)
	}
	return e.handleStepFailure(ctx, &sm, step, stepErr, elapsed, maxAttempts, logger)
}

// runStep invokes the step function under its configured timeout,
// converting a panic into a fatal error.
func (e *Engine) runStep(ctx context.Context, reg registeredStep, input any) (output any, err error) {
	if reg.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.opts.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &errors.FatalError{Message: panicMessage(r)}
		}
	}()
	return reg.fn(ctx, input)
}

func (e *Engine) completeStep(ctx context.Context, sm *stepMessage, output any, elapsed time.Duration) error {
	ops := &serial.Ops{}
	raw, err := e.codec.Dehydrate(output, ops, sm.RunID)
	if err != nil {
		return e.failStep(ctx, sm, &storage.ErrorInfo{
			Message: "dehydrating step output: " + err.Error(),
			Kind:    "fatal",
		})
	}
	if err := ops.Await(ctx); err != nil {
		return errors.Wrap(err, "persisting step output streams")
	}

	_, err = e.store.AppendEvent(ctx, sm.RunID, storage.EventInput{
		Type:          storage.EventStepCompleted,
		CorrelationID: sm.StepID,
		Data:          &storage.StepCompletedData{Output: raw},
	})
	if err != nil && !isTerminalRun(err) {
		return err
	}
	e.metrics.RecordStepOutcome(ctx, sm.WorkflowName, sm.StepName, string(storage.StepStatusCompleted), elapsed)
	return e.enqueueWorkflow(ctx, sm.RunID, sm.WorkflowName, 0)
}

// failStep records the terminal failure and wakes the workflow so the
// dispatcher can surface it to the run body.
func (e *Engine) failStep(ctx context.Context, sm *stepMessage, info *storage.ErrorInfo) error {
	_, err := e.store.AppendEvent(ctx, sm.RunID, storage.EventInput{
		Type:          storage.EventStepFailed,
		CorrelationID: sm.StepID,
		Data:          &storage.StepFailedData{Error: info},
	})
	if err != nil && !isTerminalRun(err) {
		return err
	}
	e.metrics.RecordStepOutcome(ctx, sm.WorkflowName, sm.StepName, string(storage.StepStatusFailed), 0)
	return e.enqueueWorkflow(ctx, sm.RunID, sm.WorkflowName, 0)
}

func (e *Engine) handleStepFailure(ctx context.Context, sm *stepMessage, step *storage.Step, stepErr error, elapsed time.Duration, maxAttempts int, logger *slog.Logger) (*queue.Result, error) {
	info := &storage.ErrorInfo{Message: stepErr.Error()}

	if errors.IsFatal(stepErr) {
		info.Kind = "fatal"
		logger.Warn("step failed fatally", log.Error(stepErr))
		return nil, e.failStep(ctx, sm, info)
	}
	if step.Attempt >= maxAttempts {
		info.Kind = "retries_exhausted"
		info.Message = fmt.Sprintf("%s: failed after %d retries", stepErr, maxAttempts-1)
		logger.Warn("step exhausted retries", log.Error(stepErr))
		return nil, e.failStep(ctx, sm, info)
	}

	delay := retryBackoff(step.Attempt)
	if retryable, ok := errors.AsRetryable(stepErr); ok && retryable.RetryAfter != nil {
		if until := time.Until(*retryable.RetryAfter); until > delay {
			delay = until
		}
	}
	if limit := e.queue.MaxVisibility(); delay > limit {
		delay = limit
	}

	retryAt := time.Now().UTC().Add(delay)
	_, err := e.store.AppendEvent(ctx, sm.RunID, storage.EventInput{
		Type:          storage.EventStepRetrying,
		CorrelationID: sm.StepID,
		Data:          &storage.StepRetryingData{Error: info, RetryAfter: &retryAt},
	})
	if err != nil {
		if isTerminalRun(err) {
			return nil, nil
		}
		return nil, err
	}

	e.metrics.RecordRetry(ctx, sm.WorkflowName, sm.StepName)
	e.metrics.RecordStepOutcome(ctx, sm.WorkflowName, sm.StepName, "retrying", elapsed)
	logger.Info("step retrying", slog.Duration("delay", delay), log.Error(stepErr))
	return &queue.Result{Timeout: delay}, nil
}

// retryBackoff grows linearly with the attempt count, capped at
// maxStepBackoff.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * time.Second
	if d > maxStepBackoff {
		d = maxStepBackoff
	}
	return d
}
