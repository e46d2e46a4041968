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

// Package engine is the workflow runtime: the dispatcher that replays
// runs to their next suspension point, the step executor with its retry
// policy, and the suspension handler that materializes pending work to
// storage and queue.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/manifest"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/pkg/errors"
)

// Config assembles an Engine. Store, Queue, Codec, and Registry are
// required; the rest is optional.
type Config struct {
	Store    storage.Store
	Queue    queue.Queue
	Codec    serial.Codec
	Registry *Registry

	// Manifest supplies per-step retry overrides. Nil disables manifest
	// lookups.
	Manifest *manifest.Manifest

	// DeploymentID is attached to runs started through this engine.
	DeploymentID string

	// Metrics may be nil.
	Metrics *telemetry.Collector

	Logger *slog.Logger
}

// Engine executes workflows against a Store and a Queue.
type Engine struct {
	store        storage.Store
	queue        queue.Queue
	codec        serial.Codec
	registry     *Registry
	manifest     atomic.Pointer[manifest.Manifest]
	deploymentID string
	metrics      *telemetry.Collector
	logger       *slog.Logger
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("engine requires a queue")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("engine requires a codec")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:        cfg.Store,
		queue:        cfg.Queue,
		codec:        cfg.Codec,
		registry:     cfg.Registry,
		deploymentID: cfg.DeploymentID,
		metrics:      cfg.Metrics,
		logger:       log.WithComponent(logger, "engine"),
	}
	e.manifest.Store(cfg.Manifest)
	return e, nil
}

// SetManifest swaps the manifest in place. The hot-reload watcher calls
// this on every successful parse; in-flight lookups see either the old
// or the new manifest, never a mix.
func (e *Engine) SetManifest(m *manifest.Manifest) {
	e.manifest.Store(m)
}

// Start subscribes the engine's handlers and launches the queue
// workers. Registration must be complete before Start.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.queue.Subscribe(workflowTopicPrefix, e.handleWorkflowMessage); err != nil {
		return fmt.Errorf("subscribing workflow handler: %w", err)
	}
	if err := e.queue.Subscribe(stepTopicPrefix, e.handleStepMessage); err != nil {
		return fmt.Errorf("subscribing step handler: %w", err)
	}
	if err := e.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}
	if sweeper, ok := e.store.(storage.Sweeper); ok {
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting storage sweeper: %w", err)
		}
	}
	e.logger.Info("engine started", slog.Any("workflows", e.registry.WorkflowNames()))
	return nil
}

// StartRun creates a run of the named workflow and enqueues its first
// invocation.
func (e *Engine) StartRun(ctx context.Context, workflowName string, input any) (*storage.Run, error) {
	if _, ok := e.registry.workflow(workflowName); !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowName}
	}

	var ops serial.Ops
	rawInput, err := e.codec.Dehydrate(input, &ops, "")
	if err != nil {
		return nil, errors.Wrap(err, "dehydrating run input")
	}
	if err := ops.Await(ctx); err != nil {
		return nil, errors.Wrap(err, "persisting run input streams")
	}

	res, err := e.store.AppendEvent(ctx, "", storage.EventInput{
		Type: storage.EventRunCreated,
		Data: &storage.RunCreatedData{
			WorkflowName: workflowName,
			DeploymentID: e.deploymentID,
			Input:        rawInput,
		},
	})
	if err != nil {
		return nil, err
	}
	run := res.Run

	if err := e.enqueueWorkflow(ctx, run.ID, workflowName, 0); err != nil {
		// The run exists; redelivery of this error to the caller lets
		// them retry the enqueue without duplicating the run.
		return run, err
	}
	log.WithRunContext(e.logger, run.ID, workflowName).Info("run started")
	return run, nil
}

// SendHook delivers a payload to a live hook by token, then re-enters
// the owning workflow.
func (e *Engine) SendHook(ctx context.Context, token string, payload any) error {
	hook, err := e.store.GetHookByToken(ctx, token)
	if err != nil {
		return err
	}

	var ops serial.Ops
	raw, err := e.codec.Dehydrate(payload, &ops, hook.RunID)
	if err != nil {
		return errors.Wrap(err, "dehydrating hook payload")
	}
	if err := ops.Await(ctx); err != nil {
		return errors.Wrap(err, "persisting hook payload streams")
	}

	if _, err := e.store.AppendEvent(ctx, hook.RunID, storage.EventInput{
		Type:          storage.EventHookReceived,
		CorrelationID: hook.ID,
		Data:          &storage.HookReceivedData{Payload: raw},
	}); err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, hook.RunID)
	if err != nil {
		return err
	}
	return e.enqueueWorkflow(ctx, run.ID, run.WorkflowName, 0)
}

// CancelRun cancels a run. Idempotent: cancelling an already-cancelled
// run is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	_, err := e.store.AppendEvent(ctx, runID, storage.EventInput{Type: storage.EventRunCancelled})
	return err
}

// enqueueWorkflow publishes a re-entry message for a run. Re-entries
// carry no idempotency key: every step completion and hook delivery is
// a distinct wake-up, and a lost one is only recovered by the next.
func (e *Engine) enqueueWorkflow(ctx context.Context, runID, workflowName string, delay time.Duration) error {
	payload, err := encodeMessage(&workflowMessage{RunID: runID, WorkflowName: workflowName})
	if err != nil {
		return err
	}
	headers := map[string]string{}
	telemetry.InjectHeaders(ctx, headers)

	opts := &queue.EnqueueOptions{
		DeploymentID:    e.deploymentID,
		VisibilityDelay: delay,
		Headers:         headers,
	}
	if err := e.queue.Enqueue(ctx, workflowTopic(workflowName), payload, opts); err != nil {
		return &errors.TransportError{Op: "enqueue workflow", Cause: err}
	}
	return nil
}

// maxRetries resolves the retry budget for a step: registry options
// first, then the manifest, then the default.
func (e *Engine) maxRetries(stepName string) int {
	if reg, ok := e.registry.step(stepName); ok && reg.opts.MaxRetries != nil {
		return *reg.opts.MaxRetries
	}
	if m := e.manifest.Load(); m != nil {
		if entry, err := m.LookupStep(stepName); err == nil && entry.MaxRetries != nil {
			return *entry.MaxRetries
		}
	}
	return DefaultMaxRetries
}

// loadEvents pages through a run's full log in ascending order.
func (e *Engine) loadEvents(ctx context.Context, runID string) ([]*storage.Event, error) {
	var events []*storage.Event
	var cursor string
	for {
		page, err := e.store.ListEvents(ctx, runID, storage.SortAsc, storage.PageRequest{
			Limit:  200,
			Cursor: cursor,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, page.Items...)
		cursor = page.Cursor
		if !page.HasMore {
			return events, nil
		}
	}
}
