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

// Package queue provides the message queue contract the engine runs on:
// at-least-once delivery, best-effort FIFO per topic, idempotency-key
// deduplication over a bounded window, and visibility timeouts.
//
// The engine uses two topic shapes: workflow_<name> for workflow
// invocations and step_<stepName> for step executions. Handlers are
// registered by topic prefix; the longest matching prefix wins.
package queue

import (
	"context"
	"time"
)

// DedupWindow is how long an idempotency key suppresses re-enqueues of
// the same message on the same topic.
const DedupWindow = time.Hour

// Message is one delivery. Attempt counts deliveries of this message,
// starting at 1. Headers carry propagation metadata (trace context);
// they are opaque to the queue.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Attempt int
	Headers map[string]string
}

// EnqueueOptions tunes a single enqueue. The zero value (or nil) means
// immediate visibility, no deduplication.
type EnqueueOptions struct {
	// IdempotencyKey suppresses duplicate enqueues of the same logical
	// message within DedupWindow. Scoped per topic.
	IdempotencyKey string

	// DeploymentID routes the message to workers of one deployment.
	DeploymentID string

	// VisibilityDelay hides the message for the given duration before
	// first delivery. Clamped to the backend's MaxVisibility.
	VisibilityDelay time.Duration

	// Headers are attached to the delivered message.
	Headers map[string]string
}

// Result is a handler's instruction to the queue. A positive Timeout
// keeps the message invisible for that duration and redelivers it
// afterwards without counting a failure.
type Result struct {
	Timeout time.Duration
}

// Handler processes one delivery. Returning (nil, nil) acknowledges the
// message. Returning a Result defers redelivery by Result.Timeout.
// Returning an error releases the message for redelivery with backoff.
type Handler func(ctx context.Context, msg *Message) (*Result, error)

// Queue is the transport contract consumed by the engine.
type Queue interface {
	// Enqueue publishes a message to a topic.
	Enqueue(ctx context.Context, topic string, payload []byte, opts *EnqueueOptions) error

	// Subscribe registers a handler for every topic sharing the given
	// prefix. Must be called before Start.
	Subscribe(topicPrefix string, h Handler) error

	// Start launches the delivery workers. They stop when ctx is
	// cancelled or the queue is closed.
	Start(ctx context.Context) error

	// MaxVisibility is the longest a message can stay invisible in one
	// deferral. Callers needing longer waits must re-defer before the
	// cap expires.
	MaxVisibility() time.Duration

	// Close stops delivery and releases resources.
	Close() error
}
