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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/durable/internal/log"
)

const (
	defaultWorkers = 4

	// memoryMaxVisibility is generous because nothing in-process expires
	// leases; it exists so callers exercise the same re-deferral path
	// they need against capped backends.
	memoryMaxVisibility = 24 * time.Hour

	maxRetryBackoff = 30 * time.Second
)

// ErrQueueClosed is returned for operations on a closed queue.
var ErrQueueClosed = fmt.Errorf("queue is closed")

type memItem struct {
	msg         *Message
	seq         uint64
	availableAt time.Time
	inflight    bool
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

// Memory is the in-process queue used by the local and memory worlds.
// Delivery is FIFO per topic by enqueue order, subject to visibility.
type Memory struct {
	mu       sync.Mutex
	items    []*memItem
	handlers []prefixHandler
	dedup    map[string]time.Time
	seq      uint64
	signal   chan struct{}
	closed   bool
	workers  int
	started  bool
	logger   *slog.Logger
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-process queue with the default worker count.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		dedup:   make(map[string]time.Time),
		signal:  make(chan struct{}, 1),
		workers: defaultWorkers,
		logger:  log.WithComponent(logger, "queue"),
	}
}

func (q *Memory) MaxVisibility() time.Duration { return memoryMaxVisibility }

// SetWorkers overrides the delivery worker count. It has no effect
// after Start; n < 1 keeps the current value.
func (q *Memory) SetWorkers(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || n < 1 {
		return
	}
	q.workers = n
}

// Enqueue publishes a message. A duplicate idempotency key within
// DedupWindow is dropped silently; dropping must look like success
// because the first enqueue already carries the work.
func (q *Memory) Enqueue(ctx context.Context, topic string, payload []byte, opts *EnqueueOptions) error {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	now := time.Now()
	if opts.IdempotencyKey != "" {
		key := topic + "\x00" + opts.IdempotencyKey
		if exp, ok := q.dedup[key]; ok && exp.After(now) {
			log.Trace(q.logger, "deduplicated enqueue",
				slog.String(log.TopicKey, topic),
				slog.String("idempotency_key", opts.IdempotencyKey))
			return nil
		}
		q.dedup[key] = now.Add(DedupWindow)
		q.pruneDedupLocked(now)
	}

	delay := opts.VisibilityDelay
	if delay > memoryMaxVisibility {
		delay = memoryMaxVisibility
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	q.seq++
	q.items = append(q.items, &memItem{
		msg: &Message{
			ID:      uuid.NewString(),
			Topic:   topic,
			Payload: payload,
			Headers: headers,
		},
		seq:         q.seq,
		availableAt: now.Add(delay),
	})
	q.wake()
	return nil
}

func (q *Memory) pruneDedupLocked(now time.Time) {
	if len(q.dedup) < 4096 {
		return
	}
	for k, exp := range q.dedup {
		if !exp.After(now) {
			delete(q.dedup, k)
		}
	}
}

// Subscribe registers a handler for a topic prefix. At dispatch the
// longest matching prefix wins, so "workflow_order" can shadow
// "workflow_" for one workflow.
func (q *Memory) Subscribe(topicPrefix string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return fmt.Errorf("subscribe after start")
	}
	q.handlers = append(q.handlers, prefixHandler{prefix: topicPrefix, handler: h})
	return nil
}

func (q *Memory) handlerFor(topic string) Handler {
	var best Handler
	bestLen := -1
	for _, ph := range q.handlers {
		if strings.HasPrefix(topic, ph.prefix) && len(ph.prefix) > bestLen {
			best = ph.handler
			bestLen = len(ph.prefix)
		}
	}
	return best
}

// Start launches the delivery workers and returns immediately. Workers
// stop when ctx is cancelled or the queue is closed.
func (q *Memory) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	workers := q.workers
	q.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	go func() { _ = g.Wait() }()
	return nil
}

func (q *Memory) worker(ctx context.Context) {
	for {
		it, handler, wait := q.claim()
		if it == nil {
			if q.isClosed() {
				return
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.signal:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		q.deliver(ctx, it, handler)
	}
}

// claim picks the oldest visible message with a registered handler and
// marks it in flight. When nothing is ready it returns the time until
// the next message becomes visible.
func (q *Memory) claim() (*memItem, Handler, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	wait := time.Minute
	var best *memItem
	var bestHandler Handler
	for _, it := range q.items {
		if it.inflight {
			continue
		}
		if it.availableAt.After(now) {
			if d := it.availableAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		h := q.handlerFor(it.msg.Topic)
		if h == nil {
			continue
		}
		if best == nil || it.seq < best.seq {
			best = it
			bestHandler = h
		}
	}
	if best == nil {
		return nil, nil, wait
	}
	best.inflight = true
	best.msg.Attempt++
	return best, bestHandler, 0
}

func (q *Memory) deliver(ctx context.Context, it *memItem, handler Handler) {
	res, err := handler(ctx, it.msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	it.inflight = false

	switch {
	case err != nil:
		backoff := time.Duration(it.msg.Attempt) * time.Second
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		it.availableAt = time.Now().Add(backoff)
		q.logger.Warn("handler failed, message released",
			slog.String(log.TopicKey, it.msg.Topic),
			slog.Int(log.AttemptKey, it.msg.Attempt),
			log.Error(err))

	case res != nil && res.Timeout > 0:
		timeout := res.Timeout
		if timeout > memoryMaxVisibility {
			timeout = memoryMaxVisibility
		}
		it.availableAt = time.Now().Add(timeout)
		// Deferral is not a failure; the next delivery should not look
		// like a retry.
		it.msg.Attempt--

	default:
		q.removeLocked(it)
	}
	q.wake()
}

func (q *Memory) removeLocked(target *memItem) {
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// wake must be called with q.mu held; the signal channel is closed by
// Close under the same lock.
func (q *Memory) wake() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Depth reports the number of queued messages, in-flight included.
// Exposed for the telemetry queue depth gauge.
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Queued messages are dropped; durable delivery
// is the job of the persistent backends.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
