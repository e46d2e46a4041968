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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/log"
)

func newTestQueue(t *testing.T) *Memory {
	t.Helper()
	q := NewMemory(log.New(nil))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

type recorder struct {
	mu       sync.Mutex
	messages []*Message
}

func (r *recorder) record(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *msg
	r.messages = append(r.messages, &copied)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) last() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

func (r *recorder) at(i int) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[i]
}

func TestEnqueueDeliverAck(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		rec.record(msg)
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte(`{"run":"r1"}`), nil))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := rec.last()
	assert.Equal(t, "workflow_order", msg.Topic)
	assert.Equal(t, 1, msg.Attempt)
	assert.NotEmpty(t, msg.ID)

	// Acked messages drain from the queue.
	require.Eventually(t, func() bool { return q.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, q.Subscribe("step_", func(ctx context.Context, msg *Message) (*Result, error) {
		rec.record(msg)
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	opts := &EnqueueOptions{IdempotencyKey: "charge/0"}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, "step_charge", []byte(`{}`), opts))
	}
	// Same key on a different topic is a different message.
	require.NoError(t, q.Enqueue(ctx, "step_refund", []byte(`{}`), opts))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestVisibilityDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan time.Time, 1)
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		delivered <- time.Now()
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, "workflow_w", []byte(`{}`), &EnqueueOptions{
		VisibilityDelay: 150 * time.Millisecond,
	}))

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(start), 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestHandlerDeferral(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		rec.record(msg)
		if rec.count() == 1 {
			return &Result{Timeout: 100 * time.Millisecond}, nil
		}
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "workflow_w", []byte(`{}`), nil))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	// Deferral is not a failure: both deliveries count as attempt 1.
	assert.Equal(t, 1, rec.last().Attempt)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	require.NoError(t, q.Subscribe("step_", func(ctx context.Context, msg *Message) (*Result, error) {
		rec.record(msg)
		if msg.Attempt < 2 {
			return nil, fmt.Errorf("transient")
		}
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "step_s", []byte(`{}`), nil))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.at(0).Attempt)
	assert.Equal(t, 2, rec.last().Attempt)
}

func TestLongestPrefixWins(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generic := &recorder{}
	specific := &recorder{}
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		generic.record(msg)
		return nil, nil
	}))
	require.NoError(t, q.Subscribe("workflow_order", func(ctx context.Context, msg *Message) (*Result, error) {
		specific.record(msg)
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte(`{}`), nil))
	require.NoError(t, q.Enqueue(ctx, "workflow_other", []byte(`{}`), nil))

	require.Eventually(t, func() bool {
		return specific.count() == 1 && generic.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "workflow_order", specific.last().Topic)
	assert.Equal(t, "workflow_other", generic.last().Topic)
}

func TestHeadersDelivered(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan map[string]string, 1)
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		got <- msg.Headers
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "workflow_w", []byte(`{}`), &EnqueueOptions{
		Headers: map[string]string{"traceparent": "00-abc-def-01"},
	}))

	select {
	case headers := <-got:
		assert.Equal(t, "00-abc-def-01", headers["traceparent"])
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q := NewMemory(log.New(nil))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), "t", nil, nil), ErrQueueClosed)
	assert.ErrorIs(t, q.Subscribe("t", nil), ErrQueueClosed)
	assert.NoError(t, q.Close())
}

func TestSetWorkersLimitsConcurrency(t *testing.T) {
	q := newTestQueue(t)
	q.SetWorkers(1)

	var active, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *Message) (*Result, error) {
		if cur := active.Add(1); cur > peak.Load() {
			peak.Store(cur)
		}
		defer active.Add(-1)
		<-release
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, "workflow_demo", []byte(fmt.Sprintf("%d", i)), nil))
	}

	require.Eventually(t, func() bool { return active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give a second delivery every chance to start before checking it
	// never did.
	time.Sleep(200 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return q.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestSetWorkersIgnoredAfterStart(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	// Must not race with running workers or change the pool size.
	q.SetWorkers(16)
}
