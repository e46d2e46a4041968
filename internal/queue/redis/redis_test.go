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

package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/queue"
)

// Integration tests require a running Redis; set DURABLE_REDIS_TEST_URL
// (e.g. redis://localhost:6379/15) to enable them.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("DURABLE_REDIS_TEST_URL")
	if url == "" {
		t.Skip("DURABLE_REDIS_TEST_URL not set")
	}
	q, err := New(Config{
		URL: url,
		// Unique prefix per test so parallel runs do not interfere.
		KeyPrefix: "durable-test:" + uuid.NewString() + ":",
		Lease:     5 * time.Second,
	}, log.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDeliverAck(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*queue.Message
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "workflow_order", []byte(`{"run":"r1"}`), &queue.EnqueueOptions{
		Headers: map[string]string{"traceparent": "00-abc-def-01"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "workflow_order", got[0].Topic)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, []byte(`{"run":"r1"}`), []byte(got[0].Payload))
	assert.Equal(t, "00-abc-def-01", got[0].Headers["traceparent"])
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	require.NoError(t, q.Subscribe("step_", func(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	opts := &queue.EnqueueOptions{IdempotencyKey: "charge/0"}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, "step_charge", []byte(`{}`), opts))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 10*time.Second, 50*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	require.NoError(t, q.Subscribe("step_", func(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, msg.Attempt)
		if msg.Attempt < 2 {
			return nil, fmt.Errorf("transient")
		}
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Enqueue(ctx, "step_s", []byte(`{}`), nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 15*time.Second, 50*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestVisibilityDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan time.Time, 1)
	require.NoError(t, q.Subscribe("workflow_", func(ctx context.Context, msg *queue.Message) (*queue.Result, error) {
		delivered <- time.Now()
		return nil, nil
	}))
	require.NoError(t, q.Start(ctx))

	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, "workflow_w", []byte(`{}`), &queue.EnqueueOptions{
		VisibilityDelay: 500 * time.Millisecond,
	}))

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(start), 500*time.Millisecond)
	case <-time.After(10 * time.Second):
		t.Fatal("message never delivered")
	}
}
