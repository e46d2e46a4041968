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

// Package redis provides a Redis-backed queue for distributed deployments.
//
// Each topic is a sorted set scored by the message's visible-at time in
// unix milliseconds. Claiming a message atomically bumps its score by
// the lease duration, so a crashed worker's messages reappear when the
// lease expires. Idempotency keys are SET NX entries with the dedup
// window as TTL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/queue"
)

// Compile-time interface assertion.
var _ queue.Queue = (*Queue)(nil)

const (
	defaultLease       = 30 * time.Second
	defaultPollRate    = 10 // polls per second across all topics
	redisMaxVisibility = 24 * time.Hour

	topicsKey = "topics"
)

// claimScript pops the oldest visible message id from a topic's sorted
// set and leases it, returning the id and its delivery attempt.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
local attempt = redis.call('HINCRBY', KEYS[2] .. ids[1], 'attempt', 1)
return {ids[1], attempt}
`)

// Config contains Redis queue configuration.
type Config struct {
	// URL is the Redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// KeyPrefix namespaces all queue keys. Default: "durable:".
	KeyPrefix string

	// Lease is how long a claimed message stays invisible while its
	// handler runs. Default: 30s.
	Lease time.Duration

	// Workers is the number of delivery goroutines. Default: 4.
	Workers int
}

// Queue is a Redis-backed queue.
type Queue struct {
	client *goredis.Client
	prefix string
	lease  time.Duration

	mu       sync.Mutex
	handlers []prefixHandler
	started  bool
	closed   bool
	cancel   context.CancelFunc

	workers int
	limiter *rate.Limiter
	logger  *slog.Logger
}

type prefixHandler struct {
	prefix  string
	handler queue.Handler
}

type envelope struct {
	Topic   string            `json:"topic"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// New connects to Redis and returns a queue.
func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "durable:"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Queue{
		client:  client,
		prefix:  cfg.KeyPrefix,
		lease:   cfg.Lease,
		workers: cfg.Workers,
		limiter: rate.NewLimiter(rate.Limit(defaultPollRate), 1),
		logger:  log.WithComponent(logger, "queue.redis"),
	}, nil
}

func (q *Queue) MaxVisibility() time.Duration { return redisMaxVisibility }

func (q *Queue) readyKey(topic string) string { return q.prefix + "ready:" + topic }
func (q *Queue) msgKeyPrefix() string         { return q.prefix + "msg:" }
func (q *Queue) dedupKey(topic, key string) string {
	return q.prefix + "dedup:" + topic + ":" + key
}

// Enqueue publishes a message to a topic. Duplicate idempotency keys
// within the dedup window are dropped silently.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, opts *queue.EnqueueOptions) error {
	if opts == nil {
		opts = &queue.EnqueueOptions{}
	}

	if opts.IdempotencyKey != "" {
		ok, err := q.client.SetNX(ctx, q.dedupKey(topic, opts.IdempotencyKey), 1, queue.DedupWindow).Result()
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return nil
		}
	}

	delay := opts.VisibilityDelay
	if delay > redisMaxVisibility {
		delay = redisMaxVisibility
	}

	id := uuid.NewString()
	env, err := json.Marshal(envelope{Topic: topic, Payload: payload, Headers: opts.Headers})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKeyPrefix()+id, "envelope", env, "attempt", 0)
	pipe.ZAdd(ctx, q.readyKey(topic), goredis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: id,
	})
	pipe.SAdd(ctx, q.prefix+topicsKey, topic)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic prefix. Must be called
// before Start.
func (q *Queue) Subscribe(topicPrefix string, h queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("subscribe after start")
	}
	q.handlers = append(q.handlers, prefixHandler{prefix: topicPrefix, handler: h})
	return nil
}

func (q *Queue) handlerFor(topic string) queue.Handler {
	var best queue.Handler
	bestLen := -1
	for _, ph := range q.handlers {
		if strings.HasPrefix(topic, ph.prefix) && len(ph.prefix) > bestLen {
			best = ph.handler
			bestLen = len(ph.prefix)
		}
	}
	return best
}

// Start launches the polling workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
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

func (q *Queue) worker(ctx context.Context) {
	for {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		delivered, err := q.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("poll failed", log.Error(err))
		}
		// When a delivery happened, poll again immediately (subject to
		// the limiter) instead of sleeping a full interval.
		_ = delivered
	}
}

// pollOnce scans subscribed topics and delivers at most one message.
func (q *Queue) pollOnce(ctx context.Context) (bool, error) {
	topics, err := q.client.SMembers(ctx, q.prefix+topicsKey).Result()
	if err != nil {
		return false, fmt.Errorf("listing topics: %w", err)
	}

	now := time.Now()
	for _, topic := range topics {
		handler := q.handlerFor(topic)
		if handler == nil {
			continue
		}
		raw, err := claimScript.Run(ctx, q.client,
			[]string{q.readyKey(topic), q.msgKeyPrefix()},
			now.UnixMilli(),
			now.Add(q.lease).UnixMilli(),
		).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claiming from %s: %w", topic, err)
		}
		parts, ok := raw.([]any)
		if !ok || len(parts) != 2 {
			return false, fmt.Errorf("claim script returned %T", raw)
		}
		id, _ := parts[0].(string)
		attempt, _ := parts[1].(int64)

		q.deliver(ctx, topic, id, int(attempt), handler)
		return true, nil
	}
	return false, nil
}

func (q *Queue) deliver(ctx context.Context, topic, id string, attempt int, handler queue.Handler) {
	raw, err := q.client.HGet(ctx, q.msgKeyPrefix()+id, "envelope").Result()
	if err != nil {
		q.logger.Warn("loading message envelope", slog.String(log.TopicKey, topic), log.Error(err))
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison message: drop it so it cannot wedge the topic.
		q.logger.Error("dropping undecodable message", slog.String(log.TopicKey, topic), log.Error(err))
		q.ack(ctx, topic, id)
		return
	}

	msg := &queue.Message{
		ID:      id,
		Topic:   topic,
		Payload: env.Payload,
		Attempt: attempt,
		Headers: env.Headers,
	}
	res, err := handler(ctx, msg)

	switch {
	case err != nil:
		backoff := time.Duration(attempt) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		q.release(ctx, topic, id, backoff, false)
		q.logger.Warn("handler failed, message released",
			slog.String(log.TopicKey, topic),
			slog.Int(log.AttemptKey, attempt),
			log.Error(err))

	case res != nil && res.Timeout > 0:
		timeout := res.Timeout
		if timeout > redisMaxVisibility {
			timeout = redisMaxVisibility
		}
		q.release(ctx, topic, id, timeout, true)

	default:
		q.ack(ctx, topic, id)
	}
}

func (q *Queue) ack(ctx context.Context, topic, id string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey(topic), id)
	pipe.Del(ctx, q.msgKeyPrefix()+id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("ack failed", slog.String(log.TopicKey, topic), log.Error(err))
	}
}

// release reschedules a claimed message. A deferral undoes the attempt
// increment so redelivery after a handler-requested timeout does not
// look like a retry.
func (q *Queue) release(ctx context.Context, topic, id string, after time.Duration, deferral bool) {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.readyKey(topic), goredis.Z{
		Score:  float64(time.Now().Add(after).UnixMilli()),
		Member: id,
	})
	if deferral {
		pipe.HIncrBy(ctx, q.msgKeyPrefix()+id, "attempt", -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("release failed", slog.String(log.TopicKey, topic), log.Error(err))
	}
}

// Close stops the workers and closes the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	return q.client.Close()
}
