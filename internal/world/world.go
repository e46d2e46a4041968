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

// Package world composes a storage backend, a queue backend, and a
// codec into one named handle. Worlds are registered by name and
// selected through configuration; the process-wide handle is cached
// until explicitly reset.
package world

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/queue/redis"
	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/storage/memory"
	"github.com/tombee/durable/internal/storage/sqlite"
)

// World bundles the backends one engine instance runs against.
type World struct {
	Name  string
	Store storage.Store
	Queue queue.Queue
	Codec serial.Codec
}

// Close releases both backends. The first error wins; both are always
// attempted.
func (w *World) Close() error {
	var first error
	if w.Queue != nil {
		if err := w.Queue.Close(); err != nil {
			first = err
		}
	}
	if w.Store != nil {
		if err := w.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Factory builds a world from configuration.
type Factory func(cfg *config.Config, logger *slog.Logger) (*World, error)

var (
	mu        sync.Mutex
	factories = map[string]Factory{
		config.WorldMemory: newMemoryWorld,
		config.WorldLocal:  newLocalWorld,
		config.WorldRedis:  newRedisWorld,
	}
	current *World
)

// Register adds a named world factory. Registering an existing name
// replaces it, which is how tests substitute backends.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Open builds a fresh world for the configured target without touching
// the cached handle.
func Open(cfg *config.Config, logger *slog.Logger) (*World, error) {
	mu.Lock()
	f, ok := factories[cfg.TargetWorld]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown world %q", cfg.TargetWorld)
	}
	w, err := f(cfg, logger)
	if err != nil {
		return nil, err
	}
	w.Name = cfg.TargetWorld
	return w, nil
}

// Current returns the cached process-wide handle, building it on first
// use.
func Current(cfg *config.Config, logger *slog.Logger) (*World, error) {
	mu.Lock()
	if current != nil {
		w := current
		mu.Unlock()
		return w, nil
	}
	mu.Unlock()

	w, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		// Lost the race; keep the winner and discard ours.
		_ = w.Close()
		return current, nil
	}
	current = w
	return current, nil
}

// Reset drops the cached handle so the next Current rebuilds it. The
// previous handle, if any, is returned unclosed; the caller owns its
// shutdown.
func Reset() *World {
	mu.Lock()
	defer mu.Unlock()
	w := current
	current = nil
	return w
}

func newMemoryWorld(cfg *config.Config, logger *slog.Logger) (*World, error) {
	return &World{
		Store: memory.New(),
		Queue: newMemoryQueue(cfg, logger),
		Codec: serial.NewJSONCodec(),
	}, nil
}

func newLocalWorld(cfg *config.Config, logger *slog.Logger) (*World, error) {
	store, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}
	return &World{
		Store: store,
		Queue: newMemoryQueue(cfg, logger),
		Codec: serial.NewJSONCodec(),
	}, nil
}

func newMemoryQueue(cfg *config.Config, logger *slog.Logger) *queue.Memory {
	q := queue.NewMemory(logger)
	q.SetWorkers(cfg.QueueWorkers)
	return q
}

func newRedisWorld(cfg *config.Config, logger *slog.Logger) (*World, error) {
	store, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}
	q, err := redis.New(redis.Config{
		URL:     cfg.RedisURL,
		Workers: cfg.QueueWorkers,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &World{
		Store: store,
		Queue: q,
		Codec: serial.NewJSONCodec(),
	}, nil
}

func openSQLite(cfg *config.Config) (storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return sqlite.New(sqlite.Config{
		Path: filepath.Join(cfg.DataDir, "durable.db"),
	})
}
