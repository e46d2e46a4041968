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

package world

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/log"
)

func testLogger() *slog.Logger {
	return log.New(&log.Config{Level: "error", Output: io.Discard})
}

func TestOpenMemoryWorld(t *testing.T) {
	cfg := config.Default()
	cfg.TargetWorld = config.WorldMemory

	w, err := Open(cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, config.WorldMemory, w.Name)
	assert.NotNil(t, w.Store)
	assert.NotNil(t, w.Queue)
	assert.NotNil(t, w.Codec)
}

func TestOpenLocalWorld(t *testing.T) {
	cfg := config.Default()
	cfg.TargetWorld = config.WorldLocal
	cfg.DataDir = t.TempDir()

	w, err := Open(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestOpenUnknownWorld(t *testing.T) {
	cfg := config.Default()
	cfg.TargetWorld = "nope"

	_, err := Open(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown world")
}

func TestCurrentCachesAndResets(t *testing.T) {
	t.Cleanup(func() {
		if w := Reset(); w != nil {
			_ = w.Close()
		}
	})

	cfg := config.Default()
	cfg.TargetWorld = config.WorldMemory

	first, err := Current(cfg, testLogger())
	require.NoError(t, err)
	second, err := Current(cfg, testLogger())
	require.NoError(t, err)
	assert.Same(t, first, second)

	prev := Reset()
	assert.Same(t, first, prev)
	require.NoError(t, prev.Close())

	third, err := Current(cfg, testLogger())
	require.NoError(t, err)
	defer third.Close()
	assert.NotSame(t, first, third)
}

func TestRegisterReplacesFactory(t *testing.T) {
	t.Cleanup(func() {
		mu.Lock()
		delete(factories, "custom")
		mu.Unlock()
	})

	Register("custom", func(cfg *config.Config, logger *slog.Logger) (*World, error) {
		return newMemoryWorld(cfg, logger)
	})

	cfg := config.Default()
	cfg.TargetWorld = "custom"
	// Validate would reject an unknown world name; Open does not consult
	// Validate, mirroring how tests wire substitute backends.
	w, err := Open(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
