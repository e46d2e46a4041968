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

package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/log"
)

const sampleManifest = `{
  "version": "1.0.0",
  "steps": {
    "src/billing.ts": {
      "charge": {"stepId": "step//src/billing.ts//charge", "maxRetries": 5},
      "refund": {"stepId": "step//src/billing.ts//refund"}
    }
  },
  "workflows": {
    "src/billing.ts": {
      "order": {"workflowId": "workflow//src/billing.ts//order", "graph": {"nodes": [], "edges": []}}
    }
  }
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)

	step, err := m.LookupStep("charge")
	require.NoError(t, err)
	assert.Equal(t, "step//src/billing.ts//charge", step.StepID)
	require.NotNil(t, step.MaxRetries)
	assert.Equal(t, 5, *step.MaxRetries)

	wf, err := m.LookupWorkflow("order")
	require.NoError(t, err)
	assert.Equal(t, "workflow//src/billing.ts//order", wf.WorkflowID)

	assert.Equal(t, []string{"order"}, m.WorkflowNames())
}

func TestParseRejectsMissingIDs(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.0.0","steps":{"f.ts":{"s":{}}}}`))
	assert.ErrorContains(t, err, "no stepId")

	_, err = Parse([]byte(`{"steps":{}}`))
	assert.ErrorContains(t, err, "no version")
}

func TestLookupMisses(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	_, err = m.LookupStep("nope")
	assert.ErrorContains(t, err, "not in manifest")
	_, err = m.LookupWorkflow("nope")
	assert.ErrorContains(t, err, "not in manifest")
}

func TestLookupAmbiguous(t *testing.T) {
	m := &Manifest{
		Version: "1.0.0",
		Steps: map[string]map[string]*StepEntry{
			"a.ts": {"dup": {StepID: "step//a.ts//dup"}},
			"b.ts": {"dup": {StepID: "step//b.ts//dup"}},
		},
	}
	_, err := m.LookupStep("dup")
	assert.ErrorContains(t, err, "ambiguous")
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	var mu sync.Mutex
	var versions []string
	w, err := NewWatcher(path, func(m *Manifest) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, m.Version)
	}, log.New(nil))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	updated := `{"version":"1.0.1","steps":{},"workflows":{}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) >= 1 && versions[len(versions)-1] == "1.0.1"
	}, 5*time.Second, 20*time.Millisecond)

	// A broken write keeps the previous manifest: the callback must not
	// fire with a bad version.
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "1.0.1", versions[len(versions)-1])
}

func TestWatcherIdleUntilStarted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	var fired atomic.Int32
	w, err := NewWatcher(path, func(*Manifest) { fired.Add(1) }, log.New(nil))
	require.NoError(t, err)
	defer w.Close()

	// Construction alone must not deliver reloads.
	updated := `{"version":"2.0.0","steps":{},"workflows":{}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}
