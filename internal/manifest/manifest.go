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

// Package manifest loads the build manifest: the static artifact a
// build-time analysis step produces, mapping workflow and step names to
// their stable identifiers. The engine consumes it read-only; it never
// produces or rewrites one.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
)

// StepEntry describes one step function found at build time.
type StepEntry struct {
	// StepID is the stable identifier, e.g. "step//src/flows.ts//charge".
	// It survives renames the bundler may apply.
	StepID string `json:"stepId"`

	// MaxRetries overrides the engine default retry budget when set.
	MaxRetries *int `json:"maxRetries,omitempty"`

	// TimeoutSeconds is the advisory wall-clock budget for one attempt.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// WorkflowEntry describes one workflow function found at build time.
type WorkflowEntry struct {
	WorkflowID string `json:"workflowId"`

	// Graph is the build-time flow graph. Advisory, for visualization;
	// the engine never reads it.
	Graph json.RawMessage `json:"graph,omitempty"`
}

// Manifest is the parsed artifact. Both top-level maps are keyed by
// source file path, then by the function's local name.
type Manifest struct {
	Version   string                               `json:"version"`
	Steps     map[string]map[string]*StepEntry     `json:"steps"`
	Workflows map[string]map[string]*WorkflowEntry `json:"workflows"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(raw)
}

// Parse decodes manifest JSON and validates the pieces the engine
// depends on.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest has no version")
	}
	for file, steps := range m.Steps {
		for name, entry := range steps {
			if entry == nil || entry.StepID == "" {
				return nil, fmt.Errorf("manifest step %s in %s has no stepId", name, file)
			}
		}
	}
	for file, workflows := range m.Workflows {
		for name, entry := range workflows {
			if entry == nil || entry.WorkflowID == "" {
				return nil, fmt.Errorf("manifest workflow %s in %s has no workflowId", name, file)
			}
		}
	}
	return &m, nil
}

// LookupStep finds a step entry by local name across all source files.
// Ambiguous names (same name in two files) return an error.
func (m *Manifest) LookupStep(name string) (*StepEntry, error) {
	var found *StepEntry
	for _, steps := range m.Steps {
		if entry, ok := steps[name]; ok {
			if found != nil {
				return nil, fmt.Errorf("step %q is ambiguous in manifest", name)
			}
			found = entry
		}
	}
	if found == nil {
		return nil, fmt.Errorf("step %q not in manifest", name)
	}
	return found, nil
}

// LookupWorkflow finds a workflow entry by local name across all source
// files.
func (m *Manifest) LookupWorkflow(name string) (*WorkflowEntry, error) {
	var found *WorkflowEntry
	for _, workflows := range m.Workflows {
		if entry, ok := workflows[name]; ok {
			if found != nil {
				return nil, fmt.Errorf("workflow %q is ambiguous in manifest", name)
			}
			found = entry
		}
	}
	if found == nil {
		return nil, fmt.Errorf("workflow %q not in manifest", name)
	}
	return found, nil
}

// WorkflowNames lists every workflow's local name.
func (m *Manifest) WorkflowNames() []string {
	var names []string
	for _, workflows := range m.Workflows {
		for name := range workflows {
			names = append(names, name)
		}
	}
	return names
}
