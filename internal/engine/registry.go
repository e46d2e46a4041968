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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxRetries is the retry budget for steps without an override:
// one initial attempt plus DefaultMaxRetries retries.
const DefaultMaxRetries = 3

// WorkflowFunc is a user workflow body. It must be deterministic: all
// side effects and non-deterministic reads (clocks, randomness) belong
// inside steps. It receives the replay context and the hydrated run
// input.
type WorkflowFunc func(wctx *RunContext, input any) (any, error)

// StepFunc is a user step body. It runs at most once per attempt and
// may do anything.
type StepFunc func(ctx context.Context, input any) (any, error)

// StepOptions overrides per-step execution policy.
type StepOptions struct {
	// MaxRetries overrides DefaultMaxRetries. Zero means no retries.
	MaxRetries *int

	// Timeout is the wall-clock budget for one attempt. Zero means no
	// engine-imposed timeout.
	Timeout time.Duration
}

type registeredStep struct {
	fn   StepFunc
	opts StepOptions
}

// Registry holds the workflow and step functions the engine can
// dispatch to. Registration happens before Start; lookups are
// read-mostly.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	steps     map[string]registeredStep
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]WorkflowFunc),
		steps:     make(map[string]registeredStep),
	}
}

// DefaultRegistry is the process-wide registry durabled serves.
// Embedders register workflows and steps here before the daemon starts.
var DefaultRegistry = NewRegistry()

// RegisterWorkflow adds a workflow body under its name.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// RegisterStep adds a step body under its name. opts may be nil.
func (r *Registry) RegisterStep(name string, fn StepFunc, opts *StepOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	reg := registeredStep{fn: fn}
	if opts != nil {
		reg.opts = *opts
	}
	r.steps[name] = reg
	return nil
}

func (r *Registry) workflow(name string) (WorkflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) step(name string) (registeredStep, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.steps[name]
	return reg, ok
}

// WorkflowNames lists registered workflow names.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
