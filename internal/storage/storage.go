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

// Package storage defines the event-sourced persistence contract for the
// workflow runtime.
//
// Events are the source of truth; runs, steps, and hooks are projections
// updated in the same transaction (or under the same per-run lock) as the
// event append. The storage layer is the only place that validates entity
// state machines: backends share the transition logic in statemachine.go
// and differ only in how they persist the resulting change set.
//
// A Store handle is scoped to one namespace (owner, project, environment);
// hook token uniqueness and run listings never cross handles.
//
// # Interface hierarchy
//
//   - EventAppender (core, required): AppendEvent
//   - RunReader / StepReader / HookReader / EventReader: lookups and listings
//   - Sweeper (optional): background loops for backends that reclaim
//     expired queue leases or sweep due waits
//   - io.Closer
//
// The Store interface composes all of these for full-featured backends.
package storage

import (
	"context"
	"io"
)

// SortOrder selects the time direction of a listing.
type SortOrder string

const (
	// SortAsc lists oldest first. Default for event listings.
	SortAsc SortOrder = "asc"
	// SortDesc lists newest first. Default for runs, steps, and hooks.
	SortDesc SortOrder = "desc"
)

// EventInput describes one event to append. Data holds a pointer to the
// typed payload struct matching the event type (e.g., *StepCreatedData);
// backends encode it to JSON on write.
type EventInput struct {
	Type          EventType
	CorrelationID string
	Data          any
}

// AppendResult carries the written event and every entity projection the
// append updated. Entities the event did not touch are nil. Event is nil
// for the documented no-event cases (idempotent run_cancelled on an
// already-cancelled run, legacy-run cancellation).
type AppendResult struct {
	Event *Event
	Run   *Run
	Step  *Step
	Hook  *Hook
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	DeploymentID string
}

// PageRequest selects one page of a listing.
type PageRequest struct {
	// Limit caps the number of returned items. Zero means the backend
	// default (50).
	Limit int

	// Cursor resumes a prior listing. Empty starts from the beginning.
	Cursor string
}

// DefaultPageLimit is applied when PageRequest.Limit is zero.
const DefaultPageLimit = 50

// Page is one page of a listing. Cursor is always set to the last returned
// item, even when HasMore is false, so a client can resume after new
// inserts without skipping items.
type Page[T any] struct {
	Items   []T
	Cursor  string
	HasMore bool
}

// EventAppender is the core write interface. See AppendEvent.
type EventAppender interface {
	// AppendEvent validates the event against the entity state machines,
	// persists it together with the projected entity update, and returns
	// both. When runID is empty and the event type is run_created, the
	// store allocates the run id.
	//
	// Fails with NotFoundError (correlation target missing),
	// ConflictError (terminal-state violation, duplicate creation, token
	// collision), or VersionError (spec-version gate).
	AppendEvent(ctx context.Context, runID string, in EventInput) (*AppendResult, error)
}

// RunReader provides run lookups and listings.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns lists runs newest-first with cursor pagination.
	ListRuns(ctx context.Context, filter RunFilter, page PageRequest) (*Page[*Run], error)

	// DeleteRun deletes a run and cascades to its steps, hooks, and events.
	DeleteRun(ctx context.Context, runID string) error
}

// StepReader provides step lookups and listings.
type StepReader interface {
	GetStep(ctx context.Context, runID, stepID string) (*Step, error)

	// ListSteps lists a run's steps newest-first with cursor pagination.
	ListSteps(ctx context.Context, runID string, page PageRequest) (*Page[*Step], error)
}

// HookReader provides hook lookups and listings.
type HookReader interface {
	GetHook(ctx context.Context, hookID string) (*Hook, error)

	// GetHookByToken resolves a live (non-disposed) hook by token.
	GetHookByToken(ctx context.Context, token string) (*Hook, error)

	// ListHooks lists hooks newest-first. An empty runID lists across all
	// runs in the namespace.
	ListHooks(ctx context.Context, runID string, page PageRequest) (*Page[*Hook], error)
}

// EventReader provides event log listings.
type EventReader interface {
	// ListEvents lists a run's events in the given time order
	// (SortAsc when order is empty).
	ListEvents(ctx context.Context, runID string, order SortOrder, page PageRequest) (*Page[*Event], error)

	// ListEventsByCorrelation lists all events carrying the given
	// correlation id, across the run's log.
	ListEventsByCorrelation(ctx context.Context, correlationID string, order SortOrder, page PageRequest) (*Page[*Event], error)
}

// Sweeper is an optional interface for backends that run background work
// (wait sweeps, lease reclamation). Start returns once the loops are
// running; they stop when the context is cancelled.
type Sweeper interface {
	Start(ctx context.Context) error
}

// Store is the full storage contract consumed by the engine.
type Store interface {
	EventAppender
	RunReader
	StepReader
	HookReader
	EventReader
	io.Closer
}
