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

// Package errors defines the error taxonomy shared by the storage layer,
// the queue, and the engine. Every error that crosses a component boundary
// is one of the types below so that callers can classify without string
// matching.
package errors

import (
	"fmt"
	"time"
)

// ConflictKind classifies a ConflictError for programmatic handling.
type ConflictKind string

const (
	// ConflictDuplicate indicates a duplicate entity creation. Expected
	// under queue redelivery; callers usually log and continue.
	ConflictDuplicate ConflictKind = "duplicate"

	// ConflictTerminalState indicates a state-changing event against a
	// terminal run or step. Indicates programmer error or a lost update.
	ConflictTerminalState ConflictKind = "terminal_state"

	// ConflictTokenCollision indicates a hook token already bound to a
	// live hook.
	ConflictTokenCollision ConflictKind = "token_collision"

	// ConflictInvalidTransition indicates a state-changing event that the
	// entity's state machine does not permit from its current status.
	ConflictInvalidTransition ConflictKind = "invalid_transition"
)

// NotFoundError represents a missing entity or correlation target.
type NotFoundError struct {
	// Resource is the entity type (e.g., "run", "step", "hook")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents duplicate creation, a terminal-state violation,
// or a hook token collision.
type ConflictError struct {
	// Resource is the entity type involved in the conflict
	Resource string

	// ID is the identifier of the conflicting entity
	ID string

	// Kind classifies the conflict
	Kind ConflictKind

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("conflict on %s %s (%s)", e.Resource, e.ID, e.Kind)
}

// GoneError indicates the run already reached a terminal state. Most
// callers treat this as a safe no-op.
type GoneError struct {
	// Resource is the entity type (usually "run")
	Resource string

	// ID is the identifier of the terminal entity
	ID string
}

// Error implements the error interface.
func (e *GoneError) Error() string {
	return fmt.Sprintf("%s gone: %s", e.Resource, e.ID)
}

// VersionError represents a spec-version gate failure: the run was created
// under an event schema the engine cannot process.
type VersionError struct {
	// RunVersion is the spec version the run was created under
	RunVersion int

	// EngineVersion is the spec version the engine supports
	EngineVersion int

	// Message is the gate-specific description
	Message string
}

// Error implements the error interface.
func (e *VersionError) Error() string {
	return e.Message
}

// FatalError is raised by user code to terminate a step or run immediately
// with no retry.
type FatalError struct {
	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "fatal error"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// RetryableError is raised by user code to request a retry, optionally at
// a specific time.
type RetryableError struct {
	// Message is the human-readable error description
	Message string

	// RetryAfter is the earliest time the next attempt should run.
	// Nil means retry as soon as the queue redelivers.
	RetryAfter *time.Time

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// TransportError represents a queue or storage I/O failure. Always
// retryable at the queue layer.
type TransportError struct {
	// Op describes the operation that failed (e.g., "enqueue", "append event")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}
