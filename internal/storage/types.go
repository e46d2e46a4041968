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

package storage

import (
	"encoding/json"
	"time"
)

// CurrentSpecVersion is the event schema version this engine writes and
// fully supports. Runs created under an older version are legacy and pass
// through a restricted allow-list; runs created under a newer version are
// rejected entirely.
const CurrentSpecVersion = 2

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status accepts no further run transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the status of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the status accepts no further step transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// EventType identifies an entry in the event catalog.
type EventType string

const (
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"

	EventStepCreated   EventType = "step_created"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepRetrying  EventType = "step_retrying"

	EventHookCreated  EventType = "hook_created"
	EventHookConflict EventType = "hook_conflict"
	EventHookReceived EventType = "hook_received"
	EventHookDisposed EventType = "hook_disposed"

	EventWaitCreated   EventType = "wait_created"
	EventWaitCompleted EventType = "wait_completed"
)

// ErrorInfo is the structured error recorded on failed runs and steps.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Run represents one invocation of a workflow.
type Run struct {
	ID               string          `json:"id"`
	WorkflowName     string          `json:"workflow_name"`
	DeploymentID     string          `json:"deployment_id,omitempty"`
	SpecVersion      int             `json:"spec_version"`
	Status           RunStatus       `json:"status"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            *ErrorInfo      `json:"error,omitempty"`
	ExecutionContext json.RawMessage `json:"execution_context,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Step represents one logical step call inside a run. The step ID is the
// caller-supplied correlation id and is unique within the run.
type Step struct {
	RunID       string          `json:"run_id"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	RetryAfter  *time.Time      `json:"retry_after,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Hook is an externally-addressable resume point. Its token is unique among
// hooks that have not been disposed.
type Hook struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Token     string          `json:"token"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Disposed  bool            `json:"disposed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is one immutable entry in a run's append-only log.
type Event struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	SpecVersion   int             `json:"spec_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Event payloads. The Data field of an Event holds the JSON encoding of one
// of these, selected by the event type.

// RunCreatedData is the payload of run_created.
type RunCreatedData struct {
	WorkflowName     string          `json:"workflow_name"`
	DeploymentID     string          `json:"deployment_id,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	ExecutionContext json.RawMessage `json:"execution_context,omitempty"`
}

// RunCompletedData is the payload of run_completed.
type RunCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// RunFailedData is the payload of run_failed.
type RunFailedData struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

// StepCreatedData is the payload of step_created.
type StepCreatedData struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StepCompletedData is the payload of step_completed.
type StepCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// StepFailedData is the payload of step_failed.
type StepFailedData struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

// StepRetryingData is the payload of step_retrying.
type StepRetryingData struct {
	Error      *ErrorInfo `json:"error,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// HookCreatedData is the payload of hook_created.
type HookCreatedData struct {
	Token    string          `json:"token"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// HookConflictData is the payload of hook_conflict, emitted in place of
// hook_created when the token is already bound to a live hook.
type HookConflictData struct {
	Token string `json:"token"`
}

// HookReceivedData is the payload of hook_received.
type HookReceivedData struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WaitCreatedData is the payload of wait_created.
type WaitCreatedData struct {
	ResumeAt time.Time `json:"resume_at"`
}

// WaitCompletedData is the payload of wait_completed.
type WaitCompletedData struct {
	Result json.RawMessage `json:"result,omitempty"`
}
