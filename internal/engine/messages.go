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
	"encoding/json"
	"fmt"
	"time"
)

// Topic shapes. No other shapes are assumed anywhere in the engine.
const (
	workflowTopicPrefix = "workflow_"
	stepTopicPrefix     = "step_"
)

func workflowTopic(workflowName string) string { return workflowTopicPrefix + workflowName }
func stepTopic(stepName string) string         { return stepTopicPrefix + stepName }

// workflowMessage invokes (or re-enters) a workflow run.
type workflowMessage struct {
	RunID        string `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
}

// stepMessage requests one step execution attempt.
type stepMessage struct {
	RunID             string     `json:"run_id"`
	StepID            string     `json:"step_id"`
	StepName          string     `json:"step_name"`
	WorkflowName      string     `json:"workflow_name"`
	WorkflowStartedAt *time.Time `json:"workflow_started_at,omitempty"`
	RequestedAt       time.Time  `json:"requested_at"`
}

func encodeMessage(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding queue message: %w", err)
	}
	return raw, nil
}

func decodeMessage(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding queue message: %w", err)
	}
	return nil
}
