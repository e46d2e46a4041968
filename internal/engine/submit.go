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

	"github.com/tombee/durable/internal/queue"
	"github.com/tombee/durable/internal/serial"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/telemetry"
	"github.com/tombee/durable/pkg/errors"
)

// Submit records a run and enqueues its first invocation without
// requiring the workflow to be registered in this process. Operator
// tooling uses it to start runs that a separate worker executes.
func Submit(ctx context.Context, store storage.Store, q queue.Queue, codec serial.Codec, workflowName string, input any, deploymentID string) (*storage.Run, error) {
	var ops serial.Ops
	rawInput, err := codec.Dehydrate(input, &ops, "")
	if err != nil {
		return nil, errors.Wrap(err, "dehydrating run input")
	}
	if err := ops.Await(ctx); err != nil {
		return nil, errors.Wrap(err, "persisting run input streams")
	}

	res, err := store.AppendEvent(ctx, "", storage.EventInput{
		Type: storage.EventRunCreated,
		Data: &storage.RunCreatedData{
			WorkflowName: workflowName,
			DeploymentID: deploymentID,
			Input:        rawInput,
		},
	})
	if err != nil {
		return nil, err
	}
	run := res.Run

	payload, err := encodeMessage(&workflowMessage{RunID: run.ID, WorkflowName: workflowName})
	if err != nil {
		return run, err
	}
	headers := map[string]string{}
	telemetry.InjectHeaders(ctx, headers)
	if err := q.Enqueue(ctx, workflowTopic(workflowName), payload, &queue.EnqueueOptions{
		DeploymentID: deploymentID,
		Headers:      headers,
	}); err != nil {
		return run, &errors.TransportError{Op: "enqueue", Cause: err}
	}
	return run, nil
}
