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

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/engine"
)

func newRunCommand() *cobra.Command {
	var (
		inputJSON  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a workflow run",
		Long: `Start a run of the named workflow. The run is recorded and its first
invocation enqueued; a worker process executes the body.`,
		Example: `  # Start a run with no input
  durable run order-flow

  # Start a run with JSON input
  durable run order-flow --input '{"orderId": "o-123"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			}

			w, cfg, err := openWorld()
			if err != nil {
				return err
			}
			defer w.Close()

			run, err := engine.Submit(cmd.Context(), w.Store, w.Queue, w.Codec, args[0], input, cfg.DeploymentID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started run %s (%s)\n", run.ID, run.WorkflowName)
			return nil
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "Workflow input as JSON")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the created run as JSON")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
