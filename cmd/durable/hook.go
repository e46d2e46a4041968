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
)

func newHookCommand() *cobra.Command {
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "hook <token>",
		Short: "Deliver a payload to a hook",
		Long: `Deliver a payload to the live hook bound to the given token and wake
the owning workflow.`,
		Example: `  durable hook approve-order-123 --payload '{"approved": true}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parsing --payload: %w", err)
				}
			}

			eng, w, err := openEngine()
			if err != nil {
				return err
			}
			defer w.Close()

			if err := eng.SendHook(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered hook %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Hook payload as JSON")
	return cmd
}
