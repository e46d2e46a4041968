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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/storage"
)

func newRunsCommand() *cobra.Command {
	var (
		workflowName string
		status       string
		limit        int
		cursor       string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		Long: `List runs newest-first. Repeat with --cursor to page through
older runs.`,
		Example: `  # Most recent runs
  durable runs

  # Failed runs of one workflow
  durable runs --workflow order-flow --status failed

  # Next page
  durable runs --cursor <cursor-from-previous-page>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, _, err := openWorld()
			if err != nil {
				return err
			}
			defer w.Close()

			page, err := w.Store.ListRuns(cmd.Context(), storage.RunFilter{
				WorkflowName: workflowName,
				Status:       storage.RunStatus(status),
			}, storage.PageRequest{Limit: limit, Cursor: cursor})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd, page)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tCREATED")
			for _, run := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					run.ID, run.WorkflowName, run.Status,
					run.CreatedAt.Local().Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "\nmore runs available: --cursor %s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page's cursor")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
