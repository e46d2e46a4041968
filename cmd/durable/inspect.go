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
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
)

// runDetail is the composite the inspect command renders.
type runDetail struct {
	Run    *storage.Run     `json:"run"`
	Steps  []*storage.Step  `json:"steps,omitempty"`
	Hooks  []*storage.Hook  `json:"hooks,omitempty"`
	Events []*storage.Event `json:"events,omitempty"`
}

func newInspectCommand() *cobra.Command {
	var (
		showEvents bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show a run's state, steps, and hooks",
		Example: `  # Show a run
  durable inspect run-01HXYZ

  # Include the full event log
  durable inspect run-01HXYZ --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, _, err := openWorld()
			if err != nil {
				return err
			}
			defer w.Close()

			detail, err := collectRunDetail(cmd.Context(), w, args[0], showEvents)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, detail)
			}
			return renderRunDetail(cmd, detail)
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "Include the event log")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func collectRunDetail(ctx context.Context, w *world.World, runID string, withEvents bool) (*runDetail, error) {
	run, err := w.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	detail := &runDetail{Run: run}

	steps, err := w.Store.ListSteps(ctx, runID, storage.PageRequest{Limit: 200})
	if err != nil {
		return nil, err
	}
	detail.Steps = steps.Items

	hooks, err := w.Store.ListHooks(ctx, runID, storage.PageRequest{Limit: 200})
	if err != nil {
		return nil, err
	}
	detail.Hooks = hooks.Items

	if withEvents {
		var cursor string
		for {
			page, err := w.Store.ListEvents(ctx, runID, storage.SortAsc, storage.PageRequest{Limit: 200, Cursor: cursor})
			if err != nil {
				return nil, err
			}
			detail.Events = append(detail.Events, page.Items...)
			if !page.HasMore {
				break
			}
			cursor = page.Cursor
		}
	}
	return detail, nil
}

func renderRunDetail(cmd *cobra.Command, d *runDetail) error {
	out := cmd.OutOrStdout()
	run := d.Run

	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Workflow: %s\n", run.WorkflowName)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Created:  %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	}
	if run.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", run.Error.Message)
	}
	if len(run.Output) > 0 {
		fmt.Fprintf(out, "Output:   %s\n", string(run.Output))
	}

	if len(d.Steps) > 0 {
		fmt.Fprintln(out, "\nSteps:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tNAME\tSTATUS\tATTEMPT")
		for _, s := range d.Steps {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\n", s.ID, s.Name, s.Status, s.Attempt)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(d.Hooks) > 0 {
		fmt.Fprintln(out, "\nHooks:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tTOKEN\tDISPOSED")
		for _, h := range d.Hooks {
			fmt.Fprintf(tw, "  %s\t%s\t%t\n", h.ID, h.Token, h.Disposed)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(d.Events) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  TIME\tTYPE\tCORRELATION")
		for _, ev := range d.Events {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n",
				ev.CreatedAt.Local().Format(time.RFC3339), ev.Type, ev.CorrelationID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
