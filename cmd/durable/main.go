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

// durable is the operator CLI: start runs, list and inspect them,
// deliver hook payloads, and cancel runs against the configured world.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "durable",
		Short:         "Operate durable workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&worldOverride, "world", "", "Target world (memory, local, redis)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newRunsCommand())
	root.AddCommand(newInspectCommand())
	root.AddCommand(newCancelCommand())
	root.AddCommand(newHookCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "durable: %v\n", err)
		os.Exit(1)
	}
}
