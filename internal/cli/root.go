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

// Package cli assembles the pipex command-line surface on top of
// cobra: a root command plus run/status/cancel/daemon subcommands that
// either talk to a running pipex daemon over its Unix socket or, when
// none is listening, execute the pipeline directly in-process.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information for the version
// command, injected via ldflags from main.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand builds the pipex root command and wires its
// subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipex",
		Short: "Run and inspect pipelines of containerized steps",
		Long: `pipex executes a declared pipeline of containerized steps, caching each
step's result behind a content-sensitive fingerprint so unchanged work is
never redone.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newCancelCommand())
	root.AddCommand(newDaemonCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "pipex %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// HandleExitError prints err to stderr and exits with a non-zero
// status, the same way cobra.Command.Execute's caller must.
func HandleExitError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
