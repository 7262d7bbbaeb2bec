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

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livingdata-co/pipex/internal/daemon"
	"github.com/livingdata-co/pipex/internal/history"
)

func newStatusCommand() *cobra.Command {
	var workdir, workspaceID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active or most recent run in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := resolveWorkdir(workdir)
			if err != nil {
				return err
			}
			ws, err := openOrCreateWorkspace(workdir, workspaceID)
			if err != nil {
				return fmt.Errorf("open workspace %q: %w", workspaceID, err)
			}

			if client, err := daemon.Dial(socketPath(ws)); err == nil {
				defer client.Close()
				msg, err := client.Status()
				if err != nil {
					return fmt.Errorf("query daemon: %w", err)
				}
				if msg.Type == daemon.MessageError {
					fmt.Fprintln(cmd.OutOrStdout(), msg.Message)
					return nil
				}
				printSession(cmd, msg.Session.JobID, msg.Session.PipelineName, string(msg.Session.Status))
				return nil
			}

			h, err := history.Open(ws.HistoryPath())
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no daemon running and no run history for this workspace")
				return nil
			}
			defer h.Close()
			entries, err := h.Recent(context.Background(), ws.ID, 1)
			if err != nil {
				return fmt.Errorf("read run history: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no run has ever completed in this workspace")
				return nil
			}
			e := entries[0]
			printSession(cmd, e.JobID, e.PipelineName, e.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "root directory workspaces live under (default: $PIPEX_WORKDIR or ./.pipex)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "workspace id to inspect")
	return cmd
}

func printSession(cmd *cobra.Command, jobID, pipelineName, status string) {
	fmt.Fprintf(cmd.OutOrStdout(), "job:      %s\npipeline: %s\nstatus:   %s\n", jobID, pipelineName, status)
}
