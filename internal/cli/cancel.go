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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livingdata-co/pipex/internal/daemon"
)

func newCancelCommand() *cobra.Command {
	var workdir, workspaceID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the pipeline currently running in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := resolveWorkdir(workdir)
			if err != nil {
				return err
			}
			ws, err := openOrCreateWorkspace(workdir, workspaceID)
			if err != nil {
				return fmt.Errorf("open workspace %q: %w", workspaceID, err)
			}

			client, err := daemon.Dial(socketPath(ws))
			if err != nil {
				return fmt.Errorf("no daemon running for workspace %q", workspaceID)
			}
			defer client.Close()

			if err := client.Cancel(); err != nil {
				return fmt.Errorf("send cancel: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "root directory workspaces live under (default: $PIPEX_WORKDIR or ./.pipex)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "workspace id to cancel the run in")
	return cmd
}
