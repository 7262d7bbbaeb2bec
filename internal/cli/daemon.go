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
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/livingdata-co/pipex/internal/daemon"
	"github.com/livingdata-co/pipex/internal/lifecycle"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start, stop, or inspect the background daemon for a workspace",
	}
	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonStopCommand())
	return cmd
}

func newDaemonStartCommand() *cobra.Command {
	var workdir, workspaceID string
	var background, watchKits bool
	var idleTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start pipexd for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := resolveWorkdir(workdir)
			if err != nil {
				return err
			}
			ws, err := openOrCreateWorkspace(workdir, workspaceID)
			if err != nil {
				return fmt.Errorf("open workspace %q: %w", workspaceID, err)
			}

			lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(ws.Root, "lifecycle.log"))

			if client, dialErr := daemon.Dial(socketPath(ws)); dialErr == nil {
				client.Close()
				pid := 0
				if info, infoErr := lifecycle.ReadDaemonInfo(ws.DaemonLockPath()); infoErr == nil {
					pid = info.PID
				}
				_ = lifecycleLog.LogAlreadyRunning(pid)
				fmt.Fprintf(cmd.OutOrStdout(), "daemon already running for workspace %q\n", workspaceID)
				return nil
			}

			binary, err := pipexdBinary()
			if err != nil {
				return err
			}
			args = []string{
				"-workdir", workdir,
				"-workspace", workspaceID,
				"-socket", socketPath(ws),
			}
			if idleTimeout > 0 {
				args = append(args, "-idle-timeout", idleTimeout.String())
			}
			if watchKits {
				args = append(args, "-watch-kits")
			}

			if !background {
				c := exec.Command(binary, args...)
				c.Stdout = cmd.OutOrStdout()
				c.Stderr = cmd.ErrOrStderr()
				c.Stdin = nil
				return c.Run()
			}

			logPath := filepath.Join(ws.Root, "daemon.log")
			pid, err := lifecycle.NewSpawner().SpawnDetached(binary, args, logPath)
			if err != nil {
				return fmt.Errorf("spawn daemon: %w", err)
			}

			if err := lifecycle.NewHealthChecker(socketPath(ws)).WaitUntilHealthy(10 * time.Second); err != nil {
				_ = lifecycleLog.LogHealthCheckFailed(socketPath(ws), 0, 0, err)
				return fmt.Errorf("daemon pid %d did not become ready: %w (see %s)", pid, err, logPath)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon started, pid %d, logs at %s\n", pid, logPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "root directory workspaces live under (default: $PIPEX_WORKDIR or ./.pipex)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "workspace id to serve")
	cmd.Flags().BoolVar(&background, "background", false, "detach and run pipexd in the background")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "shut down after this long idle with no run and no subscribers")
	cmd.Flags().BoolVar(&watchKits, "watch-kits", false, "reload local kit manifests on change (dev mode)")
	return cmd
}

func newDaemonStopCommand() *cobra.Command {
	var workdir, workspaceID string
	var force bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon running for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := resolveWorkdir(workdir)
			if err != nil {
				return err
			}
			ws, err := openOrCreateWorkspace(workdir, workspaceID)
			if err != nil {
				return fmt.Errorf("open workspace %q: %w", workspaceID, err)
			}

			lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(ws.Root, "lifecycle.log"))

			info, err := lifecycle.ReadDaemonInfo(ws.DaemonLockPath())
			if err != nil {
				return fmt.Errorf("no daemon lock found for workspace %q", workspaceID)
			}
			if !lifecycle.IsProcessRunning(info.PID) {
				_ = lifecycleLog.LogStalePID(info.PID, "lock file present but process not running")
				fmt.Fprintf(cmd.OutOrStdout(), "daemon for workspace %q is not running\n", workspaceID)
				return nil
			}
			if !lifecycle.IsPipexdProcess(info.PID) {
				_ = lifecycleLog.LogStalePID(info.PID, "pid has been recycled by an unrelated process")
				return fmt.Errorf("pid %d in daemon lock is no longer a pipexd process, refusing to signal it", info.PID)
			}

			_ = lifecycleLog.LogStop(info.PID, force)
			if err := lifecycle.GracefulShutdown(info.PID, timeout, force); err != nil {
				_ = lifecycleLog.LogStopFailure(info.PID, err)
				return fmt.Errorf("stop daemon process %d: %w", info.PID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon pid %d stopped\n", info.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "root directory workspaces live under (default: $PIPEX_WORKDIR or ./.pipex)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "workspace id whose daemon should be stopped")
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL if the daemon hasn't exited within the timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for a graceful exit before giving up (or force-killing, with --force)")
	return cmd
}

// pipexdBinary locates the pipexd binary, preferring one installed
// alongside the currently running pipex executable.
func pipexdBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "pipexd")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("pipexd"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("pipexd binary not found next to pipex or on PATH")
}
