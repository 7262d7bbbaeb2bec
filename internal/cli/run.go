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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/livingdata-co/pipex/internal/cachelock"
	"github.com/livingdata-co/pipex/internal/condition"
	"github.com/livingdata-co/pipex/internal/daemon"
	"github.com/livingdata-co/pipex/internal/dockerexec"
	"github.com/livingdata-co/pipex/internal/event"
	"github.com/livingdata-co/pipex/internal/kit"
	"github.com/livingdata-co/pipex/internal/pipeline"
	"github.com/livingdata-co/pipex/internal/runner"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/workspace"
)

type runFlags struct {
	workdir     string
	workspaceID string
	file        string
	root        string
	target      []string
	concurrency int
	force       bool
	dryRun      bool
	ephemeral   bool
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run -f <pipeline.yaml>",
		Short: "Execute a pipeline, using a running daemon if one is listening",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.workdir, "workdir", "", "root directory workspaces live under (default: $PIPEX_WORKDIR or ./.pipex)")
	cmd.Flags().StringVar(&f.workspaceID, "workspace", "default", "workspace id to run within")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "path to the pipeline definition (required)")
	cmd.Flags().StringVar(&f.root, "root", "", "filesystem root mounts and env files resolve against (default: the pipeline file's directory)")
	cmd.Flags().StringSliceVarP(&f.target, "target", "t", nil, "step ids to build (default: all leaf steps)")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", 0, "max steps to run at once within a wave (0 = unbounded)")
	cmd.Flags().BoolVar(&f.force, "force", false, "skip the cache check and always execute")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "report what would execute without running anything")
	cmd.Flags().BoolVar(&f.ephemeral, "ephemeral", false, "never commit or cache the runs produced")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runRun(cmd *cobra.Command, f *runFlags) error {
	if f.file == "" {
		return fmt.Errorf("-f/--file is required")
	}
	data, err := os.ReadFile(f.file)
	if err != nil {
		return fmt.Errorf("read pipeline file: %w", err)
	}
	root := f.root
	if root == "" {
		abs, err := filepath.Abs(f.file)
		if err != nil {
			return fmt.Errorf("resolve pipeline file path: %w", err)
		}
		root = filepath.Dir(abs)
	}

	workdir, err := resolveWorkdir(f.workdir)
	if err != nil {
		return err
	}
	ws, err := openOrCreateWorkspace(workdir, f.workspaceID)
	if err != nil {
		return fmt.Errorf("open workspace %q: %w", f.workspaceID, err)
	}

	opts := daemon.RunOptions{
		Target:      f.target,
		Concurrency: f.concurrency,
		Force:       f.force,
		DryRun:      f.dryRun,
		Ephemeral:   f.ephemeral,
	}

	sock := socketPath(ws)
	if client, err := daemon.Dial(sock); err == nil {
		defer client.Close()
		return runViaDaemon(cmd, client, string(data), root, opts)
	}

	return runInProcess(cmd, ws, string(data), root, runner.Options{
		Target:      opts.Target,
		Concurrency: opts.Concurrency,
		Force:       opts.Force,
		DryRun:      opts.DryRun,
		Ephemeral:   opts.Ephemeral,
	})
}

// runViaDaemon submits the pipeline to an already-running daemon and
// streams its events until a done message arrives or reading the
// stream fails.
func runViaDaemon(cmd *cobra.Command, client *daemon.Client, pipelineYAML, root string, opts daemon.RunOptions) error {
	ack, err := client.Run(pipelineYAML, root, opts)
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	if ack.Type == daemon.MessageError {
		return fmt.Errorf("daemon rejected run: %s", ack.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s started\n", ack.JobID)

	if err := client.Subscribe(true); err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	for {
		msg, err := client.Next()
		if err != nil {
			return fmt.Errorf("read daemon stream: %w", err)
		}
		switch msg.Type {
		case daemon.MessageEvent:
			printEvent(cmd, *msg.Event)
		case daemon.MessageDone:
			if !msg.Success {
				return fmt.Errorf("pipeline failed")
			}
			return nil
		}
	}
}

// runInProcess executes the pipeline directly, with no daemon
// mediating — used when no daemon is listening on this workspace's
// socket. It builds the same collaborators a daemon would and prints
// events to stdout as they occur.
func runInProcess(cmd *cobra.Command, ws *workspace.Workspace, pipelineYAML, root string, opts runner.Options) error {
	def, err := pipeline.ParseDefinition([]byte(pipelineYAML))
	if err != nil {
		return fmt.Errorf("parse pipeline: %w", err)
	}
	kits := kit.NewRegistry(root, nil)
	p, err := pipeline.Resolve(def, root, kits)
	if err != nil {
		return fmt.Errorf("resolve pipeline: %w", err)
	}

	jobID := workspace.GenerateRunId()
	opts.JobID = jobID

	events := event.NewReporter(ws.ID, jobID)
	events.Subscribe("stdout", printerPublisher{cmd: cmd}, 0)

	exec := dockerexec.New()
	stepRunner := step.New(ws, exec, cachelock.New(), condition.New(), events)
	r := runner.New(ws, exec, stepRunner, events)

	fmt.Fprintf(cmd.OutOrStdout(), "job %s started\n", jobID)
	if err := r.Run(context.Background(), p, opts); err != nil {
		return err
	}
	return nil
}

type printerPublisher struct {
	cmd *cobra.Command
}

func (p printerPublisher) Publish(env event.Envelope) {
	printEvent(p.cmd, env)
}

func printEvent(cmd *cobra.Command, env event.Envelope) {
	if env.Type == event.TypeStepLog {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", env.Timestamp, env.Type)
}
