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

// Package dockerexec implements pkg/executor.Executor by shelling out
// to the docker CLI: create a long-lived container for the step,
// docker exec the setup phase and then the main command inside it, and
// tear the container down on exit. Driving the CLI directly (rather
// than linking the Docker SDK) keeps this package's only external
// dependency the docker binary on PATH, matching how the corpus's own
// container-orchestrating code shells out (docker inspect/stop/rm) in
// preference to a client library.
package dockerexec

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/livingdata-co/pipex/pkg/executor"
	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// labelKey tags every container this package creates so
// KillRunningContainers and CleanupContainers can find them again after
// a crash without tracking state themselves.
const labelKey = "pipex.workspace"

// Docker runs steps as docker containers via the docker CLI.
type Docker struct {
	bin string
}

// New returns a Docker executor using the "docker" binary on PATH.
func New() *Docker {
	return &Docker{bin: "docker"}
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Check verifies the docker daemon is reachable.
func (d *Docker) Check(ctx context.Context) error {
	if _, err := d.run(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return &pipexerrors.RuntimeUnavailableError{Reason: "docker daemon unreachable", Cause: err}
	}
	return nil
}

// Run creates a container for req, runs the optional setup phase and
// the main command inside it via docker exec, and removes the
// container before returning.
func (d *Docker) Run(ctx context.Context, req executor.Request, onLogLine executor.OnLogLine, onSetupComplete executor.OnSetupComplete) (executor.Result, error) {
	result := executor.Result{StartedAt: time.Now()}

	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	name := containerName(req.WorkspaceID, req.StepID)
	createArgs := []string{
		"create", "--name", name,
		"--label", labelKey + "=" + req.WorkspaceID,
		"--network", string(networkOrDefault(req.Network)),
	}
	for _, m := range allMounts(req) {
		createArgs = append(createArgs, "-v", mountFlag(m))
	}
	for k, v := range req.Env {
		createArgs = append(createArgs, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	createArgs = append(createArgs, req.Image, "sh", "-c", "trap : TERM INT; tail -f /dev/null")

	if _, err := d.run(ctx, createArgs...); err != nil {
		return result, &pipexerrors.RuntimeUnavailableError{Reason: "container create failed", Cause: err}
	}
	defer d.teardown(name)

	if _, err := d.run(ctx, "start", name); err != nil {
		return result, &pipexerrors.RuntimeUnavailableError{Reason: "container start failed", Cause: err}
	}

	if err := d.copySources(ctx, req, name); err != nil {
		return result, err
	}

	if req.Setup != nil {
		if _, err := d.execStreamExitCode(ctx, name, req.Setup.Cmd, onLogLine); err != nil {
			if isTimeout(ctx) {
				return result, &pipexerrors.ContainerTimeoutError{StepID: req.StepID, TimeoutSec: req.TimeoutSec}
			}
			return result, &pipexerrors.ContainerCrashError{StepID: req.StepID, ExitCode: exitCodeOf(err)}
		}
		if onSetupComplete != nil {
			onSetupComplete()
		}
	}

	exitCode, err := d.execStreamExitCode(ctx, name, req.Cmd, onLogLine)
	result.FinishedAt = time.Now()
	if err != nil && exitCode == 0 {
		if isTimeout(ctx) {
			return result, &pipexerrors.ContainerTimeoutError{StepID: req.StepID, TimeoutSec: req.TimeoutSec}
		}
		return result, &pipexerrors.RuntimeUnavailableError{Reason: "container exec failed", Cause: err}
	}
	result.ExitCode = exitCode
	return result, nil
}

// KillRunningContainers stops every container this package's label
// identifies as belonging to pipex, used during crash recovery before a
// new job starts.
func (d *Docker) KillRunningContainers(ctx context.Context) error {
	out, err := d.run(ctx, "ps", "-q", "--filter", "label="+labelKey)
	if err != nil {
		return &pipexerrors.RuntimeUnavailableError{Reason: "list running containers failed", Cause: err}
	}
	for _, id := range strings.Fields(out) {
		_, _ = d.run(ctx, "kill", id)
	}
	return nil
}

// CleanupContainers removes stopped containers labelled with
// workspaceID.
func (d *Docker) CleanupContainers(ctx context.Context, workspaceID string) error {
	out, err := d.run(ctx, "ps", "-aq", "--filter", "label="+labelKey+"="+workspaceID)
	if err != nil {
		return &pipexerrors.RuntimeUnavailableError{Reason: "list containers failed", Cause: err}
	}
	for _, id := range strings.Fields(out) {
		_, _ = d.run(ctx, "rm", "-f", id)
	}
	return nil
}

func (d *Docker) teardown(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = d.run(ctx, "rm", "-f", name)
}

// copySources copies every file matching req.Sources (glob patterns
// relative to req.Root) into the container's writable layer at
// /workspace, using doublestar for the ** and brace-expansion syntax
// the spec's sources[] patterns support.
func (d *Docker) copySources(ctx context.Context, req executor.Request, name string) error {
	if len(req.Sources) == 0 || req.Root == "" {
		return nil
	}
	for _, pattern := range req.Sources {
		matches, err := doublestar.FilepathGlob(filepath.Join(req.Root, pattern))
		if err != nil {
			return &pipexerrors.ValidationError{Field: "step.sources", Message: err.Error()}
		}
		for _, m := range matches {
			rel, err := filepath.Rel(req.Root, m)
			if err != nil {
				continue
			}
			dest := name + ":/workspace/" + filepath.ToSlash(rel)
			if _, err := d.run(ctx, "cp", m, dest); err != nil {
				return &pipexerrors.StorageError{Op: "copy source into container", Recoverable: false, Cause: err}
			}
		}
	}
	return nil
}

// execStreamExitCode runs cmd inside the named container via docker
// exec, streaming stdout/stderr line-by-line to onLogLine, and returns
// its exit code alongside any error from running docker itself.
func (d *Docker) execStreamExitCode(ctx context.Context, name string, cmd []string, onLogLine executor.OnLogLine) (int, error) {
	args := append([]string{"exec", name}, cmd...)
	c := exec.CommandContext(ctx, d.bin, args...)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := c.Start(); err != nil {
		return 0, err
	}

	done := make(chan struct{}, 2)
	go streamLines(stdout, "stdout", onLogLine, done)
	go streamLines(stderr, "stderr", onLogLine, done)
	<-done
	<-done

	err = c.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

func streamLines(r io.Reader, stream string, onLogLine executor.OnLogLine, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	if onLogLine == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLogLine(executor.LogLine{Stream: stream, Line: scanner.Text()})
	}
}

func allMounts(req executor.Request) []executor.Mount {
	mounts := make([]executor.Mount, 0, len(req.Mounts)+len(req.InputMounts)+len(req.Caches)+1)
	mounts = append(mounts, req.Mounts...)
	mounts = append(mounts, req.InputMounts...)
	mounts = append(mounts, req.Caches...)
	mounts = append(mounts, req.OutputMount)
	return mounts
}

func mountFlag(m executor.Mount) string {
	flag := fmt.Sprintf("%s:%s", m.Host, m.Container)
	if m.ReadOnly {
		flag += ":ro"
	}
	return flag
}

func networkOrDefault(n executor.NetworkMode) executor.NetworkMode {
	if n == "" {
		return executor.NetworkNone
	}
	return n
}

func containerName(workspaceID, stepID string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("pipex-%s-%s-%s", workspaceID, stepID, hex.EncodeToString(buf[:]))
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func isTimeout(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}
