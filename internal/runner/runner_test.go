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

package runner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/cachelock"
	"github.com/livingdata-co/pipex/internal/condition"
	"github.com/livingdata-co/pipex/internal/event"
	"github.com/livingdata-co/pipex/internal/pipeline"
	"github.com/livingdata-co/pipex/internal/runner"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/workspace"
	"github.com/livingdata-co/pipex/pkg/executor"
)

// scriptedExecutor exits 0 unless stepID is listed in failIDs.
type scriptedExecutor struct {
	mu      sync.Mutex
	failIDs map[string]bool
	ran     []string
}

func (e *scriptedExecutor) Check(ctx context.Context) error { return nil }

func (e *scriptedExecutor) Run(ctx context.Context, req executor.Request, onLogLine executor.OnLogLine, onSetupComplete executor.OnSetupComplete) (executor.Result, error) {
	if onSetupComplete != nil {
		onSetupComplete()
	}
	e.mu.Lock()
	e.ran = append(e.ran, req.StepID)
	e.mu.Unlock()
	now := time.Now()
	exit := 0
	if e.failIDs[req.StepID] {
		exit = 1
	}
	return executor.Result{ExitCode: exit, StartedAt: now, FinishedAt: now}, nil
}

func (e *scriptedExecutor) KillRunningContainers(ctx context.Context) error           { return nil }
func (e *scriptedExecutor) CleanupContainers(ctx context.Context, workspaceID string) error { return nil }

func chain(t *testing.T) (*pipeline.Pipeline, *workspace.Workspace, *scriptedExecutor) {
	t.Helper()
	ws, err := workspace.Create(t.TempDir(), "ws")
	require.NoError(t, err)

	p := &pipeline.Pipeline{
		ID:   "chain",
		Root: t.TempDir(),
		Steps: []pipeline.Step{
			{ID: "a", Image: "alpine", Cmd: []string{"true"}, OutputPath: "/output"},
			{ID: "b", Image: "alpine", Cmd: []string{"true"}, OutputPath: "/output",
				Inputs: []pipeline.Input{{Step: "a"}}},
			{ID: "c", Image: "alpine", Cmd: []string{"true"}, OutputPath: "/output",
				Inputs: []pipeline.Input{{Step: "b"}}},
		},
	}
	return p, ws, &scriptedExecutor{failIDs: map[string]bool{}}
}

func newRunner(ws *workspace.Workspace, exec *scriptedExecutor) *runner.Runner {
	events := event.NewReporter(ws.ID, "")
	stepRunner := step.New(ws, exec, cachelock.New(), condition.New(), events)
	return runner.New(ws, exec, stepRunner, events)
}

func TestRun_ExecutesEveryStepInDependencyOrder(t *testing.T) {
	p, ws, exec := chain(t)
	r := newRunner(ws, exec)

	err := r.Run(context.Background(), p, runner.Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, exec.ran)

	for _, id := range []string{"a", "b", "c"} {
		_, ok := ws.State.GetStep(id)
		assert.True(t, ok, "expected %s to have committed a run", id)
	}
}

func TestRun_FailurePropagatesSkipToDownstream(t *testing.T) {
	p, ws, exec := chain(t)
	exec.failIDs["a"] = true
	r := newRunner(ws, exec)

	err := r.Run(context.Background(), p, runner.Options{})
	require.Error(t, err)

	assert.Contains(t, exec.ran, "a")
	assert.NotContains(t, exec.ran, "b")
	assert.NotContains(t, exec.ran, "c")
}

func TestRun_AllowFailureLetsDownstreamProceed(t *testing.T) {
	p, ws, exec := chain(t)
	exec.failIDs["a"] = true
	for i := range p.Steps {
		if p.Steps[i].ID == "a" {
			p.Steps[i].AllowFailure = true
		}
	}
	r := newRunner(ws, exec)

	err := r.Run(context.Background(), p, runner.Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, exec.ran)
}

func TestRun_TargetLimitsActiveSteps(t *testing.T) {
	p, ws, exec := chain(t)
	r := newRunner(ws, exec)

	err := r.Run(context.Background(), p, runner.Options{Target: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, exec.ran)
}

func TestRun_OptionalMissingInputDoesNotBlock(t *testing.T) {
	ws, err := workspace.Create(t.TempDir(), "ws")
	require.NoError(t, err)
	p := &pipeline.Pipeline{
		ID:   "optional",
		Root: t.TempDir(),
		Steps: []pipeline.Step{
			{ID: "b", Image: "alpine", Cmd: []string{"true"}, OutputPath: "/output",
				Inputs: []pipeline.Input{{Step: "missing", Optional: true}}},
		},
	}
	exec := &scriptedExecutor{failIDs: map[string]bool{}}
	r := newRunner(ws, exec)

	err = r.Run(context.Background(), p, runner.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, exec.ran)
}

func TestRun_DryRunExecutesNothing(t *testing.T) {
	p, ws, exec := chain(t)
	r := newRunner(ws, exec)

	err := r.Run(context.Background(), p, runner.Options{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, exec.ran)
}
