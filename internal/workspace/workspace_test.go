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

package workspace_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/workspace"
)

func TestCreateAndOpen(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "myws")
	require.NoError(t, err)
	assert.Equal(t, "myws", w.ID)
	assert.DirExists(t, filepath.Join(w.Root, "staging"))
	assert.DirExists(t, filepath.Join(w.Root, "runs"))
	assert.DirExists(t, filepath.Join(w.Root, "caches"))

	_, err = workspace.Open(workdir, "myws")
	require.NoError(t, err)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	workdir := t.TempDir()
	_, err := workspace.Create(workdir, "dup")
	require.NoError(t, err)
	_, err = workspace.Create(workdir, "dup")
	require.Error(t, err)
}

func TestRemove_RejectsTraversal(t *testing.T) {
	workdir := t.TempDir()
	err := workspace.Remove(workdir, "../escape")
	require.Error(t, err)
}

func TestGenerateRunId_FormatAndUniqueness(t *testing.T) {
	a := workspace.GenerateRunId()
	b := workspace.GenerateRunId()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^\d+-[0-9a-f]{8}$`, a)
}

func TestPrepareCommitRun(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	runID := workspace.GenerateRunId()
	dir, err := w.PrepareRun(runID)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "artifacts"))

	require.NoError(t, w.CommitRun(runID))
	assert.NoDirExists(t, dir)
	runs, err := w.ListRuns()
	require.NoError(t, err)
	assert.Contains(t, runs, runID)
}

func TestDiscardRun(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	runID := workspace.GenerateRunId()
	dir, err := w.PrepareRun(runID)
	require.NoError(t, err)
	require.NoError(t, w.DiscardRun(runID))
	assert.NoDirExists(t, dir)
}

func TestLinkRunAndLastRun(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	runID := workspace.GenerateRunId()
	require.NoError(t, w.LinkRun("build", runID))
	got, ok := w.LastRun("build")
	require.True(t, ok)
	assert.Equal(t, runID, got)
}

func TestPruneRuns(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	keep := workspace.GenerateRunId()
	drop := workspace.GenerateRunId()
	for _, id := range []string{keep, drop} {
		_, err := w.PrepareRun(id)
		require.NoError(t, err)
		require.NoError(t, w.CommitRun(id))
	}

	removed, err := w.PruneRuns(map[string]struct{}{keep: {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	runs, err := w.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, runs)
}

func TestMarkStepRunningAndDone(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	require.NoError(t, w.MarkStepRunning("build", workspace.RunningMarker{
		PID: os.Getpid(), StartedAt: time.Now(),
	}))
	running, err := w.ListRunningSteps()
	require.NoError(t, err)
	assert.Contains(t, running, "build")

	require.NoError(t, w.MarkStepDone("build"))
	running, err = w.ListRunningSteps()
	require.NoError(t, err)
	assert.NotContains(t, running, "build")
}

func TestCleanupRunning_DropsStaleMarkers(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	require.NoError(t, w.MarkStepRunning("stale", workspace.RunningMarker{
		PID: 999999, StartedAt: time.Now(),
	}))

	reopened, err := workspace.Open(workdir, "ws")
	require.NoError(t, err)
	running, err := reopened.ListRunningSteps()
	require.NoError(t, err)
	assert.NotContains(t, running, "stale")
}

func TestPrepareCacheAndListCaches(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	path, err := w.PrepareCache("npm")
	require.NoError(t, err)
	assert.DirExists(t, path)

	caches, err := w.ListCaches()
	require.NoError(t, err)
	assert.Equal(t, []string{"npm"}, caches)
}

func TestDiskUsage(t *testing.T) {
	workdir := t.TempDir()
	w, err := workspace.Create(workdir, "ws")
	require.NoError(t, err)

	cachePath, err := w.PrepareCache("npm")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cachePath, "f.txt"), []byte("hello"), 0o644))

	size, err := w.DiskUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(5))
}
