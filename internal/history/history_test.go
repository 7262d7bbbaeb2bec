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

package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/aggregator"
	"github.com/livingdata-co/pipex/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := history.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSession(jobID string, status aggregator.SessionStatus, startedAt time.Time) aggregator.SessionState {
	return aggregator.SessionState{
		JobID:        jobID,
		WorkspaceID:  "ws-1",
		PipelineName: "demo",
		Status:       status,
		Steps: map[string]aggregator.StepState{
			"a": {ID: "a", Status: aggregator.StepSucceeded, RunID: "run-1"},
		},
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(2 * time.Second),
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, sampleSession("job-1", aggregator.SessionSucceeded, base)))
	require.NoError(t, s.Record(ctx, sampleSession("job-2", aggregator.SessionFailed, base.Add(time.Minute))))

	entries, err := s.Recent(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "job-2", entries[0].JobID) // newest (later StartedAt) first
}

func TestStore_RecordUpsertsOnSameJobID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	running := sampleSession("job-1", aggregator.SessionRunning, base)
	require.NoError(t, s.Record(ctx, running))

	finished := sampleSession("job-1", aggregator.SessionSucceeded, base)
	require.NoError(t, s.Record(ctx, finished))

	entries, err := s.Recent(ctx, "ws-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "succeeded", entries[0].Status)
}

func TestStore_Session(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	want := sampleSession("job-1", aggregator.SessionSucceeded, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Record(ctx, want))

	got, err := s.Session(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, want.PipelineName, got.PipelineName)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Steps["a"].RunID, got.Steps["a"].RunID)
}

func TestStore_SessionUnknownJobErrors(t *testing.T) {
	s := openStore(t)
	_, err := s.Session(context.Background(), "does-not-exist")
	assert.Error(t, err)
}
