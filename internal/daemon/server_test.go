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

package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/aggregator"
	"github.com/livingdata-co/pipex/internal/cachelock"
	"github.com/livingdata-co/pipex/internal/condition"
	"github.com/livingdata-co/pipex/internal/daemon"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/workspace"
	"github.com/livingdata-co/pipex/pkg/executor"
)

type okExecutor struct{}

func (okExecutor) Check(ctx context.Context) error { return nil }
func (okExecutor) Run(ctx context.Context, req executor.Request, onLogLine executor.OnLogLine, onSetupComplete executor.OnSetupComplete) (executor.Result, error) {
	if onSetupComplete != nil {
		onSetupComplete()
	}
	now := time.Now()
	return executor.Result{ExitCode: 0, StartedAt: now, FinishedAt: now}, nil
}
func (okExecutor) KillRunningContainers(ctx context.Context) error           { return nil }
func (okExecutor) CleanupContainers(ctx context.Context, workspaceID string) error { return nil }

const samplePipeline = `
id: sample
steps:
  - id: a
    image: alpine
    cmd: ["true"]
    outputPath: /output
`

func startServer(t *testing.T) (*daemon.Server, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Create(root, "ws")
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "pipex.sock")
	srv := daemon.New(daemon.Config{
		Workspace:   ws,
		Executor:    okExecutor{},
		SocketPath:  sock,
		IdleTimeout: 200 * time.Millisecond,
	})
	stepRunner := step.New(ws, okExecutor{}, cachelock.New(), condition.New(), srv.Events())
	srv.SetStepRunner(stepRunner)

	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv, sock
}

func TestServer_RunAcksAndReportsDone(t *testing.T) {
	_, sock := startServer(t)

	c, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe(false))

	ack, err := c.Run(samplePipeline, t.TempDir(), daemon.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, daemon.MessageAck, ack.Type)
	assert.NotEmpty(t, ack.JobID)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for done message")
		default:
		}
		msg, err := c.Next()
		require.NoError(t, err)
		if msg.Type == daemon.MessageDone {
			assert.True(t, msg.Success)
			return
		}
	}
}

func TestServer_SecondRunWhileRunningIsRejected(t *testing.T) {
	// Use a slow executor so the first run is still active when the
	// second command arrives.
	root := t.TempDir()
	ws, err := workspace.Create(root, "ws")
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "pipex.sock")
	srv := daemon.New(daemon.Config{Workspace: ws, Executor: slowExecutor{}, SocketPath: sock})
	stepRunner := step.New(ws, slowExecutor{}, cachelock.New(), condition.New(), srv.Events())
	srv.SetStepRunner(stepRunner)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Shutdown(context.Background())

	c1, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c1.Close()
	_, err = c1.Run(samplePipeline, t.TempDir(), daemon.RunOptions{})
	require.NoError(t, err)

	c2, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c2.Close()
	reply, err := c2.Run(samplePipeline, t.TempDir(), daemon.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, daemon.MessageError, reply.Type)
	assert.Equal(t, daemon.ErrCodeAlreadyRunning, reply.Code)
}

type slowExecutor struct{}

func (slowExecutor) Check(ctx context.Context) error { return nil }
func (slowExecutor) Run(ctx context.Context, req executor.Request, onLogLine executor.OnLogLine, onSetupComplete executor.OnSetupComplete) (executor.Result, error) {
	if onSetupComplete != nil {
		onSetupComplete()
	}
	time.Sleep(300 * time.Millisecond)
	now := time.Now()
	return executor.Result{ExitCode: 0, StartedAt: now, FinishedAt: now}, nil
}
func (slowExecutor) KillRunningContainers(ctx context.Context) error           { return nil }
func (slowExecutor) CleanupContainers(ctx context.Context, workspaceID string) error { return nil }

func TestServer_StatusBeforeAnyRunReturnsNoActiveSession(t *testing.T) {
	_, sock := startServer(t)
	c, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, daemon.MessageError, reply.Type)
	assert.Equal(t, daemon.ErrCodeNoActiveSession, reply.Code)
}

func TestServer_StatusAfterRunReturnsSession(t *testing.T) {
	_, sock := startServer(t)
	c, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe(false))
	_, err = c.Run(samplePipeline, t.TempDir(), daemon.RunOptions{})
	require.NoError(t, err)

	for {
		msg, err := c.Next()
		require.NoError(t, err)
		if msg.Type == daemon.MessageDone {
			break
		}
	}

	c2, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c2.Close()
	reply, err := c2.Status()
	require.NoError(t, err)
	require.Equal(t, daemon.MessageState, reply.Type)
	require.NotNil(t, reply.Session)
	assert.Equal(t, aggregator.SessionSucceeded, reply.Session.Status)
}

func TestServer_MalformedLineIsSkipped(t *testing.T) {
	_, sock := startServer(t)
	c, err := daemon.Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	_, werr := c.WriteRaw([]byte("not-json\n"))
	require.NoError(t, werr)

	reply, err := c.Status()
	require.NoError(t, err)
	// The malformed line produced its own UNKNOWN_COMMAND error first;
	// draining Next() here should surface that, proving the connection
	// survived the bad line rather than closing.
	assert.Contains(t, []daemon.MessageType{daemon.MessageError}, reply.Type)
}
