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

/*
Package lifecycle manages pipexd's process lifecycle: the daemon lock a
workspace uses to guarantee at most one pipexd per workspace, detached
process spawning for `pipex daemon start --background`, Unix-socket
health polling, and an append-only audit log of start/stop events.

# Daemon Lock

DaemonLock guards a workspace's daemon.json with an exclusive flock.
Unlike PIDFileManager, which also creates its bare PID file with O_EXCL,
it reuses an existing daemon.json:

	lock := lifecycle.NewDaemonLock(ws.DaemonLockPath())
	if err := lock.Acquire(lifecycle.DaemonInfo{SocketPath: sock}); err != nil {
	    // another pipexd already holds this workspace
	}
	defer lock.Release()

# Process Operations

	info, err := lifecycle.ReadDaemonInfo(ws.DaemonLockPath())
	if err != nil {
	    // no lock file present
	}

	if !lifecycle.IsProcessRunning(info.PID) {
	    // lock is stale; the process that wrote it is gone
	}

# Health Checking

pipexd exposes no HTTP surface, so health is "does the Unix socket
accept a connection", polled with exponential backoff:

	checker := lifecycle.NewHealthChecker(sock)
	if err := checker.WaitUntilHealthy(10 * time.Second); err != nil {
	    // pipexd did not become ready in time
	}

# Process Spawning

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/pipexd", args, logPath)
	if err != nil {
	    // Handle error
	}

# Lifecycle Logging

	logger := lifecycle.NewLifecycleLogger(filepath.Join(ws.Root, "lifecycle.log"))
	logger.LogStart(version, os.Args[1:], "")
	logger.LogStop(pid, false)
*/
package lifecycle
