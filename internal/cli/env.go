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
	"path/filepath"

	"github.com/livingdata-co/pipex/internal/workspace"
)

const defaultWorkdirName = ".pipex"

// resolveWorkdir returns the root directory under which workspaces are
// created, honoring --workdir, then PIPEX_WORKDIR, then <cwd>/.pipex.
func resolveWorkdir(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if v := os.Getenv("PIPEX_WORKDIR"); v != "" {
		return v, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return filepath.Join(cwd, defaultWorkdirName), nil
}

// openOrCreateWorkspace opens an existing workspace, creating it first
// if it does not yet exist.
func openOrCreateWorkspace(workdir, id string) (*workspace.Workspace, error) {
	if _, err := os.Stat(filepath.Join(workdir, id)); os.IsNotExist(err) {
		return workspace.Create(workdir, id)
	}
	return workspace.Open(workdir, id)
}

// socketPath returns the Unix socket path a daemon for this workspace
// binds to, and a CLI client dials.
func socketPath(ws *workspace.Workspace) string {
	return filepath.Join(ws.Root, "daemon.sock")
}
