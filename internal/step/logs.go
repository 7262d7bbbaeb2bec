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

package step

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/livingdata-co/pipex/pkg/executor"
	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// runLogs appends a step's container output to stdout.log/stderr.log in
// its staging directory as it streams in — the canonical, durable
// record, independent of whether anyone subscribed to STEP_LOG events.
type runLogs struct {
	mu     sync.Mutex
	stdout *os.File
	stderr *os.File
}

func newRunLogs(stagingDir string) (*runLogs, error) {
	stdout, err := os.Create(filepath.Join(stagingDir, "stdout.log"))
	if err != nil {
		return nil, &pipexerrors.StorageError{Op: "create stdout.log", Recoverable: true, Cause: err}
	}
	stderr, err := os.Create(filepath.Join(stagingDir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, &pipexerrors.StorageError{Op: "create stderr.log", Recoverable: true, Cause: err}
	}
	return &runLogs{stdout: stdout, stderr: stderr}, nil
}

func (l *runLogs) Write(line executor.LogLine) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.stdout
	if line.Stream == "stderr" {
		f = l.stderr
	}
	_, _ = f.WriteString(line.Line + "\n")
}

func (l *runLogs) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.stdout.Close()
	_ = l.stderr.Close()
}
