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

// Command pipex is the operator-facing CLI: run a pipeline, inspect a
// workspace's status, cancel an active run, or manage the background
// daemon a workspace can be served by.
package main

import (
	"os"

	"golang.org/x/term"

	"github.com/livingdata-co/pipex/internal/cli"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// A human at a terminal gets readable text logs; a script or CI
	// runner piping stderr gets JSON. LOG_FORMAT still overrides this
	// when set explicitly.
	if os.Getenv("LOG_FORMAT") == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		os.Setenv("LOG_FORMAT", "text")
	}

	cli.SetVersion(version, commit, buildDate)
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
