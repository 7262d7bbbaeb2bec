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

package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/livingdata-co/pipex/internal/fingerprint"
)

func baseInput() fingerprint.Input {
	return fingerprint.Input{
		Image: "alpine:3.20",
		Cmd:   []string{"sh", "-c", "echo hi"},
		Env:   map[string]string{"A": "1", "B": "2"},
		InputRunIDs: []string{"run-2", "run-1"},
		Mounts: []fingerprint.Mount{
			{Host: "x", Container: "/b"},
			{Host: "y", Container: "/a"},
		},
	}
}

func TestPermutationInvariance(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.InputRunIDs = []string{"run-1", "run-2"}
	b.Mounts = []fingerprint.Mount{
		{Host: "y", Container: "/a"},
		{Host: "x", Container: "/b"},
	}

	assert.Equal(t, fingerprint.Compute(a), fingerprint.Compute(b))
}

func TestSensitivity(t *testing.T) {
	base := fingerprint.Compute(baseInput())

	imageChanged := baseInput()
	imageChanged.Image = "alpine:3.21"
	assert.NotEqual(t, base, fingerprint.Compute(imageChanged))

	cmdChanged := baseInput()
	cmdChanged.Cmd = []string{"sh", "-c", "echo bye"}
	assert.NotEqual(t, base, fingerprint.Compute(cmdChanged))

	envChanged := baseInput()
	envChanged.Env = map[string]string{"A": "1", "B": "3"}
	assert.NotEqual(t, base, fingerprint.Compute(envChanged))

	runIDChanged := baseInput()
	runIDChanged.InputRunIDs = []string{"run-1", "run-3"}
	assert.NotEqual(t, base, fingerprint.Compute(runIDChanged))

	mountChanged := baseInput()
	mountChanged.Mounts = []fingerprint.Mount{
		{Host: "z", Container: "/b"},
		{Host: "y", Container: "/a"},
	}
	assert.NotEqual(t, base, fingerprint.Compute(mountChanged))
}

func TestSetupPresenceChangesHash(t *testing.T) {
	withoutSetup := baseInput()
	withEmptySetup := baseInput()
	withEmptySetup.HasSetup = true
	withEmptySetup.Setup = fingerprint.Setup{}

	assert.NotEqual(t, fingerprint.Compute(withoutSetup), fingerprint.Compute(withEmptySetup))
}

func TestDeterministicAcrossCalls(t *testing.T) {
	in := baseInput()
	assert.Equal(t, fingerprint.Compute(in), fingerprint.Compute(in))
}
