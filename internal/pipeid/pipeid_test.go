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

package pipeid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/pipeid"
)

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"plain", "build-step_1", false},
		{"empty", "", true},
		{"traversal", "../etc", true},
		{"space", "build step", true},
		{"slash", "a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pipeid.ValidateSlug("step.id", tt.id)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Pipeline!", "my-pipeline"},
		{"  leading/trailing -- ", "leading-trailing"},
		{"café build", "cafe-build"},
		{"Müller's Job", "muller-s-job"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, pipeid.Slugify(tt.in))
		})
	}
}

func TestValidateMountHost(t *testing.T) {
	root := t.TempDir()

	_, err := pipeid.ValidateMountHost(root, "data")
	require.NoError(t, err)

	_, err = pipeid.ValidateMountHost(root, "/abs/path")
	require.Error(t, err)

	_, err = pipeid.ValidateMountHost(root, "../../etc/passwd")
	require.Error(t, err)
}

func TestValidateMountContainer(t *testing.T) {
	require.NoError(t, pipeid.ValidateMountContainer("/data"))
	require.Error(t, pipeid.ValidateMountContainer("data"))
	require.Error(t, pipeid.ValidateMountContainer("/data/../etc"))
}

func TestValidateCachePath(t *testing.T) {
	require.NoError(t, pipeid.ValidateCachePath("/var/cache/pip"))
	require.Error(t, pipeid.ValidateCachePath("relative/cache"))
}
