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

package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	err := &pipexerrors.ValidationError{Field: "step.id", Message: "must be a slug"}
	assert.Contains(t, err.Error(), "step.id")
	assert.Contains(t, err.Error(), "must be a slug")
}

func TestCyclicDependencyError_Error(t *testing.T) {
	err := &pipexerrors.CyclicDependencyError{Remaining: []string{"a", "b"}}
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestKitError_Unwrap(t *testing.T) {
	cause := pipexerrors.New("boom")
	err := &pipexerrors.KitError{Code: pipexerrors.KitLoadFailed, Kit: "python", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestRuntimeUnavailableError_Transient(t *testing.T) {
	err := &pipexerrors.RuntimeUnavailableError{Reason: "image pull failed"}
	assert.True(t, pipexerrors.IsTransient(err))
	assert.True(t, err.IsRetryable())
}

func TestContainerCrashError_NotTransient(t *testing.T) {
	err := &pipexerrors.ContainerCrashError{StepID: "build", ExitCode: 1}
	assert.Equal(t, "step \"build\" exited with code 1", err.Error())
	assert.False(t, pipexerrors.IsTransient(err))
}

func TestStorageError_RecoverableIsTransient(t *testing.T) {
	locked := &pipexerrors.StorageError{Op: "acquire lock", Recoverable: true}
	assert.True(t, pipexerrors.IsTransient(locked))

	notFound := &pipexerrors.StorageError{Op: "read artifact", Recoverable: false}
	assert.False(t, pipexerrors.IsTransient(notFound))
}

func TestProtocolError_Error(t *testing.T) {
	err := &pipexerrors.ProtocolError{Code: "UNKNOWN_COMMAND", Message: "no such command: frobnicate"}
	assert.Contains(t, err.Error(), "UNKNOWN_COMMAND")
}
