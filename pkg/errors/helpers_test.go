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
	"github.com/stretchr/testify/require"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

func TestWrap(t *testing.T) {
	original := pipexerrors.New("original error")

	wrapped := pipexerrors.Wrap(original, "additional context")
	require.Error(t, wrapped)
	assert.Contains(t, wrapped.Error(), "additional context")
	assert.Contains(t, wrapped.Error(), "original error")

	assert.Nil(t, pipexerrors.Wrap(nil, "context"))
}

func TestWrapf(t *testing.T) {
	original := pipexerrors.New("connection refused")

	wrapped := pipexerrors.Wrapf(original, "connecting to %s:%d", "localhost", 8080)
	require.Error(t, wrapped)
	assert.Contains(t, wrapped.Error(), "localhost:8080")

	assert.Nil(t, pipexerrors.Wrapf(nil, "loading file %s", "/path/to/file"))
}

func TestIs(t *testing.T) {
	target := &pipexerrors.ValidationError{Field: "test"}
	wrapped := pipexerrors.Wrap(target, "wrapper")
	assert.True(t, pipexerrors.Is(wrapped, target))

	err := &pipexerrors.ValidationError{Field: "test"}
	other := &pipexerrors.CyclicDependencyError{Remaining: []string{"a"}}
	assert.False(t, pipexerrors.Is(err, other))

	assert.False(t, pipexerrors.Is(nil, target))
}

func TestAs(t *testing.T) {
	original := &pipexerrors.ValidationError{Field: "test", Message: "bad"}
	wrapped := pipexerrors.Wrap(original, "validation failed")

	var target *pipexerrors.ValidationError
	require.True(t, pipexerrors.As(wrapped, &target))
	assert.Equal(t, "test", target.Field)

	var wrongType *pipexerrors.CyclicDependencyError
	err := &pipexerrors.ValidationError{Field: "test"}
	assert.False(t, pipexerrors.As(err, &wrongType))
}

func TestUnwrap(t *testing.T) {
	original := pipexerrors.New("root cause")
	wrapped := pipexerrors.Wrap(original, "wrapper")

	unwrapped := pipexerrors.Unwrap(wrapped)
	assert.Equal(t, original.Error(), unwrapped.Error())

	assert.Nil(t, pipexerrors.Unwrap(pipexerrors.New("no wrap")))
}

func TestNew(t *testing.T) {
	err := pipexerrors.New("test error")
	require.Error(t, err)
	assert.Equal(t, "test error", err.Error())

	err1 := pipexerrors.New("test")
	err2 := pipexerrors.New("test")
	assert.NotSame(t, err1, err2)
}
