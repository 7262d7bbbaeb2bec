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

package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingdata-co/pipex/internal/condition"
	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

func TestEvaluate_EmptyExpressionIsTrue(t *testing.T) {
	e := condition.New()
	ok, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_BasicComparison(t *testing.T) {
	e := condition.New()
	ok, err := e.Evaluate(`env.CI == "true"`, map[string]any{
		"env": map[string]string{"CI": "true"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_HasFunction(t *testing.T) {
	e := condition.New()
	ok, err := e.Evaluate(`has(tags, "nightly")`, map[string]any{
		"tags": []string{"nightly", "smoke"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_NonBooleanIsError(t *testing.T) {
	e := condition.New()
	_, err := e.Evaluate(`1 + 1`, nil)
	assert.Error(t, err)
}

func TestEvaluate_CompileErrorIsValidationError(t *testing.T) {
	e := condition.New()
	_, err := e.Evaluate(`this is not valid`, nil)
	assert.Error(t, err)
	var vErr *pipexerrors.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestEvaluate_CachesCompiledProgram(t *testing.T) {
	e := condition.New()
	expression := `env.CI == "true"`

	_, err := e.Evaluate(expression, map[string]any{"env": map[string]string{"CI": "true"}})
	require.NoError(t, err)

	ok, err := e.Evaluate(expression, map[string]any{"env": map[string]string{"CI": "false"}})
	require.NoError(t, err)
	assert.False(t, ok)
}
