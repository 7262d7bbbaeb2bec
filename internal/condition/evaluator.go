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

// Package condition evaluates a step's `if` predicate. The engine
// treats expression evaluation as a pluggable, opaque collaborator
// (spec §1); this package is the default implementation the step
// runner is wired to, backed by expr-lang/expr.
package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// Evaluator is the interface the step runner depends on. A concrete
// implementation is free to use any expression engine, or none.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator is the default Evaluator, compiling and caching
// expr-lang programs keyed by expression text.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns a ready-to-use ExprEvaluator.
func New() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expression and runs
// it against env, which the step runner populates with at least
// {env: map[string]string} — the process environment snapshot.
//
// An empty expression is defined to be true: a step with no `if` always
// runs.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &pipexerrors.ValidationError{
			Field:   "step.if",
			Message: fmt.Sprintf("failed to compile expression: %s", err),
		}
	}

	evalEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		evalEnv[k] = v
	}
	evalEnv["has"] = containsFunc
	evalEnv["includes"] = containsFunc
	evalEnv["length"] = lenFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return false, &pipexerrors.ValidationError{
			Field:   "step.if",
			Message: fmt.Sprintf("expression evaluation failed: %s", err),
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &pipexerrors.ValidationError{
			Field:   "step.if",
			Message: fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
		}
	}

	return boolResult, nil
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}
