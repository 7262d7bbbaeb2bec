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

package errors

import "fmt"

// ValidationError represents a structural problem with a pipeline, step,
// mount, cache, or identifier: bad grammar, missing required fields, an
// unknown step reference, or a path that escapes the working directory.
type ValidationError struct {
	// Field identifies what failed validation (e.g. "step.id", "mount.host").
	Field string

	// Message is the human-readable description.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

// CyclicDependencyError is raised when the step graph contains a cycle.
type CyclicDependencyError struct {
	// Remaining lists the step ids that Kahn's algorithm could not drain,
	// i.e. the ones participating in (or downstream of) the cycle.
	Remaining []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency among steps: %v", e.Remaining)
}

func (e *CyclicDependencyError) ErrorType() string { return "cyclic_dependency" }
func (e *CyclicDependencyError) IsRetryable() bool { return false }

// KitCode enumerates the specific ways kit resolution can fail.
type KitCode string

const (
	KitUnknown          KitCode = "UNKNOWN_KIT"
	KitLoadFailed        KitCode = "KIT_LOAD_FAILED"
	KitInvalidExport     KitCode = "KIT_INVALID_EXPORT"
	KitUnsupportedParam  KitCode = "UNSUPPORTED_PARAM"
	KitConflictingParam  KitCode = "CONFLICTING_PARAM"
	KitMissingParam      KitCode = "MISSING_PARAM"
)

// KitError is raised while expanding a step's `uses:` shorthand.
type KitError struct {
	Code  KitCode
	Kit   string
	Param string
	Cause error
}

func (e *KitError) Error() string {
	msg := fmt.Sprintf("kit %q: %s", e.Kit, e.Code)
	if e.Param != "" {
		msg = fmt.Sprintf("%s (param %q)", msg, e.Param)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *KitError) Unwrap() error    { return e.Cause }
func (e *KitError) ErrorType() string { return "kit" }
func (e *KitError) IsRetryable() bool { return false }

// RuntimeUnavailableError means the container runtime could not be reached
// or an image pull failed — both are transient and retryable when the
// failing step allows retries.
type RuntimeUnavailableError struct {
	Reason string
	Cause  error
}

func (e *RuntimeUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("container runtime unavailable: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("container runtime unavailable: %s", e.Reason)
}

func (e *RuntimeUnavailableError) Unwrap() error    { return e.Cause }
func (e *RuntimeUnavailableError) ErrorType() string { return "runtime_unavailable" }
func (e *RuntimeUnavailableError) IsRetryable() bool { return true }
func (e *RuntimeUnavailableError) Transient() bool    { return true }

// ContainerCrashError reports a non-zero exit code from a step's container.
// Non-transient: retrying the same image/cmd/inputs will not help.
type ContainerCrashError struct {
	StepID   string
	ExitCode int
}

func (e *ContainerCrashError) Error() string {
	return fmt.Sprintf("step %q exited with code %d", e.StepID, e.ExitCode)
}

func (e *ContainerCrashError) ErrorType() string { return "container_crash" }
func (e *ContainerCrashError) IsRetryable() bool { return false }
func (e *ContainerCrashError) Transient() bool    { return false }

// ContainerTimeoutError reports a step exceeding its configured timeoutSec.
// Treated as permanent: a step that times out once under the same
// configuration is expected to time out again.
type ContainerTimeoutError struct {
	StepID    string
	TimeoutSec int
}

func (e *ContainerTimeoutError) Error() string {
	return fmt.Sprintf("step %q exceeded timeout of %ds", e.StepID, e.TimeoutSec)
}

func (e *ContainerTimeoutError) ErrorType() string { return "container_timeout" }
func (e *ContainerTimeoutError) IsRetryable() bool { return false }
func (e *ContainerTimeoutError) Transient() bool    { return false }

// StorageError covers workspace filesystem failures: artifact-not-found,
// staging failure, or a workspace held by another process. Recoverable
// errors (workspace-locked) tell the caller it is safe to wait or retry
// against a different workspace; non-recoverable ones are not.
type StorageError struct {
	Op          string
	Recoverable bool
	Cause       error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("storage error during %s", e.Op)
}

func (e *StorageError) Unwrap() error    { return e.Cause }
func (e *StorageError) ErrorType() string { return "storage" }
func (e *StorageError) IsRetryable() bool { return e.Recoverable }
func (e *StorageError) Transient() bool    { return e.Recoverable }

// ProtocolError covers daemon wire-protocol problems: an unknown command,
// an invalid message shape, or a decoder error on a malformed NDJSON line.
// Non-fatal to the connection — the server replies and keeps serving.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

func (e *ProtocolError) ErrorType() string { return "protocol" }
func (e *ProtocolError) IsRetryable() bool { return false }

// Transient is implemented by errors that carry their own retry
// eligibility, so the step runner and scheduler can decide without a
// type-switch at every call site.
type Transient interface {
	error
	Transient() bool
}

// IsTransient reports whether err (or anything it wraps via errors.As)
// self-identifies as transient.
func IsTransient(err error) bool {
	var t Transient
	if As(err, &t) {
		return t.Transient()
	}
	return false
}
