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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrHealthCheckTimeout is returned when health checks exceed the timeout.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrHealthCheckFailed is returned when the socket cannot be reached.
	ErrHealthCheckFailed = errors.New("health check failed")
)

// HealthChecker polls a daemon's Unix socket with exponential backoff,
// used by a caller that just spawned pipexd and needs to know when it
// is ready to accept connections rather than guessing with a fixed
// sleep.
type HealthChecker struct {
	socketPath      string
	dialTimeout     time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// HealthCheckResult contains the result of a health check attempt.
type HealthCheckResult struct {
	Success      bool
	ResponseTime time.Duration
	Error        error
}

// NewHealthChecker creates a new health checker for the daemon
// listening on socketPath.
// Default backoff: 50ms initial, 2x multiplier, 1s max interval.
func NewHealthChecker(socketPath string) *HealthChecker {
	return &HealthChecker{
		socketPath:      socketPath,
		dialTimeout:     5 * time.Second,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithDialTimeout sets how long a single connection attempt may take.
func (h *HealthChecker) WithDialTimeout(timeout time.Duration) *HealthChecker {
	h.dialTimeout = timeout
	return h
}

// Check performs a single health check: it dials the socket and
// immediately closes the connection. A daemon that accepts the
// connection is considered healthy — Start only binds the listener
// once the workspace lock is held and the socket file created.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	dialer := net.Dialer{Timeout: h.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", h.socketPath)
	responseTime := time.Since(start)
	if err != nil {
		return &HealthCheckResult{
			Success:      false,
			ResponseTime: responseTime,
			Error:        fmt.Errorf("dial %s: %w", h.socketPath, err),
		}
	}
	conn.Close()

	return &HealthCheckResult{Success: true, ResponseTime: responseTime}
}

// WaitUntilHealthy polls the socket until it accepts a connection or
// timeout is reached. Uses exponential backoff: 50ms initial, 2x
// multiplier, 1s max interval by default.
func (h *HealthChecker) WaitUntilHealthy(timeout time.Duration) error {
	return h.WaitUntilHealthyWithCallback(timeout, nil)
}

// WaitUntilHealthyWithCallback is like WaitUntilHealthy but calls a
// callback for each attempt, useful for logging startup progress.
func (h *HealthChecker) WaitUntilHealthyWithCallback(timeout time.Duration, callback func(*HealthCheckResult, int)) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	interval := h.initialInterval
	attempts := 0

	for {
		attempts++
		result := h.Check(ctx)

		if callback != nil {
			callback(result, attempts)
		}

		if result.Success {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempts, result.Error)
		default:
		}

		time.Sleep(interval)

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
