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
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// listenUnix starts a bare Unix socket listener that accepts and
// immediately closes every connection, the minimum a health check
// needs to consider a daemon "up".
func listenUnix(t *testing.T) (path string, close func()) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "daemon.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return path, func() { l.Close() }
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("returns success for listening socket", func(t *testing.T) {
		path, closeFn := listenUnix(t)
		defer closeFn()

		checker := NewHealthChecker(path)
		result := checker.Check(context.Background())

		if !result.Success {
			t.Errorf("Check() success = false, want true (error: %v)", result.Error)
		}
		if result.ResponseTime <= 0 {
			t.Error("Check() response time should be positive")
		}
	})

	t.Run("returns failure when nothing is listening", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "does-not-exist.sock")
		checker := NewHealthChecker(path)
		result := checker.Check(context.Background())

		if result.Success {
			t.Error("Check() success = true, want false")
		}
		if result.Error == nil {
			t.Error("Check() error = nil, want non-nil")
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "does-not-exist.sock")
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
		defer cancel()

		checker := NewHealthChecker(path)
		result := checker.Check(ctx)

		if result.Success {
			t.Error("Check() success = true, want false")
		}
		if result.Error == nil {
			t.Error("Check() error = nil, want error")
		}
	})
}

func TestHealthChecker_WaitUntilHealthy(t *testing.T) {
	t.Run("returns immediately once the socket is listening", func(t *testing.T) {
		path, closeFn := listenUnix(t)
		defer closeFn()

		checker := NewHealthChecker(path)
		start := time.Now()

		err := checker.WaitUntilHealthy(5 * time.Second)
		duration := time.Since(start)

		if err != nil {
			t.Errorf("WaitUntilHealthy() error = %v", err)
		}
		if duration > 1*time.Second {
			t.Errorf("WaitUntilHealthy() took %v, should be nearly instant", duration)
		}
	})

	t.Run("waits and succeeds once the socket starts listening", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.sock")
		checker := NewHealthChecker(path).WithBackoff(20*time.Millisecond, 100*time.Millisecond, 2.0)

		go func() {
			time.Sleep(60 * time.Millisecond)
			l, err := net.Listen("unix", path)
			if err != nil {
				return
			}
			defer l.Close()
			conn, err := l.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		if err := checker.WaitUntilHealthy(2 * time.Second); err != nil {
			t.Errorf("WaitUntilHealthy() error = %v", err)
		}
	})

	t.Run("times out when nothing ever listens", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "does-not-exist.sock")
		checker := NewHealthChecker(path).WithBackoff(20*time.Millisecond, 50*time.Millisecond, 2.0)
		start := time.Now()

		err := checker.WaitUntilHealthy(300 * time.Millisecond)
		duration := time.Since(start)

		if !errors.Is(err, ErrHealthCheckTimeout) {
			t.Errorf("WaitUntilHealthy() error = %v, want ErrHealthCheckTimeout", err)
		}
		if duration < 300*time.Millisecond {
			t.Errorf("WaitUntilHealthy() returned too early: %v", duration)
		}
	})
}

func TestHealthChecker_WaitUntilHealthyWithCallback(t *testing.T) {
	t.Run("calls callback for each attempt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "daemon.sock")
		var callbackCount atomic.Int32

		go func() {
			time.Sleep(80 * time.Millisecond)
			l, err := net.Listen("unix", path)
			if err != nil {
				return
			}
			defer l.Close()
			conn, err := l.Accept()
			if err == nil {
				conn.Close()
			}
		}()

		checker := NewHealthChecker(path).WithBackoff(20*time.Millisecond, 50*time.Millisecond, 2.0)
		err := checker.WaitUntilHealthyWithCallback(2*time.Second, func(result *HealthCheckResult, attempt int) {
			callbackCount.Add(1)
			if attempt != int(callbackCount.Load()) {
				t.Errorf("Callback attempt = %d, want %d", attempt, callbackCount.Load())
			}
		})

		if err != nil {
			t.Errorf("WaitUntilHealthyWithCallback() error = %v", err)
		}
		if callbackCount.Load() < 2 {
			t.Errorf("expected at least 2 attempts, got %d", callbackCount.Load())
		}
	})

	t.Run("callback receives result information", func(t *testing.T) {
		path, closeFn := listenUnix(t)
		defer closeFn()

		checker := NewHealthChecker(path)
		var receivedResult *HealthCheckResult

		err := checker.WaitUntilHealthyWithCallback(5*time.Second, func(result *HealthCheckResult, attempt int) {
			receivedResult = result
		})

		if err != nil {
			t.Errorf("WaitUntilHealthyWithCallback() error = %v", err)
		}
		if receivedResult == nil {
			t.Fatal("Callback was not called")
		}
		if !receivedResult.Success {
			t.Error("Callback received unsuccessful result")
		}
	})
}

func TestHealthChecker_WithDialTimeout(t *testing.T) {
	t.Run("custom dial timeout is applied", func(t *testing.T) {
		path, closeFn := listenUnix(t)
		defer closeFn()

		checker := NewHealthChecker(path).WithDialTimeout(2 * time.Second)
		result := checker.Check(context.Background())

		if !result.Success {
			t.Errorf("Check() success = false, want true (error: %v)", result.Error)
		}
	})
}
