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

// Command pipexd is the background daemon: it serves one workspace
// over a Unix socket, running at most one pipeline at a time and
// fanning out events to every connected subscriber.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/livingdata-co/pipex/internal/cachelock"
	"github.com/livingdata-co/pipex/internal/condition"
	"github.com/livingdata-co/pipex/internal/config"
	"github.com/livingdata-co/pipex/internal/daemon"
	"github.com/livingdata-co/pipex/internal/dockerexec"
	"github.com/livingdata-co/pipex/internal/history"
	"github.com/livingdata-co/pipex/internal/kit"
	"github.com/livingdata-co/pipex/internal/lifecycle"
	"github.com/livingdata-co/pipex/internal/log"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/telemetry"
	"github.com/livingdata-co/pipex/internal/workspace"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		workdir       = flag.String("workdir", "", "root directory workspaces live under")
		workspaceID   = flag.String("workspace", "default", "workspace id to serve")
		socketPath    = flag.String("socket", "", "Unix socket path to listen on (default: <workspace>/daemon.sock)")
		idleTimeout   = flag.Duration("idle-timeout", daemon.DefaultIdleTimeout, "shut down after this long idle with no run and no subscribers")
		noHistory     = flag.Bool("no-history", false, "disable recording finished runs to history.db")
		tracingExport = flag.String("tracing-exporter", "none", "tracing exporter: none, stdout, otlp-http")
		tracingEndpt  = flag.String("tracing-endpoint", "", "OTLP/HTTP collector endpoint, when -tracing-exporter=otlp-http")
		tracingSample = flag.Float64("tracing-sample-ratio", 1, "trace sample ratio in [0,1]")
		watchKits     = flag.Bool("watch-kits", false, "reload local kit manifests on change under <workspace root>/kits/ (dev mode)")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipexd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	engineCfg, err := config.LoadDefaultPath()
	if err != nil {
		logger.Warn("failed to load engine config, using defaults", "error", err)
		engineCfg = config.Default()
	}

	if *workdir == "" {
		*workdir = engineCfg.Workdir
	}
	if *workdir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Error("determine working directory", "error", err)
			os.Exit(1)
		}
		*workdir = filepath.Join(cwd, ".pipex")
	}

	ws, err := openOrCreateWorkspace(*workdir, *workspaceID)
	if err != nil {
		logger.Error("open workspace", "workspace", *workspaceID, "error", err)
		os.Exit(1)
	}

	sock := *socketPath
	if sock == "" {
		sock = filepath.Join(ws.Root, "daemon.sock")
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(ws.Root, "lifecycle.log"))
	if err := lifecycleLog.LogStart(version, os.Args[1:], ""); err != nil {
		logger.Warn("failed to write lifecycle log", "error", err)
	}
	startedAt := time.Now()

	// A plain pipexd.pid alongside daemon.json, for process supervisors
	// and operator tooling that expect a bare PID file rather than the
	// daemon lock's richer JSON schema.
	pidFile := lifecycle.NewPIDFileManager(filepath.Join(ws.Root, "pipexd.pid"))
	if err := pidFile.Create(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file, continuing without it", "error", err)
	} else {
		defer pidFile.Remove()
	}

	exec := dockerexec.New()
	kits := kit.NewRegistry(ws.Root, nil)

	if *watchKits {
		watcher, err := kit.WatchLocalKits(kits, ws.Root, logger)
		if err != nil {
			logger.Warn("failed to start kit watcher, continuing without it", "error", err)
		} else if watcher != nil {
			defer watcher.Close()
		}
	}

	cfg := daemon.Config{
		Workspace:   ws,
		Executor:    exec,
		Kits:        kits,
		SocketPath:  sock,
		IdleTimeout: *idleTimeout,
		Logger:      logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noHistory {
		h, err := history.Open(ws.HistoryPath())
		if err != nil {
			logger.Warn("failed to open run history, continuing without it", "error", err)
		} else {
			cfg.History = h
			defer h.Close()
		}
	}

	if telemetry.Exporter(*tracingExport) != telemetry.ExporterNone {
		tp, err := telemetry.New(ctx, telemetry.Config{
			ServiceName:    "pipexd",
			ServiceVersion: version,
			Exporter:       telemetry.Exporter(*tracingExport),
			Endpoint:       *tracingEndpt,
			SampleRatio:    *tracingSample,
		})
		if err != nil {
			logger.Warn("failed to start telemetry provider, continuing without it", "error", err)
		} else {
			cfg.Telemetry = tp
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	srv := daemon.New(cfg)
	stepRunner := step.New(ws, exec, cachelock.New(), condition.New(), srv.Events())
	srv.SetStepRunner(stepRunner)

	if err := srv.Start(ctx); err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		logger.Error("start daemon", "error", err)
		os.Exit(1)
	}
	_ = lifecycleLog.LogStartSuccess(os.Getpid(), 0, time.Since(startedAt))
	logger.Info("pipexd ready", "workspace", ws.ID, "socket", sock)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = lifecycleLog.LogStop(os.Getpid(), false)

	shutdownStartedAt := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = lifecycleLog.LogStopFailure(os.Getpid(), err)
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
	_ = lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(shutdownStartedAt))
}

func openOrCreateWorkspace(workdir, id string) (*workspace.Workspace, error) {
	if _, err := os.Stat(filepath.Join(workdir, id)); os.IsNotExist(err) {
		return workspace.Create(workdir, id)
	}
	return workspace.Open(workdir, id)
}
