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

// Package step drives a single pipeline step through its state
// machine: a cache check that can short-circuit the whole thing, an
// optional dry-run shortcut, condition evaluation, preparing a staging
// run directory, executing the step's container (with retries on
// transient failures), and finally committing or discarding the run.
package step

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/livingdata-co/pipex/internal/cachelock"
	"github.com/livingdata-co/pipex/internal/condition"
	"github.com/livingdata-co/pipex/internal/event"
	"github.com/livingdata-co/pipex/internal/fingerprint"
	"github.com/livingdata-co/pipex/internal/pipeline"
	"github.com/livingdata-co/pipex/internal/state"
	"github.com/livingdata-co/pipex/internal/telemetry"
	"github.com/livingdata-co/pipex/internal/workspace"
	"github.com/livingdata-co/pipex/pkg/executor"
	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
	"github.com/livingdata-co/pipex/pkg/observability"
)

// Input is an upstream dependency resolved to a concrete run, ready to
// be mounted read-only at /input/<step> (and, if CopyToOutput is set,
// merged into this step's output directory before it executes).
type Input struct {
	Step         string
	RunID        string
	CopyToOutput bool
}

// Options toggles the three ways a step's usual execution can be
// short-circuited or made non-durable.
type Options struct {
	// Force skips the cache check: the step always executes even if
	// its fingerprint matches the last successful run.
	Force bool
	// Ephemeral discards the staged run unconditionally after
	// execution instead of committing it — the run is never linked,
	// never recorded in the cache table, and never visible to a later
	// input.
	Ephemeral bool
	// DryRun reports what would execute without staging or running
	// anything.
	DryRun bool
}

// Result is what the pipeline runner needs to know to decide the fate
// of downstream steps.
type Result struct {
	RunID       string
	ExitCode    int
	Skipped     bool
	SkipReason  event.SkipReason
	Fingerprint string
	Status      string
}

// Runner drives one step at a time through ENTRY -> ... -> DONE/FAILED.
// It holds no per-step state of its own, so one Runner can be shared
// across every step of a wave.
type Runner struct {
	Workspace *workspace.Workspace
	Executor  executor.Executor
	Locks     *cachelock.Manager
	Condition condition.Evaluator
	Events    *event.Reporter

	// Tracer and Metrics are both optional: a zero-value Runner (nil
	// Tracer, nil Metrics) executes exactly as before. Set them via
	// WithTelemetry once a telemetry.Provider has been constructed.
	Tracer  observability.Tracer
	Metrics *telemetry.Metrics
}

// New returns a Runner wired to its collaborators.
func New(ws *workspace.Workspace, exec executor.Executor, locks *cachelock.Manager, cond condition.Evaluator, events *event.Reporter) *Runner {
	return &Runner{Workspace: ws, Executor: exec, Locks: locks, Condition: cond, Events: events}
}

// WithTelemetry attaches a tracer and metrics collector to an existing
// Runner, returning it for chaining. Passing a nil tp clears telemetry.
func (r *Runner) WithTelemetry(tp *telemetry.Provider) *Runner {
	if tp == nil {
		r.Tracer, r.Metrics = nil, nil
		return r
	}
	r.Tracer = tp.Tracer("pipex.step")
	r.Metrics = tp.Metrics()
	return r
}

// Run executes step to completion (or determines it need not run at
// all). root is the pipeline's declaration directory, used to resolve
// step.Mounts and step.Sources; env is the already-merged environment
// (global env over step.EnvFile over step.Env) the step executes and is
// fingerprinted with.
func (r *Runner) Run(ctx context.Context, root string, step pipeline.Step, inputs []Input, env map[string]string, opts Options) (Result, error) {
	var span observability.SpanHandle
	if r.Tracer != nil {
		ctx, span = r.Tracer.Start(ctx, "step.run", observability.WithAttributes(map[string]any{
			"pipex.step.id": step.ID,
			"pipex.step.image": step.Image,
		}))
		defer span.End()
	}

	fp := r.fingerprint(step, inputs, env)

	if !opts.Force {
		if cached, ok := r.Workspace.State.GetStep(step.ID); ok && cached.Fingerprint == fp && cached.Fingerprint != "" {
			if _, err := os.Stat(r.runArtifactsDir(cached.RunID)); err == nil {
				r.emit(event.TypeStepSkipped, event.StepSkipped{
					Header: r.header(event.TypeStepSkipped),
					Step:   stepRef(step),
					RunID:  cached.RunID,
					Reason: event.SkipReasonCached,
				})
				if r.Metrics != nil {
					r.Metrics.RecordCacheHit(ctx, r.Workspace.ID, step.ID)
				}
				if span != nil {
					span.SetAttributes(map[string]any{"pipex.cache.hit": true})
					span.SetStatus(observability.StatusCodeOK, "")
				}
				return Result{RunID: cached.RunID, Skipped: true, SkipReason: event.SkipReasonCached, Fingerprint: fp}, nil
			}
		}
	}
	if r.Metrics != nil && !opts.Force {
		r.Metrics.RecordCacheMiss(ctx, r.Workspace.ID, step.ID)
	}

	if opts.DryRun {
		r.emit(event.TypeStepWouldRun, event.StepWouldRun{
			Header: r.header(event.TypeStepWouldRun),
			Step:   stepRef(step),
		})
		return Result{Skipped: true, Fingerprint: fp}, nil
	}

	run, err := r.Condition.Evaluate(step.If, map[string]any{"env": env})
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return Result{}, err
	}
	if !run {
		r.emit(event.TypeStepSkipped, event.StepSkipped{
			Header: r.header(event.TypeStepSkipped),
			Step:   stepRef(step),
			Reason: event.SkipReasonCondition,
		})
		return Result{Skipped: true, SkipReason: event.SkipReasonCondition, Fingerprint: fp}, nil
	}

	start := time.Now()
	res, err := r.execute(ctx, root, step, inputs, env, fp, opts)
	if r.Metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		r.Metrics.RecordStepComplete(ctx, r.Workspace.ID, step.ID, status, time.Since(start))
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
		} else {
			span.SetStatus(observability.StatusCodeOK, "")
		}
	}
	return res, err
}

func (r *Runner) execute(ctx context.Context, root string, step pipeline.Step, inputs []Input, env map[string]string, fp string, opts Options) (Result, error) {
	runID := workspace.GenerateRunId()
	stagingDir, err := r.Workspace.PrepareRun(runID)
	if err != nil {
		return Result{}, err
	}
	artifactsDir := filepath.Join(stagingDir, "artifacts")

	if err := r.Workspace.MarkStepRunning(step.ID, workspace.RunningMarker{
		StepName:  step.DisplayName,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}); err != nil {
		_ = r.Workspace.DiscardRun(runID)
		return Result{}, err
	}
	defer func() { _ = r.Workspace.MarkStepDone(step.ID) }()

	inputMeta, inputMounts, err := r.prepareInputs(inputs, artifactsDir)
	if err != nil {
		_ = r.Workspace.DiscardRun(runID)
		return Result{}, err
	}

	cacheMounts, cacheNames, err := r.prepareCaches(step)
	if err != nil {
		_ = r.Workspace.DiscardRun(runID)
		return Result{}, err
	}

	releaseSetupLocks := r.acquireSetupLocks(step)
	released := false
	release := func() {
		if !released {
			released = true
			releaseSetupLocks()
		}
	}
	defer release()

	req := r.buildRequest(step, root, env, inputMounts, cacheMounts, artifactsDir)

	logs, logErr := newRunLogs(stagingDir)
	if logErr != nil {
		_ = r.Workspace.DiscardRun(runID)
		return Result{}, logErr
	}
	defer logs.Close()

	r.emit(event.TypeStepStarting, event.StepStarting{
		Header: r.header(event.TypeStepStarting),
		Step:   stepRef(step),
	})

	result, execErr := r.executeWithRetries(ctx, step, req, release, logs)

	meta := Meta{
		RunID:        runID,
		StepID:       step.ID,
		StepName:     step.DisplayName,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		ExitCode:     result.ExitCode,
		Image:        step.Image,
		Cmd:          step.Cmd,
		Env:          env,
		Inputs:       inputMeta,
		Mounts:       mountMeta(step.Mounts),
		Caches:       cacheNames,
		AllowNetwork: step.AllowNetwork,
		Fingerprint:  fp,
	}
	if step.Setup != nil {
		meta.Setup = step.Setup.Cmd
	}
	if !meta.FinishedAt.IsZero() {
		meta.DurationMs = meta.FinishedAt.Sub(meta.StartedAt).Milliseconds()
	}

	succeeded := execErr == nil && result.ExitCode == 0
	if succeeded {
		meta.Status = StatusSuccess
	} else {
		meta.Status = StatusFailure
	}
	if err := writeMeta(stagingDir, meta); err != nil {
		_ = r.Workspace.DiscardRun(runID)
		return Result{}, err
	}

	if opts.Ephemeral {
		_ = r.Workspace.DiscardRun(runID)
		if !succeeded && !step.AllowFailure {
			return r.fail(step, result.ExitCode, execErr)
		}
		return Result{RunID: runID, ExitCode: result.ExitCode, Fingerprint: fp, Status: meta.Status}, nil
	}

	if !succeeded && !step.AllowFailure {
		_ = r.Workspace.DiscardRun(runID)
		return r.fail(step, result.ExitCode, execErr)
	}

	if err := r.Workspace.CommitRun(runID); err != nil {
		return Result{}, err
	}
	if err := r.Workspace.LinkRun(step.ID, runID); err != nil {
		return Result{}, err
	}

	recordedFingerprint := fp
	if !succeeded {
		// allowFailure commits with an empty fingerprint so the next
		// build never treats this run as a cache hit.
		recordedFingerprint = ""
	}
	r.Workspace.State.SetStep(step.ID, state.Step{RunID: runID, Fingerprint: recordedFingerprint})
	if err := r.Workspace.State.Save(); err != nil {
		return Result{}, err
	}

	artifactSize, sizeErr := dirSize(r.runArtifactsDir(runID))
	if sizeErr != nil {
		artifactSize = 0
	}

	r.emit(event.TypeStepFinished, event.StepFinished{
		Header:       r.header(event.TypeStepFinished),
		Step:         stepRef(step),
		RunID:        runID,
		DurationMs:   meta.DurationMs,
		ArtifactSize: artifactSize,
	})

	return Result{RunID: runID, ExitCode: result.ExitCode, Fingerprint: recordedFingerprint, Status: meta.Status}, nil
}

func (r *Runner) fail(step pipeline.Step, exitCode int, execErr error) (Result, error) {
	r.emit(event.TypeStepFailed, event.StepFailed{
		Header:   r.header(event.TypeStepFailed),
		Step:     stepRef(step),
		ExitCode: exitCode,
	})
	if execErr != nil {
		return Result{ExitCode: exitCode}, execErr
	}
	return Result{ExitCode: exitCode}, &pipexerrors.ContainerCrashError{StepID: step.ID, ExitCode: exitCode}
}

// executeWithRetries runs req, retrying up to step.Retries times when
// the executor reports a transient failure (runtime unavailable, image
// pull failed). onSetupComplete releases the step's exclusive
// setup-cache locks as soon as the setup phase finishes, or never fires
// if there is no setup phase — release is called again, harmlessly,
// once execution finishes entirely.
func (r *Runner) executeWithRetries(ctx context.Context, step pipeline.Step, req executor.Request, releaseSetupLocks func(), logs *runLogs) (executor.Result, error) {
	var result executor.Result
	var err error

	for attempt := 0; ; attempt++ {
		result, err = r.Executor.Run(ctx, req, func(line executor.LogLine) {
			logs.Write(line)
			r.emit(event.TypeStepLog, event.StepLog{
				Header: r.header(event.TypeStepLog),
				Step:   stepRef(step),
				Stream: event.Stream(line.Stream),
				Line:   line.Line,
			})
		}, releaseSetupLocks)
		if err == nil {
			break
		}
		if !pipexerrors.IsTransient(err) || attempt >= step.Retries {
			break
		}
		r.emit(event.TypeStepRetrying, event.StepRetrying{
			Header:     r.header(event.TypeStepRetrying),
			Step:       stepRef(step),
			Attempt:    attempt + 1,
			MaxRetries: step.Retries,
		})
		if step.RetryDelayMs > 0 {
			timer := time.NewTimer(time.Duration(step.RetryDelayMs) * time.Millisecond)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			}
		}
	}
	return result, err
}

// prepareInputs mounts every resolved upstream run read-only at
// /input/<step>, and for inputs marked CopyToOutput additionally copies
// that run's committed artifact tree into this step's own staging
// output directory so its contents become part of this step's result.
func (r *Runner) prepareInputs(inputs []Input, artifactsDir string) ([]InputMeta, []executor.Mount, error) {
	metas := make([]InputMeta, 0, len(inputs))
	mounts := make([]executor.Mount, 0, len(inputs))
	for _, in := range inputs {
		if in.RunID == "" {
			continue
		}
		mountedAs := "/input/" + in.Step
		src := r.runArtifactsDir(in.RunID)
		mounts = append(mounts, executor.Mount{Host: src, Container: mountedAs, ReadOnly: true})
		metas = append(metas, InputMeta{Step: in.Step, RunID: in.RunID, MountedAs: mountedAs})
		if in.CopyToOutput {
			if err := copyTree(src, artifactsDir); err != nil {
				return nil, nil, &pipexerrors.StorageError{Op: "copy input artifacts to output", Recoverable: false, Cause: err}
			}
		}
	}
	return metas, mounts, nil
}

func (r *Runner) prepareCaches(step pipeline.Step) ([]executor.Mount, []string, error) {
	mounts := make([]executor.Mount, 0, len(step.Caches))
	names := make([]string, 0, len(step.Caches))
	for _, c := range step.Caches {
		dir, err := r.Workspace.PrepareCache(c.Name)
		if err != nil {
			return nil, nil, err
		}
		mounts = append(mounts, executor.Mount{Host: dir, Container: c.Path})
		names = append(names, c.Name)
	}
	return mounts, names, nil
}

// acquireSetupLocks locks, in canonical order, every cache this step's
// setup phase references that is declared exclusive — the only case
// the cache-lock manager exists for (spec's cache-lock manager is
// scoped to exclusive caches during setup).
func (r *Runner) acquireSetupLocks(step pipeline.Step) cachelock.Release {
	if step.Setup == nil || len(step.Setup.Caches) == 0 {
		return func() {}
	}
	exclusive := make(map[string]bool, len(step.Caches))
	for _, c := range step.Caches {
		exclusive[c.Name] = c.Exclusive
	}
	var names []string
	for _, name := range step.Setup.Caches {
		if exclusive[name] {
			names = append(names, name)
		}
	}
	return r.Locks.Acquire(names)
}

func (r *Runner) buildRequest(step pipeline.Step, root string, env map[string]string, inputMounts, cacheMounts []executor.Mount, artifactsDir string) executor.Request {
	mounts := make([]executor.Mount, 0, len(step.Mounts))
	for _, m := range step.Mounts {
		host := m.Host
		if !filepath.IsAbs(host) {
			host = filepath.Join(root, host)
		}
		mounts = append(mounts, executor.Mount{Host: host, Container: m.Container})
	}

	outputPath := step.OutputPath
	if outputPath == "" {
		outputPath = "/output"
	}

	req := executor.Request{
		WorkspaceID: r.Workspace.ID,
		StepID:      step.ID,
		Image:       step.Image,
		Cmd:         step.Cmd,
		Env:         env,
		Mounts:      mounts,
		InputMounts: inputMounts,
		OutputMount: executor.Mount{Host: artifactsDir, Container: outputPath},
		Caches:      cacheMounts,
		Sources:     step.Sources,
		Root:        root,
		Network:     executor.NetworkNone,
		TimeoutSec:  step.TimeoutSec,
	}
	if step.AllowNetwork {
		req.Network = executor.NetworkBridge
	}
	if step.Setup != nil {
		req.Setup = &executor.Setup{Cmd: step.Setup.Cmd, AllowNetwork: step.Setup.AllowNetwork}
		req.SetupCaches = step.Setup.Caches
		if step.Setup.AllowNetwork {
			req.Network = executor.NetworkBridge
		}
	}
	return req
}

func (r *Runner) fingerprint(step pipeline.Step, inputs []Input, env map[string]string) string {
	in := fingerprint.Input{
		Image:    step.Image,
		Cmd:      step.Cmd,
		HasSetup: step.Setup != nil,
		Env:      env,
	}
	if step.Setup != nil {
		in.Setup = fingerprint.Setup{Cmd: step.Setup.Cmd}
	}
	for _, inp := range inputs {
		if inp.RunID != "" {
			in.InputRunIDs = append(in.InputRunIDs, inp.RunID)
		}
	}
	for _, m := range step.Mounts {
		in.Mounts = append(in.Mounts, fingerprint.Mount{Host: m.Host, Container: m.Container})
	}
	return fingerprint.Compute(in)
}

func (r *Runner) runArtifactsDir(runID string) string {
	return filepath.Join(r.Workspace.Root, "runs", runID, "artifacts")
}

// dirSize totals the apparent size of every regular file under root, for
// the ArtifactSize reported on STEP_FINISHED. A missing root (ephemeral
// or failed runs that never committed artifacts) is not an error.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}

func (r *Runner) header(t event.Type) event.Header {
	if r.Events != nil {
		return r.Events.Header(t)
	}
	return event.Header{Event: t, WorkspaceID: r.Workspace.ID}
}

func (r *Runner) emit(t event.Type, evt any) {
	if r.Events == nil {
		return
	}
	r.Events.Emit(t, evt)
}

func stepRef(step pipeline.Step) event.StepRef {
	return event.StepRef{ID: step.ID, DisplayName: step.DisplayName}
}

func mountMeta(mounts []pipeline.Mount) []MountMeta {
	out := make([]MountMeta, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, MountMeta{Host: m.Host, Container: m.Container})
	}
	return out
}

// copyTree recursively copies src into dst, creating directories as
// needed. Used to merge an upstream run's artifact tree into this
// step's output when an input is marked copyToOutput.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
