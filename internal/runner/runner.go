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

// Package runner schedules an entire pipeline: it computes which steps
// are in scope for a target, partitions them into dependency waves, and
// drives each wave's steps through internal/step with bounded
// concurrency, propagating skips to steps whose required inputs did not
// produce a usable run.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livingdata-co/pipex/internal/dag"
	"github.com/livingdata-co/pipex/internal/event"
	"github.com/livingdata-co/pipex/internal/pipeline"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/telemetry"
	"github.com/livingdata-co/pipex/internal/workspace"
	"github.com/livingdata-co/pipex/pkg/executor"
	"github.com/livingdata-co/pipex/pkg/observability"
)

// Options configures a single pipeline run.
type Options struct {
	// JobID, if set, is used instead of generating a fresh one — for a
	// caller (the daemon) that must hand the job id back to its client
	// before Run returns.
	JobID string
	// Target names the step ids to build; the leaf nodes of the
	// dependency graph are used when empty.
	Target []string
	// Concurrency bounds how many steps within a single wave execute
	// at once. A value <= 0 means unbounded.
	Concurrency int
	Force       bool
	DryRun      bool
	Ephemeral   bool
	// Env is the pipeline-wide environment every step inherits; it
	// overrides the step's own envFile, which overrides the step's env.
	Env map[string]string
}

// Runner executes an entire resolved Pipeline against one workspace.
type Runner struct {
	Workspace *workspace.Workspace
	Executor  executor.Executor
	Step      *step.Runner
	Events    *event.Reporter

	// Tracer and Metrics are optional; see WithTelemetry.
	Tracer  observability.Tracer
	Metrics *telemetry.Metrics
}

// New returns a Runner wired to its collaborators. events should be the
// same Reporter the caller subscribes to for live progress.
func New(ws *workspace.Workspace, exec executor.Executor, stepRunner *step.Runner, events *event.Reporter) *Runner {
	return &Runner{Workspace: ws, Executor: exec, Step: stepRunner, Events: events}
}

// WithTelemetry attaches tp to both the pipeline runner and its step
// runner, returning the Runner for chaining. A nil tp clears telemetry
// from both.
func (r *Runner) WithTelemetry(tp *telemetry.Provider) *Runner {
	if tp == nil {
		r.Tracer, r.Metrics = nil, nil
	} else {
		r.Tracer = tp.Tracer("pipex.pipeline")
		r.Metrics = tp.Metrics()
	}
	if r.Step != nil {
		r.Step.WithTelemetry(tp)
	}
	return r
}

type outcome struct {
	result    step.Result
	err       error
	satisfied bool
}

// Run executes p to completion or until ctx is cancelled or a
// non-tolerated step failure occurs. It returns the first step error
// encountered, if any.
func (r *Runner) Run(ctx context.Context, p *pipeline.Pipeline, opts Options) (err error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if r.Events != nil {
		r.Events.SetJob(jobID)
	}

	var span observability.SpanHandle
	if r.Tracer != nil {
		ctx, span = r.Tracer.Start(ctx, "pipeline.run", observability.WithAttributes(map[string]any{
			"pipex.job.id":      jobID,
			"pipex.pipeline.id": p.ID,
		}))
		defer span.End()
	}
	if r.Metrics != nil {
		r.Metrics.RecordRunStart(jobID)
	}
	start := time.Now()
	defer func() {
		if r.Metrics != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			r.Metrics.RecordRunComplete(ctx, jobID, p.ID, status, time.Since(start))
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
			} else {
				span.SetStatus(observability.StatusCodeOK, "")
			}
		}
	}()

	if checkErr := r.Executor.Check(ctx); checkErr != nil {
		return checkErr
	}
	if cleanErr := r.Executor.CleanupContainers(ctx, r.Workspace.ID); cleanErr != nil {
		return cleanErr
	}

	graph := dag.Build(p.Dependencies())
	targets := opts.Target
	if len(targets) == 0 {
		targets = dag.LeafNodes(graph)
	}
	active := dag.Subgraph(graph, targets)

	levels, levelErr := dag.TopologicalLevels(graph)
	if levelErr != nil {
		return levelErr
	}

	steps := make([]event.StepRef, 0, len(active))
	for _, s := range p.Steps {
		if _, ok := active[s.ID]; ok {
			steps = append(steps, event.StepRef{ID: s.ID, DisplayName: s.DisplayName})
		}
	}
	r.emit(event.TypePipelineStart, event.PipelineStart{
		Header: r.header(event.TypePipelineStart),
		Steps:  steps,
	})

	outcomes := make(map[string]outcome, len(active))
	var mu sync.Mutex
	var firstErr error

	for _, level := range levels {
		wave := make([]string, 0, len(level))
		for _, id := range level {
			if _, ok := active[id]; ok {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		if opts.Concurrency > 0 {
			g.SetLimit(opts.Concurrency)
		}

		for _, id := range wave {
			id := id
			sd, _ := p.StepByID(id)
			g.Go(func() error {
				out := r.runOne(gctx, p.Root, sd, outcomes, opts)
				mu.Lock()
				outcomes[id] = out
				if out.err != nil && firstErr == nil {
					firstErr = out.err
				}
				mu.Unlock()
				return out.err
			})
		}
		_ = g.Wait()

		if err := r.Workspace.State.Save(); err != nil && firstErr == nil {
			firstErr = err
		}

		if firstErr != nil || ctx.Err() != nil {
			r.emit(event.TypePipelineFailed, event.PipelineFailed{
				Header: r.header(event.TypePipelineFailed),
			})
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}
	}

	if !opts.DryRun && !opts.Ephemeral {
		if _, err := r.Workspace.PruneRuns(r.Workspace.State.ActiveRunIDs()); err != nil {
			return err
		}
	}

	var totalSize int64
	if size, err := r.Workspace.DiskUsage(); err == nil {
		totalSize = size
	}
	r.emit(event.TypePipelineFinished, event.PipelineFinished{
		Header:            r.header(event.TypePipelineFinished),
		TotalArtifactSize: totalSize,
	})
	return nil
}

// runOne resolves a step's inputs against already-computed outcomes (or
// the workspace's last committed run, for steps outside this job's
// active set), and either runs it or synthesizes a dependency skip.
func (r *Runner) runOne(ctx context.Context, root string, sd pipeline.Step, outcomes map[string]outcome, opts Options) outcome {
	inputs := make([]step.Input, 0, len(sd.Inputs))
	blocked := false
	for _, in := range sd.Inputs {
		runID, satisfied := r.resolveInput(in.Step, outcomes)
		if !satisfied && !in.Optional {
			blocked = true
			continue
		}
		if runID != "" {
			inputs = append(inputs, step.Input{Step: in.Step, RunID: runID, CopyToOutput: in.CopyToOutput})
		}
	}

	if blocked {
		r.emit(event.TypeStepSkipped, event.StepSkipped{
			Header: r.header(event.TypeStepSkipped),
			Step:   event.StepRef{ID: sd.ID, DisplayName: sd.DisplayName},
			Reason: event.SkipReasonDependency,
		})
		return outcome{result: step.Result{Skipped: true, SkipReason: event.SkipReasonDependency}, satisfied: false}
	}

	env := mergeEnv(opts.Env, sd.Env, root, sd.EnvFile)

	res, err := r.Step.Run(ctx, root, sd, inputs, env, step.Options{
		Force:     opts.Force,
		Ephemeral: opts.Ephemeral,
		DryRun:    opts.DryRun,
	})

	satisfied := err == nil && res.RunID != ""
	if res.Skipped && res.SkipReason == event.SkipReasonCached {
		satisfied = true
	}
	return outcome{result: res, err: err, satisfied: satisfied}
}

// resolveInput returns the run id a dependency step produced and
// whether it counts as satisfied: a success, an allowFailure commit, or
// a cache hit all satisfy a dependency; a condition skip, a dependency
// skip, or a failure do not.
func (r *Runner) resolveInput(stepID string, outcomes map[string]outcome) (string, bool) {
	if out, ok := outcomes[stepID]; ok {
		if !out.satisfied {
			return "", false
		}
		return out.result.RunID, true
	}
	// Not part of this job's active set (e.g. a non-optional input
	// pointing outside the requested target's subgraph) — fall back to
	// whatever that step last produced.
	if runID, ok := r.Workspace.LastRun(stepID); ok {
		return runID, true
	}
	return "", false
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
