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

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects Prometheus-compatible metrics for pipeline execution.
type Metrics struct {
	meter metric.Meter

	runsTotal   metric.Int64Counter
	stepsTotal  metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeRunsMu sync.RWMutex
	activeRuns   map[string]bool
}

// newMetrics registers the meter instruments used to observe pipeline
// execution against mp.
func newMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("pipex")

	m := &Metrics{meter: meter, activeRuns: make(map[string]bool)}

	var err error
	if m.runsTotal, err = meter.Int64Counter("pipex_runs_total",
		metric.WithDescription("Total number of pipeline runs"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.stepsTotal, err = meter.Int64Counter("pipex_steps_total",
		metric.WithDescription("Total number of steps executed"),
		metric.WithUnit("{step}")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("pipex_cache_hits_total",
		metric.WithDescription("Total number of step cache hits"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("pipex_cache_misses_total",
		metric.WithDescription("Total number of step cache misses"),
		metric.WithUnit("{miss}")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("pipex_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("pipex_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge("pipex_active_runs",
		metric.WithDescription("Number of currently active pipeline runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			m.activeRunsMu.RLock()
			count := len(m.activeRuns)
			m.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		})); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRunStart marks jobID as an active run.
func (m *Metrics) RecordRunStart(jobID string) {
	m.activeRunsMu.Lock()
	m.activeRuns[jobID] = true
	m.activeRunsMu.Unlock()
}

// RecordRunComplete records a finished run's outcome and duration.
func (m *Metrics) RecordRunComplete(ctx context.Context, jobID, pipelineName, status string, duration time.Duration) {
	m.activeRunsMu.Lock()
	delete(m.activeRuns, jobID)
	m.activeRunsMu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipelineName),
		attribute.String("status", status),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepComplete records a single step's outcome and duration.
func (m *Metrics) RecordStepComplete(ctx context.Context, pipelineName, stepID, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipelineName),
		attribute.String("step", stepID),
		attribute.String("status", status),
	)
	m.stepsTotal.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheHit records a step whose cached artifact was reused.
func (m *Metrics) RecordCacheHit(ctx context.Context, pipelineName, stepID string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipelineName),
		attribute.String("step", stepID),
	))
}

// RecordCacheMiss records a step that had to re-execute.
func (m *Metrics) RecordCacheMiss(ctx context.Context, pipelineName, stepID string) {
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipelineName),
		attribute.String("step", stepID),
	))
}
