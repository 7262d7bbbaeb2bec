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

// Package telemetry wraps the OpenTelemetry SDK behind
// pkg/observability's vendor-neutral TracerProvider/Tracer interfaces,
// so the runner and step packages depend on neither OTel nor any
// particular exporter directly.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/livingdata-co/pipex/pkg/observability"
)

// Exporter selects where spans are sent.
type Exporter string

const (
	// ExporterNone disables span export; spans are created and counted
	// by metrics but never leave the process.
	ExporterNone Exporter = "none"
	// ExporterStdout writes spans as JSON to stdout, for local debugging.
	ExporterStdout Exporter = "stdout"
	// ExporterOTLPHTTP sends spans to an OTLP/HTTP collector at Endpoint.
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config configures a Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	// Endpoint is the OTLP/HTTP collector address, used only when
	// Exporter is ExporterOTLPHTTP (e.g. "localhost:4318").
	Endpoint string
	// SampleRatio is the fraction of traces recorded when Exporter is
	// not ExporterNone, in [0, 1]. Zero means "sample everything" — a
	// pipeline run is not a high-volume request path, so the default
	// favors completeness over sampling overhead.
	SampleRatio float64
}

// Provider wraps an OpenTelemetry TracerProvider and MeterProvider,
// implementing pkg/observability.TracerProvider.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *metric.MeterProvider

	metrics *Metrics
}

// New builds a Provider from cfg. Exporter == ExporterNone still
// produces spans (so in-process consumers like Metrics work) but never
// ships them anywhere. Extra tpOpts are appended after the ones derived
// from cfg, letting tests inject a sdktrace.WithSyncer(tracetest.*)
// exporter alongside (or instead of) cfg.Exporter.
func New(ctx context.Context, cfg Config, extraTPOpts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		tpOpts = append(tpOpts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))))
	}

	switch cfg.Exporter {
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	case ExporterOTLPHTTP:
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tpOpts = append(tpOpts, extraTPOpts...)
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))

	metrics, err := newMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	return &Provider{tp: tp, mp: mp, metrics: metrics}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) observability.Tracer {
	return &tracer{tracer: p.tp.Tracer(name)}
}

// Metrics returns the provider's metrics collector.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// Shutdown flushes pending spans/metrics and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// ForceFlush exports all pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

type tracer struct {
	tracer trace.Tracer
}

func (t *tracer) Start(ctx context.Context, name string, opts ...observability.SpanOption) (context.Context, observability.SpanHandle) {
	cfg := &observability.SpanConfig{}
	for _, opt := range opts {
		opt.ApplySpanOption(cfg)
	}

	var otelOpts []trace.SpanStartOption
	switch cfg.SpanKind {
	case observability.SpanKindClient:
		otelOpts = append(otelOpts, trace.WithSpanKind(trace.SpanKindClient))
	case observability.SpanKindServer:
		otelOpts = append(otelOpts, trace.WithSpanKind(trace.SpanKindServer))
	case observability.SpanKindProducer:
		otelOpts = append(otelOpts, trace.WithSpanKind(trace.SpanKindProducer))
	case observability.SpanKindConsumer:
		otelOpts = append(otelOpts, trace.WithSpanKind(trace.SpanKindConsumer))
	default:
		otelOpts = append(otelOpts, trace.WithSpanKind(trace.SpanKindInternal))
	}
	if len(cfg.Attributes) > 0 {
		otelOpts = append(otelOpts, trace.WithAttributes(toAttributes(cfg.Attributes)...))
	}
	if cfg.Timestamp != nil {
		otelOpts = append(otelOpts, trace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
	}

	ctx, span := t.tracer.Start(ctx, name, otelOpts...)
	return ctx, &spanHandle{span: span}
}

type spanHandle struct {
	span trace.Span
}

func (s *spanHandle) End(opts ...observability.SpanEndOption) {
	cfg := &observability.SpanEndConfig{}
	for _, opt := range opts {
		opt.ApplySpanEndOption(cfg)
	}
	if cfg.Timestamp != nil {
		s.span.End(trace.WithTimestamp(time.Unix(0, *cfg.Timestamp)))
		return
	}
	s.span.End()
}

func (s *spanHandle) SetStatus(code observability.StatusCode, message string) {
	var c codes.Code
	switch code {
	case observability.StatusCodeOK:
		c = codes.Ok
	case observability.StatusCodeError:
		c = codes.Error
	default:
		c = codes.Unset
	}
	s.span.SetStatus(c, message)
}

func (s *spanHandle) SetAttributes(attrs map[string]any) {
	s.span.SetAttributes(toAttributes(attrs)...)
}

func (s *spanHandle) AddEvent(name string, attrs map[string]any) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *spanHandle) SpanContext() observability.TraceContext {
	sc := s.span.SpanContext()
	return observability.TraceContext{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

func (s *spanHandle) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
