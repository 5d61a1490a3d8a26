// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package telemetry provides the OpenTelemetry tracer provider for fabricd's
// HTTP observability facade and admission event spans. The provider is
// hot-swappable: Apply rebuilds the exporter/sampler pipeline from a new
// Config and retires the previous one, so a policy-overlay reload can change
// the sampling rate or disable tracing entirely without a daemon restart.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects whether and how traces leave the process.
type Config struct {
	Enabled bool

	ServiceName    string
	ServiceVersion string
	Environment    string

	// ExporterType is "grpc", "http", or "" (disabled even if Enabled is true,
	// matching the httpapi facade running with no collector configured).
	ExporterType string
	Endpoint     string

	// SamplingRate is clamped to [0,1]; 0 disables sampling without tearing
	// down the exporter, 1 samples every span.
	SamplingRate float64
}

// Provider owns the process-wide TracerProvider lifecycle across
// reconfigurations. The zero value is not usable; construct with NewProvider.
type Provider struct {
	mu sync.Mutex
	tp *sdktrace.TracerProvider // nil while the noop provider is installed
}

// NewProvider builds a Provider and installs the pipeline described by cfg.
// A disabled or exporter-less config installs a noop provider so every
// caller of telemetry.Tracer still gets a working, zero-cost Tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{}
	if err := p.Apply(ctx, cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply replaces the installed pipeline with one built from cfg, then shuts
// the previous one down so its batcher flushes. On a build error the
// previous pipeline stays installed untouched, so a bad overlay reload
// cannot take working tracing away.
func (p *Provider) Apply(ctx context.Context, cfg Config) error {
	var next *sdktrace.TracerProvider
	if cfg.Enabled && cfg.ExporterType != "" {
		built, err := buildPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		next = built
	}

	p.mu.Lock()
	prev := p.tp
	p.tp = next
	p.mu.Unlock()

	if next != nil {
		otel.SetTracerProvider(next)
	} else {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if prev != nil {
		return shutdown(ctx, prev)
	}
	return nil
}

// Shutdown flushes and tears down the active pipeline. A noop provider
// returns immediately.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	tp := p.tp
	p.tp = nil
	p.mu.Unlock()

	if tp == nil {
		return nil
	}
	return shutdown(ctx, tp)
}

func shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tp.Shutdown(shutdownCtx)
}

func buildPipeline(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
	), nil
}

func buildExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case "grpc":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build grpc exporter: %w", err)
		}
		return exporter, nil
	case "http":
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build http exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter type %q (want grpc or http)", cfg.ExporterType)
	}
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns a tracer scoped to name, routed through whatever provider
// the last Apply installed (real or noop).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
