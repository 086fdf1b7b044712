// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry tracer and meter providers for
// the authorization server, with optional OTLP export and a Prometheus
// /metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string `json:"serviceName" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string `json:"serviceVersion" yaml:"service_version" mapstructure:"service_version"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port). Empty
	// disables OTLP export.
	Endpoint string            `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Headers  map[string]string `json:"headers" yaml:"headers" mapstructure:"headers"`
	Insecure bool              `json:"insecure" yaml:"insecure" mapstructure:"insecure"`

	TracingEnabled bool    `json:"tracingEnabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	MetricsEnabled bool    `json:"metricsEnabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	SamplingRate   float64 `json:"samplingRate" yaml:"sampling_rate" mapstructure:"sampling_rate"`

	// EnablePrometheusMetricsPath serves /metrics on the main listener.
	EnablePrometheusMetricsPath bool `json:"enablePrometheusMetricsPath" yaml:"prometheus" mapstructure:"prometheus"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to /metrics.
	IncludeRuntimeMetrics bool `json:"includeRuntimeMetrics" yaml:"runtime_metrics" mapstructure:"runtime_metrics"`
}

// DefaultConfig returns a configuration with everything disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "eiam-authz",
		SamplingRate: 0.05,
		Headers:      map[string]string{},
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	return nil
}

// Provider owns the tracer and meter providers and their shutdown.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider builds providers from cfg and installs them as the otel
// globals.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}

	otlpMetrics := cfg.Endpoint != "" && cfg.MetricsEnabled
	otlpTraces := cfg.Endpoint != "" && cfg.TracingEnabled

	if otlpMetrics || otlpTraces || cfg.EnablePrometheusMetricsPath {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
				cfg.ServiceName, cfg.ServiceVersion, err)
		}

		var readers []sdkmetric.Reader
		if cfg.EnablePrometheusMetricsPath {
			reader, handler, err := NewPrometheusReader(cfg.IncludeRuntimeMetrics)
			if err != nil {
				return nil, err
			}
			readers = append(readers, reader)
			p.prometheusHandler = handler
		}
		if otlpMetrics {
			reader, err := newOTLPMetricReader(ctx, cfg)
			if err != nil {
				return nil, err
			}
			readers = append(readers, reader)
		}
		if len(readers) > 0 {
			opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
			for _, r := range readers {
				opts = append(opts, sdkmetric.WithReader(r))
			}
			mp := sdkmetric.NewMeterProvider(opts...)
			p.meterProvider = mp
			p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
		}

		if otlpTraces {
			tp, err := newOTLPTracerProvider(ctx, cfg, res)
			if err != nil {
				return nil, err
			}
			p.tracerProvider = tp
			p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
		}
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
