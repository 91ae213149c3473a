/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry initializes OpenTelemetry tracing for the block manager
// service. Library code only uses Tracer(), which resolves against whatever
// global provider the hosting process installed.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

const (
	defaultServiceName   = "llm-d-kv-block-manager"
	defaultEndpoint      = "localhost:4317"
	defaultSamplingRatio = 0.1

	// InstrumentationName identifies this instrumentation library in traces.
	InstrumentationName = "llm-d-kv-block-manager"
)

// stripScheme removes an http:// or https:// prefix; the gRPC exporter
// expects host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// samplingRatio parses OTEL_TRACES_SAMPLER_ARG, falling back to the default.
func samplingRatio(value string) (float64, error) {
	if value == "" {
		return defaultSamplingRatio, nil
	}
	ratio, err := strconv.ParseFloat(value, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return defaultSamplingRatio, fmt.Errorf("invalid sampling ratio %q", value)
	}
	return ratio, nil
}

// InitTracing installs a global tracer provider exporting over OTLP/gRPC.
// It is configured through OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_TRACES_SAMPLER_ARG. The returned function flushes and stops the
// provider.
func InitTracing(ctx context.Context) (func(context.Context) error, error) {
	logger := klog.FromContext(ctx)

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	endpoint = stripScheme(endpoint)

	ratio, err := samplingRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	if err != nil {
		logger.Error(err, "Using default sampling ratio", "default", defaultSamplingRatio)
	}

	logger.Info("Initializing OpenTelemetry tracing",
		"endpoint", endpoint, "service", serviceName, "samplingRatio", ratio)

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the tracer of the block manager.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
