//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package metric exposes the OpenTelemetry meter used by the graph executor.
//
// Executors bind their instruments when they are created, so Start has to
// run before NewExecutor for the counters to reach the exporter.
package metric

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
)

// Meter is the meter graph instruments are created from. It is a no-op
// until Start succeeds and after the returned clean function runs.
var Meter metric.Meter = noopm.Meter{}

// Start installs a meter provider exporting over OTLP (gRPC unless
// WithProtocol says "http") and points Meter at it. Without WithEndpoint the
// endpoint comes from OTEL_EXPORTER_OTLP_METRICS_ENDPOINT, then
// OTEL_EXPORTER_OTLP_ENDPOINT, then the protocol's localhost default.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	o := &options{
		serviceName: itelemetry.ServiceName,
		protocol:    itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpoint == "" {
		o.endpoint = metricsEndpoint(o.protocol)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(itelemetry.ServiceNamespace),
			semconv.ServiceName(o.serviceName),
			semconv.ServiceVersion(itelemetry.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := o.reader
	if reader == nil {
		if reader, err = newPeriodicReader(ctx, o); err != nil {
			return nil, err
		}
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)
	Meter = provider.Meter(itelemetry.InstrumentName)

	return func() error {
		Meter = noopm.Meter{}
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter provider: %w", err)
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, o *options) (sdkmetric.Exporter, error) {
	if o.protocol == itelemetry.ProtocolHTTP {
		exporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(o.endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create http metrics exporter: %w", err)
		}
		return exporter, nil
	}
	conn, err := itelemetry.NewGRPCConn(o.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect metrics endpoint %s: %w", o.endpoint, err)
	}
	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create grpc metrics exporter: %w", err)
	}
	return exporter, nil
}

func newPeriodicReader(ctx context.Context, o *options) (sdkmetric.Reader, error) {
	exporter, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if o.interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(o.interval))
	}
	return sdkmetric.NewPeriodicReader(exporter, readerOpts...), nil
}

func metricsEndpoint(protocol string) string {
	for _, env := range []string{"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		if endpoint := os.Getenv(env); endpoint != "" {
			return endpoint
		}
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint    string
	serviceName string
	protocol    string
	interval    time.Duration
	reader      sdkmetric.Reader
}

// WithEndpoint sets the host:port of the collector.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithProtocol selects "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) { o.protocol = protocol }
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithExportInterval sets how often metrics are pushed. The SDK default of
// one minute applies when unset.
func WithExportInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithReader replaces the OTLP exporter with reader, typically a
// sdkmetric.ManualReader collecting in process.
func WithReader(reader sdkmetric.Reader) Option {
	return func(o *options) { o.reader = reader }
}
