//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric"
)

// instruments are the executor metrics. They are taken from metric.Meter
// when the executor is created, so metric.Start must run first for them to
// be exported.
type instruments struct {
	invocations otelmetric.Int64Counter
	interrupts  otelmetric.Int64Counter
	failures    otelmetric.Int64Counter
	stepMillis  otelmetric.Float64Histogram
}

func newInstruments() *instruments {
	in := &instruments{}
	var err error
	if in.invocations, err = metric.Meter.Int64Counter(itelemetry.MetricNodeInvocations); err != nil {
		log.Warnf("create metric %s: %v", itelemetry.MetricNodeInvocations, err)
	}
	if in.interrupts, err = metric.Meter.Int64Counter(itelemetry.MetricInterrupts); err != nil {
		log.Warnf("create metric %s: %v", itelemetry.MetricInterrupts, err)
	}
	if in.failures, err = metric.Meter.Int64Counter(itelemetry.MetricThreadFailures); err != nil {
		log.Warnf("create metric %s: %v", itelemetry.MetricThreadFailures, err)
	}
	if in.stepMillis, err = metric.Meter.Float64Histogram(
		itelemetry.MetricSuperstepDurationMS,
		otelmetric.WithDescription(itelemetry.MetricSuperstepDurationDoc),
		otelmetric.WithUnit("ms"),
	); err != nil {
		log.Warnf("create metric %s: %v", itelemetry.MetricSuperstepDurationMS, err)
	}
	return in
}

func (in *instruments) nodeInvoked(ctx context.Context, nodeID string) {
	if in.invocations != nil {
		in.invocations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String(itelemetry.KeyNodeID, nodeID)))
	}
}

func (in *instruments) interrupted(ctx context.Context, nodeID string) {
	if in.interrupts != nil {
		in.interrupts.Add(ctx, 1, otelmetric.WithAttributes(attribute.String(itelemetry.KeyNodeID, nodeID)))
	}
}

func (in *instruments) failed(ctx context.Context) {
	if in.failures != nil {
		in.failures.Add(ctx, 1)
	}
}

func (in *instruments) stepDone(ctx context.Context, started time.Time, status Status) {
	if in.stepMillis != nil {
		in.stepMillis.Record(ctx, float64(time.Since(started).Microseconds())/1000,
			otelmetric.WithAttributes(attribute.String(itelemetry.KeyStatus, string(status))))
	}
}

func threadAttr(threadID string) attribute.KeyValue {
	return attribute.String(itelemetry.KeyThreadID, threadID)
}
