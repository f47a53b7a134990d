//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the names and connection helpers shared by the
// trace and metric packages and by the graph executor instrumentation.
package telemetry

import (
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// telemetry service constants.
const (
	ServiceName      = "trpc-graph-go"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-graph"
	InstrumentName   = "trpc.graph.go"

	SpanNameExecuteGraph       = "execute_graph"
	SpanNamePrefixSuperstep    = "superstep"
	SpanNamePrefixExecuteNode  = "execute_node"
	MetricNodeInvocations      = "graph.node.invocations"
	MetricInterrupts           = "graph.interrupts"
	MetricThreadFailures       = "graph.thread.failures"
	MetricSuperstepDurationMS  = "graph.superstep.duration"
	MetricSuperstepDurationDoc = "Wall time of one super-step in milliseconds."
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyThreadID = "trpc.go.graph.thread_id"
	KeyNodeID   = "trpc.go.graph.node_id"
	KeyTaskID   = "trpc.go.graph.task_id"
	KeyStep     = "trpc.go.graph.step"
	KeyStatus   = "trpc.go.graph.status"
)

// NewSuperstepSpanName returns the span name of a super-step.
func NewSuperstepSpanName(step int) string {
	return SpanNamePrefixSuperstep + " " + strconv.Itoa(step)
}

// NewExecuteNodeSpanName returns the span name of a node invocation.
func NewExecuteNodeSpanName(nodeID string) string {
	if nodeID == "" {
		return SpanNamePrefixExecuteNode
	}
	return SpanNamePrefixExecuteNode + " " + nodeID
}

// TraceNodeTask records the identity of a node task on span.
func TraceNodeTask(span trace.Span, threadID, nodeID, taskID string, step int) {
	span.SetAttributes(
		attribute.String(KeyThreadID, threadID),
		attribute.String(KeyNodeID, nodeID),
		attribute.String(KeyTaskID, taskID),
		attribute.Int(KeyStep, step),
	)
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
