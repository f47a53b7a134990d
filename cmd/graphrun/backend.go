//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	checkpointinmemory "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
	checkpointredis "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/redis"
	checkpointsqlite "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/sqlite"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// openBackend creates the checkpoint saver and thread locker of cfg. The
// durable backends lock threads in the store itself so that concurrent
// processes exclude each other. A nil locker selects the in-process default.
func openBackend(cfg Config) (graph.CheckpointSaver, graph.ThreadLocker, error) {
	switch cfg.Backend {
	case backendMemory:
		return checkpointinmemory.NewSaver(), nil, nil
	case backendSQLite:
		saver, err := checkpointsqlite.Open(cfg.SQLite.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		var lockOpts []checkpointsqlite.LockerOption
		if cfg.SQLite.LockTTL > 0 {
			lockOpts = append(lockOpts, checkpointsqlite.WithLockTTL(cfg.SQLite.LockTTL))
		}
		locker, err := checkpointsqlite.NewLocker(saver.DB(), lockOpts...)
		if err != nil {
			saver.Close()
			return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return saver, locker, nil
	case backendRedis:
		opts := []checkpointredis.Option{checkpointredis.WithRedisClientURL(cfg.Redis.URL)}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, checkpointredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		if cfg.Redis.TTL > 0 {
			opts = append(opts, checkpointredis.WithTTL(cfg.Redis.TTL))
		}
		saver, err := checkpointredis.NewSaver(opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis backend: %w", err)
		}
		var lockOpts []checkpointredis.LockerOption
		if cfg.Redis.LockTTL > 0 {
			lockOpts = append(lockOpts, checkpointredis.WithLockTTL(cfg.Redis.LockTTL))
		}
		return saver, checkpointredis.NewLocker(saver.Client(), lockOpts...), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// startTelemetry installs the OTLP tracer and meter. It must run before any
// executor is created so the executor instruments bind to the real meter.
func startTelemetry(ctx context.Context, cfg TelemetryConfig) ([]func() error, error) {
	var cleanups []func() error
	if cfg.TracesEndpoint != "" {
		clean, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.TracesEndpoint),
			trace.WithProtocol(cfg.TracesProtocol),
			trace.WithServiceName(cfg.ServiceName),
		)
		if err != nil {
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		cleanups = append(cleanups, clean)
		log.Debugf("tracing to %s over %s", cfg.TracesEndpoint, cfg.TracesProtocol)
	}
	if cfg.MetricsEndpoint != "" {
		clean, err := metric.Start(ctx,
			metric.WithEndpoint(cfg.MetricsEndpoint),
			metric.WithProtocol(cfg.MetricsProtocol),
			metric.WithServiceName(cfg.ServiceName),
			metric.WithExportInterval(cfg.MetricsInterval),
		)
		if err != nil {
			for _, c := range cleanups {
				_ = c()
			}
			return nil, fmt.Errorf("start metrics: %w", err)
		}
		cleanups = append(cleanups, clean)
		log.Debugf("exporting metrics to %s over %s", cfg.MetricsEndpoint, cfg.MetricsProtocol)
	}
	return cleanups, nil
}
