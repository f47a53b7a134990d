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
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// Checkpoint backends.
const (
	backendMemory = "memory"
	backendSQLite = "sqlite"
	backendRedis  = "redis"
)

// Config is the graphrun configuration file.
type Config struct {
	Backend   string          `yaml:"backend"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	DSN     string        `yaml:"dsn"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExecutorConfig configures the executor limits.
type ExecutorConfig struct {
	MaxSteps       int    `yaml:"max_steps"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	StreamMode     string `yaml:"stream_mode"`
}

// TelemetryConfig configures the OTLP exporters. Empty endpoints keep
// telemetry disabled.
type TelemetryConfig struct {
	TracesEndpoint  string        `yaml:"traces_endpoint"`
	TracesProtocol  string        `yaml:"traces_protocol"`
	MetricsEndpoint string        `yaml:"metrics_endpoint"`
	MetricsProtocol string        `yaml:"metrics_protocol"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	ServiceName     string        `yaml:"service_name"`
}

func defaultConfig() Config {
	return Config{
		Backend: backendSQLite,
		SQLite:  SQLiteConfig{DSN: "graphrun.db"},
		Redis:   RedisConfig{URL: "redis://localhost:6379/0"},
		Log:     LogConfig{Level: log.LevelWarn, Format: log.FormatConsole},
		Executor: ExecutorConfig{
			MaxSteps:       graph.DefaultMaxSteps,
			MaxConcurrency: graph.DefaultMaxConcurrency,
			StreamMode:     string(graph.StreamModeValues),
		},
		Telemetry: TelemetryConfig{TracesProtocol: "grpc", MetricsProtocol: "grpc", ServiceName: "graphrun"},
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case backendMemory, backendSQLite, backendRedis:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == backendSQLite && c.SQLite.DSN == "" {
		return errors.New("sqlite backend needs a dsn")
	}
	if c.Backend == backendRedis && c.Redis.URL == "" {
		return errors.New("redis backend needs a url")
	}
	switch graph.StreamMode(c.Executor.StreamMode) {
	case graph.StreamModeValues, graph.StreamModeUpdates:
	default:
		return fmt.Errorf("unknown stream mode %q", c.Executor.StreamMode)
	}
	return nil
}
