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
	"strings"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/internal/workflows"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// app holds what the subcommands share for one invocation.
type app struct {
	configPath string
	cfg        Config
	deps       workflows.Deps

	saver    graph.CheckpointSaver
	locker   graph.ThreadLocker
	cleanups []func() error
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: defaultConfig()}
	root := &cobra.Command{
		Use:           "graphrun",
		Short:         "Run checkpointed graph workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.String("backend", a.cfg.Backend, "checkpoint backend: memory, sqlite or redis")
	flags.String("sqlite-dsn", a.cfg.SQLite.DSN, "sqlite database path or DSN")
	flags.String("redis-url", a.cfg.Redis.URL, "redis connection URL")
	flags.String("log-level", a.cfg.Log.Level, "log level: debug, info, warn, error")
	flags.String("log-format", a.cfg.Log.Format, "log format: console or json")
	flags.Int("max-steps", a.cfg.Executor.MaxSteps, "super-step limit per call")
	flags.Int("max-concurrency", a.cfg.Executor.MaxConcurrency, "parallel tasks per super-step")
	flags.String("stream-mode", a.cfg.Executor.StreamMode, "event payload: values or updates")

	root.AddCommand(
		newWorkflowsCmd(),
		newRunCmd(a),
		newResumeCmd(a),
		newContinueCmd(a),
		newStateCmd(a),
		newHistoryCmd(a),
		newDeleteCmd(a),
		newDotCmd(a),
	)
	return root
}

// setup loads the config, applies flag overrides and configures logging.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := overrideFromFlags(cmd, &cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg
	log.Setup(cmd.ErrOrStderr(), cfg.Log.Format)
	log.SetLevel(cfg.Log.Level)
	return nil
}

// open starts telemetry and opens the checkpoint backend.
func (a *app) open(cmd *cobra.Command) error {
	cleanups, err := startTelemetry(cmd.Context(), a.cfg.Telemetry)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, cleanups...)

	saver, locker, err := openBackend(a.cfg)
	if err != nil {
		return errors.Join(err, a.close())
	}
	a.saver, a.locker = saver, locker
	a.cleanups = append(a.cleanups, saver.Close)
	log.Debugf("graphrun using %s backend", a.cfg.Backend)
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		errs = append(errs, a.cleanups[i]())
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

// withExecutor opens the backend, builds an executor for the named workflow
// and runs fn with it.
func (a *app) withExecutor(cmd *cobra.Command, name string, fn func(*graph.Executor) error) (err error) {
	if err := a.open(cmd); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.close()) }()
	exec, err := a.executor(name)
	if err != nil {
		return err
	}
	defer exec.Close()
	return fn(exec)
}

func overrideFromFlags(cmd *cobra.Command, cfg *Config) error {
	flags := cmd.Flags()
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}
	str("backend", &cfg.Backend)
	str("sqlite-dsn", &cfg.SQLite.DSN)
	str("redis-url", &cfg.Redis.URL)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	num("max-steps", &cfg.Executor.MaxSteps)
	num("max-concurrency", &cfg.Executor.MaxConcurrency)
	str("stream-mode", &cfg.Executor.StreamMode)
	return err
}

// executor builds the named workflow and an executor over the backend.
func (a *app) executor(name string) (*graph.Executor, error) {
	g, err := workflows.Build(name, a.deps)
	if err != nil {
		return nil, err
	}
	opts := []graph.ExecutorOption{
		graph.WithCheckpointSaver(a.saver),
		graph.WithMaxSteps(a.cfg.Executor.MaxSteps),
		graph.WithMaxConcurrency(a.cfg.Executor.MaxConcurrency),
		graph.WithStreamMode(graph.StreamMode(a.cfg.Executor.StreamMode)),
	}
	if a.locker != nil {
		opts = append(opts, graph.WithThreadLocker(a.locker))
	}
	exec, err := graph.NewExecutor(g, opts...)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", name, err)
	}
	return exec, nil
}

// parseKeyValues turns key=value arguments into a map.
func parseKeyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		out[key] = value
	}
	return out, nil
}
