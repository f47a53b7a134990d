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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/internal/workflows"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--backend", "sqlite", "--sqlite-dsn", filepath.Join(t.TempDir(), "graphrun.db")}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)

	path := writeConfig(t, `
backend: redis
redis:
  url: redis://cache:6379/2
  key_prefix: wf
  ttl: 30m
  lock_ttl: 10s
log:
  level: debug
  format: json
executor:
  max_steps: 7
  stream_mode: updates
`)
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, backendRedis, cfg.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "wf", cfg.Redis.KeyPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Redis.TTL)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 7, cfg.Executor.MaxSteps)
	assert.Equal(t, graph.DefaultMaxConcurrency, cfg.Executor.MaxConcurrency)
	assert.Equal(t, string(graph.StreamModeUpdates), cfg.Executor.StreamMode)
}

func TestLoadConfigErrors(t *testing.T) {
	for name, body := range map[string]string{
		"backend":     "backend: etcd\n",
		"stream mode": "executor:\n  stream_mode: debug\n",
		"sqlite dsn":  "backend: sqlite\nsqlite:\n  dsn: \"\"\n",
		"yaml":        "backend: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend = backendMemory
	saver, locker, err := openBackend(cfg)
	require.NoError(t, err)
	assert.Nil(t, locker)
	require.NoError(t, saver.Close())

	cfg.Backend = backendSQLite
	cfg.SQLite.DSN = filepath.Join(t.TempDir(), "b.db")
	cfg.SQLite.LockTTL = time.Minute
	saver, locker, err = openBackend(cfg)
	require.NoError(t, err)
	require.NotNil(t, locker)
	unlock, err := locker.TryLock(context.Background(), "t")
	require.NoError(t, err)
	_, err = locker.TryLock(context.Background(), "t")
	assert.ErrorIs(t, err, graph.ErrThreadBusy)
	unlock()
	require.NoError(t, saver.Close())

	cfg.Backend = "etcd"
	_, _, err = openBackend(cfg)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestWorkflowsCommand(t *testing.T) {
	out, err := execute(t, "", "workflows")
	require.NoError(t, err)
	for _, name := range workflows.Names() {
		assert.Contains(t, out, name)
	}
}

func TestRunInteractive(t *testing.T) {
	out, err := execute(t, "yes\n",
		"--backend", "memory", "run", workflows.Counter, "limit=2", "--thread", "c1", "--interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "thread c1")
	assert.Contains(t, out, "Counter reached 2. Approve? (yes/no)")
	assert.Contains(t, out, "interrupted at step")
	assert.Contains(t, out, `"status": "approved"`)
	assert.Contains(t, out, "done at step")
}

func TestRunInteractiveEOF(t *testing.T) {
	_, err := execute(t, "",
		"--backend", "memory", "run", workflows.Counter, "limit=1", "-i")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "backend: redis\nredis:\n  url: redis://127.0.0.1:1/0\n")
	out, err := execute(t, "no\n",
		"--config", path, "--backend", "memory", "run", workflows.Counter, "limit=1", "-i")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "rejected"`)
}

func TestRunAndResumeAcrossInvocations(t *testing.T) {
	backend := sqliteArgs(t)
	with := func(args ...string) []string { return append(append([]string{}, backend...), args...) }

	out, err := execute(t, "", with("run", workflows.Counter, "limit=1", "-t", "c")...)
	require.NoError(t, err)
	assert.Contains(t, out, "interrupted at step 2")
	assert.Contains(t, out, "request_approval")

	out, err = execute(t, "", with("state", workflows.Counter, "c")...)
	require.NoError(t, err)
	assert.Contains(t, out, "step 2 interrupted next=request_approval")

	_, err = execute(t, "", with("resume", workflows.Counter, "c")...)
	assert.ErrorContains(t, err, "answer or --task is required")

	out, err = execute(t, "", with("resume", workflows.Counter, "c", "no")...)
	require.NoError(t, err)
	assert.Contains(t, out, "done at step")
	assert.Contains(t, out, `"status": "rejected"`)

	out, err = execute(t, "", with("history", workflows.Counter, "c")...)
	require.NoError(t, err)
	for _, source := range []string{graph.SourceInput, graph.SourceLoop, graph.SourceInterrupt, graph.SourceResume} {
		assert.Contains(t, out, source)
	}

	_, err = execute(t, "", with("run", workflows.Counter, "-t", "c")...)
	assert.ErrorIs(t, err, graph.ErrThreadAlreadyStarted)

	out, err = execute(t, "", with("delete", workflows.Counter, "c")...)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted c")

	_, err = execute(t, "", with("state", workflows.Counter, "c")...)
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
	_, err = execute(t, "", with("history", workflows.Counter, "c")...)
	assert.ErrorContains(t, err, "no checkpoints")
}

func TestResumePerTask(t *testing.T) {
	backend := sqliteArgs(t)
	with := func(args ...string) []string { return append(append([]string{}, backend...), args...) }

	out, err := execute(t, "", with("run", workflows.Questionnaire, "scenario=illness", "-t", "q")...)
	require.NoError(t, err)
	assert.Contains(t, out, "ask_question")

	out, err = execute(t, "", with("state", workflows.Questionnaire, "q")...)
	require.NoError(t, err)
	taskID := interruptTaskID(t, out)

	out, err = execute(t, "", with("resume", workflows.Questionnaire, "q", "--task", taskID+"=ada")...)
	require.NoError(t, err)
	assert.Contains(t, out, "interrupted at step")
}

// interruptTaskID extracts the task ID of the first "  [task] path: value"
// line.
func interruptTaskID(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			end := strings.Index(line, "]")
			require.Positive(t, end)
			return line[1:end]
		}
	}
	require.FailNow(t, "no interrupt in output", out)
	return ""
}

func TestContinueChat(t *testing.T) {
	backend := sqliteArgs(t)
	with := func(args ...string) []string { return append(append([]string{}, backend...), args...) }

	out, err := execute(t, "", with("run", workflows.SummaryChat, "message=hello", "-t", "chat")...)
	require.NoError(t, err)
	assert.Contains(t, out, "[offline] hello")

	out, err = execute(t, "", with("continue", workflows.SummaryChat, "chat", "message=again")...)
	require.NoError(t, err)
	assert.Contains(t, out, "[offline] again")
	assert.Contains(t, out, "[offline] hello")

	_, err = execute(t, "", with("continue", workflows.SummaryChat, "chat")...)
	assert.ErrorContains(t, err, "message is required")
}

func TestStreamModeUpdates(t *testing.T) {
	out, err := execute(t, "",
		"--backend", "memory", "--stream-mode", "updates", "run", workflows.Counter, "limit=2")
	require.NoError(t, err)
	assert.Contains(t, out, `increment:1:0: {"counter":1}`)
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "", "--backend", "memory", "run", "nope")
	assert.ErrorContains(t, err, `unknown workflow "nope"`)

	_, err = execute(t, "", "--backend", "memory", "run", workflows.Counter, "limit")
	assert.ErrorContains(t, err, "not key=value")

	_, err = execute(t, "", "--backend", "memory", "run", workflows.Counter, "limit=x")
	assert.ErrorContains(t, err, "limit")

	_, err = execute(t, "", "--stream-mode", "debug", "workflows")
	assert.ErrorContains(t, err, "unknown stream mode")
}

func TestDotCommand(t *testing.T) {
	out, err := execute(t, "", "dot", workflows.Counter, "--rank-dir", "TB")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph G {")
	assert.Contains(t, out, "rankdir=TB")
	assert.Contains(t, out, "request_approval")
}

func TestDecodeAnswer(t *testing.T) {
	v, err := decodeAnswer("42", false)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = decodeAnswer(`{"n":42}`, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(42)}, v)

	_, err = decodeAnswer("yes", true)
	assert.Error(t, err)
}
