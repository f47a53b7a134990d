//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpointtest holds the behavior every graph.CheckpointSaver
// must show. Backends run it from their own tests.
package checkpointtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Factory returns an empty saver. The saver is closed by the suite.
type Factory func(t *testing.T) graph.CheckpointSaver

// Run runs the saver suite against savers created by newSaver.
func Run(t *testing.T, newSaver Factory) {
	t.Run("EmptyThread", func(t *testing.T) { testEmptyThread(t, newSaver(t)) })
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newSaver(t)) })
	t.Run("AppendOnly", func(t *testing.T) { testAppendOnly(t, newSaver(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newSaver(t)) })
	t.Run("ThreadsIsolated", func(t *testing.T) { testThreadsIsolated(t, newSaver(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, newSaver(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newSaver(t)) })
}

// Checkpoint builds a small checkpoint for threadID at step.
func Checkpoint(threadID string, step int, parent *graph.Checkpoint) *graph.Checkpoint {
	c := graph.NewCheckpoint(threadID, step, graph.SourceLoop, parent)
	c.Values = map[string]any{"counter": step, "log": []any{"a", "b"}}
	c.Versions = map[string]int64{"counter": int64(step + 1)}
	c.UpdatedChannels = []string{"counter"}
	c.Writes = []graph.PendingWrite{{TaskID: "inc:1:0", NodeID: "inc", Channel: "counter", Value: step, Sequence: 0}}
	c.Next = []graph.TaskSpec{{ID: "inc:2:0", Node: "inc"}}
	return c
}

func testEmptyThread(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	latest, err := s.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, latest)

	got, err := s.Get(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	n := 0
	for _, err := range s.History(ctx, "missing") {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func testPutAndGet(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	c0 := Checkpoint("t1", 0, nil)
	c0.Source = graph.SourceInput
	require.NoError(t, s.Put(ctx, c0))
	c1 := Checkpoint("t1", 1, c0)
	c1.Status = graph.StatusInterrupted
	c1.Interrupts = []graph.InterruptState{{TaskID: "inc:1:0", NodeID: "inc", Value: "why?", Path: []string{"inc"}}}
	require.NoError(t, s.Put(ctx, c1))

	got, err := s.Get(ctx, "t1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c0.ID, got.ID)
	assert.Equal(t, graph.SourceInput, got.Source)

	latest, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Step)
	assert.Equal(t, c0.ID, latest.ParentID)
	assert.Equal(t, graph.StatusInterrupted, latest.Status)
	assert.True(t, latest.IsInterrupted())
	require.Len(t, latest.Interrupts, 1)
	assert.Equal(t, "why?", latest.Interrupts[0].Value)
	assert.EqualValues(t, 1, latest.Values["counter"])
	assert.Equal(t, []string{"inc"}, latest.NextNodes())
	require.Len(t, latest.Writes, 1)
	assert.Equal(t, "counter", latest.Writes[0].Channel)
}

func testAppendOnly(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	c0 := Checkpoint("t1", 0, nil)
	require.NoError(t, s.Put(ctx, c0))
	c1 := Checkpoint("t1", 1, c0)
	require.NoError(t, s.Put(ctx, c1))

	err := s.Put(ctx, Checkpoint("t1", 1, c0))
	assert.ErrorIs(t, err, graph.ErrStepConflict)
	err = s.Put(ctx, Checkpoint("t1", 0, nil))
	assert.ErrorIs(t, err, graph.ErrStepConflict)

	latest, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, latest.ID)
}

func testHistory(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	var parent *graph.Checkpoint
	for step := range 5 {
		c := Checkpoint("t1", step, parent)
		require.NoError(t, s.Put(ctx, c))
		parent = c
	}
	var steps []int
	for c, err := range s.History(ctx, "t1") {
		require.NoError(t, err)
		steps = append(steps, c.Step)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)

	// Early exit and a second pass both work.
	var first []int
	for c, err := range s.History(ctx, "t1") {
		require.NoError(t, err)
		first = append(first, c.Step)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1}, first)
}

func testThreadsIsolated(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Checkpoint("a", 0, nil)))
	require.NoError(t, s.Put(ctx, Checkpoint("b", 0, nil)))
	require.NoError(t, s.Put(ctx, Checkpoint("a|x:1:0", 0, nil)))

	latest, err := s.Latest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", latest.ThreadID)
	n := 0
	for c, err := range s.History(ctx, "a") {
		require.NoError(t, err)
		assert.Equal(t, "a", c.ThreadID)
		n++
	}
	assert.Equal(t, 1, n)
}

func testDeleteThread(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	c0 := Checkpoint("t1", 0, nil)
	require.NoError(t, s.Put(ctx, c0))
	require.NoError(t, s.Put(ctx, Checkpoint("t1", 1, c0)))
	require.NoError(t, s.Put(ctx, Checkpoint("t2", 0, nil)))

	require.NoError(t, s.DeleteThread(ctx, "t1"))
	latest, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, latest)
	other, err := s.Latest(ctx, "t2")
	require.NoError(t, err)
	assert.NotNil(t, other)

	// A deleted thread starts over from step 0.
	require.NoError(t, s.Put(ctx, Checkpoint("t1", 0, nil)))
}

func testReturnsCopies(t *testing.T, s graph.CheckpointSaver) {
	defer s.Close()
	ctx := context.Background()
	c0 := Checkpoint("t1", 0, nil)
	require.NoError(t, s.Put(ctx, c0))
	c0.Values["counter"] = 99

	got, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Values["counter"])
	got.Values["counter"] = 42

	again, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, again.Values["counter"])
}
