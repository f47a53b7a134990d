//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	checkpointinmemory "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func stringField() graph.StateField {
	return graph.StateField{Type: reflect.TypeOf("")}
}

func TestSubgraphPassThrough(t *testing.T) {
	child := graph.NewStateGraph(logSchema().AddField("scratch", stringField())).
		AddNode("work", func(ctx context.Context, s graph.State) (any, error) {
			// The child sees the projected parent value.
			if got := s["log"].([]string); len(got) == 0 || got[len(got)-1] != "p" {
				return nil, errors.New("parent log not projected")
			}
			return graph.State{"log": []string{"c"}, "scratch": "private", "count": 2}, nil
		}).
		SetEntryPoint("work").
		MustCompile()
	parent := graph.NewStateGraph(logSchema()).
		AddNode("p", appendNode("p")).
		AddSubgraphNode("sub", child).
		SetEntryPoint("p").
		AddEdge("p", "sub").
		MustCompile()
	saver := checkpointinmemory.NewSaver()
	exec := newExecutor(t, parent, saver)
	ctx := context.Background()

	state, _, err := exec.Invoke(ctx, "pt", nil)
	require.NoError(t, err)
	// Projected values do not flow back; only the child's own writes do.
	assert.Equal(t, []string{"init", "p", "c"}, state["log"])
	assert.Equal(t, 2, state["count"])
	assert.NotContains(t, state, "scratch")

	childLatest, err := saver.Latest(ctx, graph.SubgraphThreadID("pt", "sub:2:0"))
	require.NoError(t, err)
	require.NotNil(t, childLatest)
	assert.Equal(t, graph.StatusDone, childLatest.Status)
	assert.Equal(t, "pt|sub:2:0", childLatest.ThreadID)
}

func TestSubgraphMappings(t *testing.T) {
	childSchema := graph.NewStateSchema().
		AddField("topic", stringField()).
		AddField("report", stringField())
	child := graph.NewStateGraph(childSchema).
		AddNode("write", func(ctx context.Context, s graph.State) (any, error) {
			return graph.State{"report": "about " + s["topic"].(string)}, nil
		}).
		SetEntryPoint("write").
		MustCompile()
	parentSchema := graph.NewStateSchema().
		AddField("question", stringField()).
		AddField("answer", stringField()).
		AddField("report", stringField())
	parent := graph.NewStateGraph(parentSchema).
		AddSubgraphNode("research", child,
			graph.WithInputMapping(map[string]string{"question": "topic"}),
			graph.WithOutputMapping(map[string]string{"report": "answer"}),
		).
		SetEntryPoint("research").
		MustCompile()

	state, _, err := newExecutor(t, parent, nil).Invoke(context.Background(), "m", graph.State{"question": "go"})
	require.NoError(t, err)
	assert.Equal(t, "about go", state["answer"])
	assert.Empty(t, state["report"])
}

func interviewGraph() *graph.Graph {
	schema := graph.NewStateSchema().
		AddField("answer", stringField()).
		AddField("city", stringField()).
		AddField("report", stringField())
	return graph.NewStateGraph(schema).
		AddNode("ask", func(ctx context.Context, s graph.State) (any, error) {
			v, err := graph.InterruptAs[string](ctx, "name?")
			if err != nil {
				return nil, err
			}
			return graph.State{"answer": v}, nil
		}).
		AddNode("where", func(ctx context.Context, s graph.State) (any, error) {
			v, err := graph.InterruptAs[string](ctx, "city?")
			if err != nil {
				return nil, err
			}
			return graph.State{"city": v}, nil
		}).
		AddNode("finish", func(ctx context.Context, s graph.State) (any, error) {
			return graph.State{"report": s["answer"].(string) + " from " + s["city"].(string)}, nil
		}).
		SetEntryPoint("ask").
		AddEdge("ask", "where").
		AddEdge("where", "finish").
		MustCompile()
}

func TestSubgraphInterruptAndResume(t *testing.T) {
	parentSchema := logSchema().AddField("report", stringField())
	parent := graph.NewStateGraph(parentSchema).
		AddSubgraphNode("interview", interviewGraph()).
		AddNode("after", appendNode("after")).
		SetEntryPoint("interview").
		AddEdge("interview", "after").
		MustCompile()
	exec := newExecutor(t, parent, nil)
	ctx := context.Background()

	_, interrupts, err := exec.Invoke(ctx, "iv", nil)
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, "name?", interrupts[0].Value)
	assert.Equal(t, "interview", interrupts[0].NodeID)
	assert.Equal(t, []string{"interview", "ask"}, interrupts[0].Path)
	assert.Equal(t, "interview/ask", interrupts[0].PathString())

	snap, err := exec.GetState(ctx, "iv")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusInterrupted, snap.Status)
	assert.Equal(t, []string{"interview"}, snap.Next)

	_, interrupts, err = exec.InvokeResume(ctx, "iv", graph.NewResumeCommand("ada"))
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, "city?", interrupts[0].Value)
	assert.Equal(t, []string{"interview", "where"}, interrupts[0].Path)

	state, interrupts, err := exec.InvokeResume(ctx, "iv", graph.NewResumeCommand("paris"))
	require.NoError(t, err)
	assert.Empty(t, interrupts)
	assert.Equal(t, "ada from paris", state["report"])
	assert.Equal(t, []string{"init", "after"}, state["log"])

	childLast, err := lastCheckpoint(t, exec, "iv|interview:1:0")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusDone, childLast.Status)
}

func TestSubgraphAsksParallelChildInterruptsInTurn(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("a", stringField()).
		AddField("b", stringField())
	ask := func(key string) graph.NodeFunc {
		return func(ctx context.Context, s graph.State) (any, error) {
			v, err := graph.InterruptAs[string](ctx, key+"?")
			if err != nil {
				return nil, err
			}
			return graph.State{key: v}, nil
		}
	}
	child := graph.NewStateGraph(schema).
		AddNode("askA", ask("a")).
		AddNode("askB", ask("b")).
		AddEdge(graph.Start, "askA").
		AddEdge(graph.Start, "askB").
		MustCompile()
	parent := graph.NewStateGraph(schema).
		AddSubgraphNode("sub", child).
		SetEntryPoint("sub").
		MustCompile()
	exec := newExecutor(t, parent, nil)
	ctx := context.Background()

	_, interrupts, err := exec.Invoke(ctx, "turns", nil)
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, "a?", interrupts[0].Value)
	assert.Equal(t, []string{"sub", "askA"}, interrupts[0].Path)

	state, interrupts, err := exec.InvokeResume(ctx, "turns", graph.NewResumeCommand("first"))
	require.NoError(t, err)
	require.Len(t, interrupts, 1)
	assert.Equal(t, "b?", interrupts[0].Value)
	assert.Equal(t, []string{"sub", "askB"}, interrupts[0].Path)
	assert.Empty(t, state["a"])

	state, interrupts, err = exec.InvokeResume(ctx, "turns", graph.NewResumeCommand("second"))
	require.NoError(t, err)
	assert.Empty(t, interrupts)
	assert.Equal(t, "first", state["a"])
	assert.Equal(t, "second", state["b"])
}

func TestDeleteThreadRemovesSubgraphThreads(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("q", stringField()).
		AddField("out", stringField())
	echo := graph.NewStateGraph(schema).
		AddNode("echo", func(ctx context.Context, s graph.State) (any, error) {
			return graph.State{"out": "echo " + s["q"].(string)}, nil
		}).
		SetEntryPoint("echo").
		MustCompile()
	middle := graph.NewStateGraph(schema).
		AddSubgraphNode("inner", echo).
		SetEntryPoint("inner").
		MustCompile()
	outer := graph.NewStateGraph(schema).
		AddSubgraphNode("sub", middle).
		SetEntryPoint("sub").
		MustCompile()
	saver := checkpointinmemory.NewSaver()
	exec := newExecutor(t, outer, saver)
	ctx := context.Background()

	state, _, err := exec.Invoke(ctx, "x", graph.State{"q": "first"})
	require.NoError(t, err)
	assert.Equal(t, "echo first", state["out"])
	assert.Equal(t, []string{"x", "x|sub:1:0", "x|sub:1:0|inner:1:0"}, saver.Threads())

	require.NoError(t, exec.DeleteThread(ctx, "x"))
	assert.Empty(t, saver.Threads())

	state, _, err = exec.Invoke(ctx, "x", graph.State{"q": "second"})
	require.NoError(t, err)
	assert.Equal(t, "echo second", state["out"])
}

func lastCheckpoint(t *testing.T, exec *graph.Executor, threadID string) (*graph.Checkpoint, error) {
	t.Helper()
	var last *graph.Checkpoint
	for c, err := range exec.History(context.Background(), threadID) {
		if err != nil {
			return nil, err
		}
		last = c
	}
	require.NotNil(t, last, "no checkpoints for %s", threadID)
	return last, nil
}

func TestSubgraphFailure(t *testing.T) {
	boom := errors.New("boom")
	child := graph.NewStateGraph(logSchema()).
		AddNode("bad", func(context.Context, graph.State) (any, error) { return nil, boom }).
		SetEntryPoint("bad").
		MustCompile()
	parent := graph.NewStateGraph(logSchema()).
		AddSubgraphNode("sub", child).
		SetEntryPoint("sub").
		MustCompile()

	_, _, err := newExecutor(t, parent, nil).Invoke(context.Background(), "f", nil)
	var nodeErr *graph.NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "sub", nodeErr.NodeID)
	assert.ErrorIs(t, err, boom)
}

func TestAddSubgraphNodeErrors(t *testing.T) {
	_, err := graph.NewStateGraph(logSchema()).AddSubgraphNode("sub", nil).SetEntryPoint("sub").Compile()
	assert.ErrorContains(t, err, "has no graph")

	_, err = graph.NewStateGraph(logSchema()).
		AddSubgraphNode("sub", graph.New(logSchema())).
		SetEntryPoint("sub").
		Compile()
	assert.ErrorContains(t, err, "entry point")
}

func TestSubgraphRequiresExecutor(t *testing.T) {
	child := graph.NewStateGraph(logSchema()).AddNode("a", appendNode("a")).SetEntryPoint("a").MustCompile()
	parent := graph.NewStateGraph(logSchema()).AddSubgraphNode("sub", child).SetEntryPoint("sub").MustCompile()
	node, ok := parent.Node("sub")
	require.True(t, ok)
	_, err := node.Function(context.Background(), graph.State{})
	assert.ErrorContains(t, err, "inside an executor")
}
