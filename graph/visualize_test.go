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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vizGraph(t *testing.T) *Graph {
	t.Helper()
	sub := NewStateGraph(nil).AddNode("inner", noop).SetEntryPoint("inner").SetFinishPoint("inner").MustCompile()
	g, err := NewStateGraph(nil).
		AddNode("plan", noop, WithName("Plan \"it\"")).
		AddNode("work", noop).
		AddNode("review", noop).
		AddNode("merge", noop).
		AddSubgraphNode("nested", sub).
		SetEntryPoint("plan").
		AddSendEdges("plan", func(context.Context, State) ([]Send, error) { return nil, nil }).
		AddConditionalEdges("review", func(context.Context, State) (string, error) { return "ok", nil },
			map[string]string{"ok": End, "again": "work"}).
		AddJoinEdge([]string{"work", "nested"}, "merge").
		AddEdge("merge", "review").
		Compile()
	require.NoError(t, err)
	return g
}

func TestDOT(t *testing.T) {
	dot := vizGraph(t).DOT(WithGraphLabel("research"))

	assert.True(t, strings.HasPrefix(dot, "digraph G {\n"))
	assert.Contains(t, dot, "rankdir=LR;")
	assert.Contains(t, dot, `label="research";`)
	assert.Contains(t, dot, `label="Plan \"it\""`)
	assert.Contains(t, dot, `"__start__" -> "plan";`)
	assert.Contains(t, dot, `"merge" -> "review";`)
	assert.Contains(t, dot, `"review" -> "__end__" [style=dashed, color="#999999", label="ok"];`)
	assert.Contains(t, dot, `"review" -> "work" [style=dashed, color="#999999", label="again"];`)
	assert.Contains(t, dot, `"plan" -> "plan?0" [style=dotted`)
	assert.Contains(t, dot, `"work" -> "merge" [style=bold`)
	assert.Contains(t, dot, `"nested" [label="nested", shape=component`)
}

func TestDOTWithoutStartEnd(t *testing.T) {
	dot := vizGraph(t).DOT(WithIncludeStartEnd(false), WithRankDir(RankDirTB), WithRankDir("bogus"))
	assert.Contains(t, dot, "rankdir=TB;")
	assert.NotContains(t, dot, `"__start__" ->`)
	assert.NotContains(t, dot, `-> "__end__"`)
	assert.Contains(t, dot, `"plan" [peripheries=2];`)
}

func TestWriteDOT(t *testing.T) {
	g := vizGraph(t)
	var buf bytes.Buffer
	require.NoError(t, g.WriteDOT(&buf))
	assert.Equal(t, g.DOT(), buf.String())
}
