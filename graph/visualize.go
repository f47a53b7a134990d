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
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Graphviz layout directions and output formats.
const (
	RankDirLR = "LR"
	RankDirTB = "TB"

	ImageFormatPNG = "png"
	ImageFormatSVG = "svg"
)

const (
	shapeBox       = "box"
	shapeComponent = "component"
	shapeDiamond   = "diamond"
	shapeOval      = "oval"

	colorNodeFill      = "#e3f2fd"
	colorNodeBorder    = "#2196f3"
	colorSubgraphFill  = "#e8f5e9"
	colorSubgraphEdge  = "#4caf50"
	colorJoinFill      = "#f3e5f5"
	colorJoinBorder    = "#9c27b0"
	colorRouterFill    = "#eeeeee"
	colorRouterBorder  = "#757575"
	colorStartFill     = "#e1f5e1"
	colorEndFill       = "#ffe1e1"
	colorEndBorder     = "#f44336"
	colorConditionEdge = "#999999"
	colorSendEdge      = "#ff9800"
)

// VizOptions configures DOT export.
type VizOptions struct {
	// RankDir is "LR" or "TB".
	RankDir string
	// IncludeStartEnd renders the virtual start and end nodes.
	IncludeStartEnd bool
	// GraphLabel labels the whole graph.
	GraphLabel string
}

// VizOption mutates VizOptions.
type VizOption func(*VizOptions)

// WithRankDir sets the layout direction. Other values are ignored.
func WithRankDir(dir string) VizOption {
	return func(o *VizOptions) {
		if dir == RankDirLR || dir == RankDirTB {
			o.RankDir = dir
		}
	}
}

// WithIncludeStartEnd toggles the virtual start and end nodes.
func WithIncludeStartEnd(include bool) VizOption {
	return func(o *VizOptions) { o.IncludeStartEnd = include }
}

// WithGraphLabel sets a label for the graph.
func WithGraphLabel(label string) VizOption {
	return func(o *VizOptions) { o.GraphLabel = label }
}

// DOT returns a Graphviz rendering of the graph. Static edges are solid,
// conditional edges dashed and labeled by branch, send routers dotted and
// join edges bold. Routers without a path map point at a diamond since
// their destinations are only known at run time.
func (g *Graph) DOT(opts ...VizOption) string {
	o := &VizOptions{RankDir: RankDirLR, IncludeStartEnd: true}
	for _, fn := range opts {
		fn(o)
	}
	joinTargets := make(map[string]bool)
	for _, j := range g.JoinEdges() {
		joinTargets[j.To] = true
	}

	var b strings.Builder
	b.WriteString("digraph G {\n")
	fmt.Fprintf(&b, "  rankdir=%s;\n", o.RankDir)
	b.WriteString("  node [fontname=\"Helvetica\"];\n  edge [fontname=\"Helvetica\"];\n")
	if o.GraphLabel != "" {
		fmt.Fprintf(&b, "  label=\"%s\";\n  labelloc=t;\n", escapeLabel(o.GraphLabel))
	}
	if o.IncludeStartEnd {
		fmt.Fprintf(&b, "  \"%s\" [label=\"start\", shape=%s, style=filled, fillcolor=\"%s\"];\n",
			escapeLabel(Start), shapeOval, colorStartFill)
		fmt.Fprintf(&b, "  \"%s\" [label=\"end\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(End), shapeOval, colorEndFill, colorEndBorder)
	}

	nodes := g.Nodes()
	for _, n := range nodes {
		shape, fill, border := shapeBox, colorNodeFill, colorNodeBorder
		switch {
		case n.subgraph != nil:
			shape, fill, border = shapeComponent, colorSubgraphFill, colorSubgraphEdge
		case joinTargets[n.ID]:
			fill, border = colorJoinFill, colorJoinBorder
		}
		label := n.Name
		if label == "" {
			label = n.ID
		}
		fmt.Fprintf(&b, "  \"%s\" [label=\"%s\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(n.ID), escapeLabel(label), shape, fill, border)
	}

	hidden := func(from, to string) bool {
		return !o.IncludeStartEnd && (from == Start || to == End)
	}
	sources := append([]string{Start}, nodeIDs(nodes)...)
	for _, from := range sources {
		for _, e := range g.Edges(from) {
			if !hidden(e.From, e.To) {
				fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", escapeLabel(e.From), escapeLabel(e.To))
			}
		}
		for i, ce := range g.ConditionalEdges(from) {
			writeConditionalEdge(&b, ce, i, hidden)
		}
	}
	for _, j := range g.JoinEdges() {
		for _, from := range j.From {
			fmt.Fprintf(&b, "  \"%s\" -> \"%s\" [style=bold, color=\"%s\", label=\"join\"];\n",
				escapeLabel(from), escapeLabel(j.To), colorJoinBorder)
		}
	}
	if !o.IncludeStartEnd {
		if entry := g.EntryPoint(); entry != "" {
			fmt.Fprintf(&b, "  \"%s\" [peripheries=2];\n", escapeLabel(entry))
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func writeConditionalEdge(b *strings.Builder, ce *ConditionalEdge, idx int, hidden func(from, to string) bool) {
	if len(ce.PathMap) > 0 {
		for _, k := range sortedKeys(ce.PathMap) {
			to := ce.PathMap[k]
			if hidden(ce.From, to) {
				continue
			}
			fmt.Fprintf(b, "  \"%s\" -> \"%s\" [style=dashed, color=\"%s\", label=\"%s\"];\n",
				escapeLabel(ce.From), escapeLabel(to), colorConditionEdge, escapeLabel(k))
		}
		return
	}
	router := fmt.Sprintf("%s?%d", ce.From, idx)
	style, color := "dashed", colorConditionEdge
	if ce.kind == "send" {
		style, color = "dotted", colorSendEdge
	}
	fmt.Fprintf(b, "  \"%s\" [label=\"%s\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
		escapeLabel(router), ce.kind, shapeDiamond, colorRouterFill, colorRouterBorder)
	fmt.Fprintf(b, "  \"%s\" -> \"%s\" [style=%s, color=\"%s\"];\n",
		escapeLabel(ce.From), escapeLabel(router), style, color)
}

// WriteDOT writes the DOT representation to w.
func (g *Graph) WriteDOT(w io.Writer, opts ...VizOption) error {
	_, err := io.WriteString(w, g.DOT(opts...))
	return err
}

// RenderImage renders the graph with the Graphviz dot binary.
func (g *Graph) RenderImage(ctx context.Context, format, outputPath string, opts ...VizOption) error {
	if format == "" {
		format = ImageFormatPNG
	}
	dotPath, err := exec.LookPath("dot")
	if err != nil {
		return fmt.Errorf("graphviz 'dot' binary not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, dotPath, "-T"+format, "-o", outputPath)
	cmd.Stdin = bytes.NewBufferString(g.DOT(opts...))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dot render failed: %w, output: %s", err, string(out))
	}
	return nil
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}
