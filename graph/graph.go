//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a durable, resumable graph execution engine.
//
// A graph is a set of nodes over a shared State whose channels merge
// concurrent writes through reducers. The Executor runs the graph in
// super-steps, persists a checkpoint after each of them and can suspend a
// thread inside a node until a caller resumes it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// NodeFunc is a function that can be executed by a node.
//
// The returned value is one of:
//   - nil: no update.
//   - State: a partial update.
//   - StateUpdates: ordered partial updates.
//   - []Send: dynamic fan-out replacing the node's outgoing edges.
//   - *Command: an update plus explicit routing.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc is a function that determines the next node based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// MultiConditionalFunc returns multiple next nodes for parallel execution.
type MultiConditionalFunc func(ctx context.Context, state State) ([]string, error)

// SendFunc returns one task per Send, each with its own input.
type SendFunc func(ctx context.Context, state State) ([]Send, error)

// Send is a dynamic edge instance. A non-nil Input replaces the state the
// target node sees for this invocation.
type Send struct {
	Node  string `json:"node"`
	Input State  `json:"input,omitempty"`
}

// StateUpdates is a list of partial updates applied in order.
type StateUpdates []State

// Command represents a command that combines state updates with routing.
// A non-empty GoTo replaces the node's static and conditional edges.
type Command struct {
	Update State
	GoTo   []Send
}

// Goto returns a command routing to the given nodes with the shared state.
func Goto(update State, nodes ...string) *Command {
	cmd := &Command{Update: update}
	for _, n := range nodes {
		cmd.GoTo = append(cmd.GoTo, Send{Node: n})
	}
	return cmd
}

// Node represents a node in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	callbacks *NodeCallbacks
	subgraph  *subgraphSpec
}

// Edge represents an edge in the graph.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge represents a conditional edge with routing logic.
// PathMap, when set, maps router results to node IDs; results outside of it
// are rejected.
type ConditionalEdge struct {
	From    string
	PathMap map[string]string

	route func(ctx context.Context, state State) ([]Send, error)
	kind  string
}

// JoinEdge fires To once every node of From completed since it last fired.
type JoinEdge struct {
	From []string
	To   string
}

func (j *JoinEdge) key() string {
	return strings.Join(j.From, ",") + "->" + j.To
}

// Graph represents a directed graph of nodes and edges.
// It is created by StateGraph.Compile and is immutable afterwards.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	nodeOrder        []string
	edges            map[string][]*Edge
	conditionalEdges map[string][]*ConditionalEdge
	joinEdges        []*JoinEdge
	entryPoint       string
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string][]*ConditionalEdge),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all outgoing static edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdges returns the conditional edges from a node.
func (g *Graph) ConditionalEdges(nodeID string) []*ConditionalEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conditionalEdges[nodeID]
}

// JoinEdges returns all join edges.
func (g *Graph) JoinEdges() []*JoinEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.joinEdges
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

func (g *Graph) hasTarget(id string) bool {
	if id == End {
		return true
	}
	_, ok := g.nodes[id]
	return ok
}

// validate validates the graph structure.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" && len(g.edges[Start]) == 0 && len(g.conditionalEdges[Start]) == 0 {
		return errors.New("graph must have an entry point")
	}
	if g.entryPoint != "" {
		if _, exists := g.nodes[g.entryPoint]; !exists {
			return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
		}
	}
	for _, from := range sortedKeys(g.edges) {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return fmt.Errorf("source node %s does not exist", from)
			}
		}
		for _, e := range g.edges[from] {
			if e.To == Start {
				return fmt.Errorf("edge %s -> %s targets the start node", e.From, e.To)
			}
			if !g.hasTarget(e.To) {
				return fmt.Errorf("target node %s does not exist", e.To)
			}
		}
	}
	for _, from := range sortedKeys(g.conditionalEdges) {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return fmt.Errorf("source node %s does not exist", from)
			}
		}
		for _, ce := range g.conditionalEdges[from] {
			for _, key := range sortedKeys(ce.PathMap) {
				if to := ce.PathMap[key]; !g.hasTarget(to) {
					return fmt.Errorf("conditional edge from %s maps %q to unknown node %s", from, key, to)
				}
			}
		}
	}
	for _, j := range g.joinEdges {
		if len(j.From) == 0 {
			return fmt.Errorf("join edge to %s has no sources", j.To)
		}
		for _, from := range j.From {
			if _, ok := g.nodes[from]; !ok {
				return fmt.Errorf("join source node %s does not exist", from)
			}
		}
		if !g.hasTarget(j.To) {
			return fmt.Errorf("join target node %s does not exist", j.To)
		}
	}
	return nil
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return errors.New("node ID cannot be empty")
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if strings.Contains(node.ID, subgraphThreadSeparator) {
		return fmt.Errorf("node ID %s must not contain %q", node.ID, subgraphThreadSeparator)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	if node.Function == nil {
		return fmt.Errorf("node %s has no function", node.ID)
	}
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	return nil
}

// addEdge adds an edge to the graph.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return errors.New("edge from and to cannot be empty")
	}
	if edge.From == End {
		return errors.New("edge cannot start at the end node")
	}
	for _, e := range g.edges[edge.From] {
		if e.To == edge.To {
			return nil
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge adds a conditional edge to the graph.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" || condEdge.From == End {
		return fmt.Errorf("invalid conditional edge source %q", condEdge.From)
	}
	g.conditionalEdges[condEdge.From] = append(g.conditionalEdges[condEdge.From], condEdge)
	return nil
}

// addJoinEdge adds a join edge to the graph.
func (g *Graph) addJoinEdge(join *JoinEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if join.To == "" {
		return errors.New("join target cannot be empty")
	}
	from := append([]string(nil), join.From...)
	sort.Strings(from)
	join.From = from
	g.joinEdges = append(g.joinEdges, join)
	return nil
}

// setEntryPoint sets the entry point of the graph.
func (g *Graph) setEntryPoint(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entryPoint = nodeID
}
