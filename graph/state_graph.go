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
	"context"
	"errors"
	"fmt"
)

// StateGraph provides a fluent interface for building graphs.
//
// Example usage:
//
//	schema := NewStateSchema().AddField("counter", StateField{...})
//	graph, err := NewStateGraph(schema).
//	  AddNode("increment", incrementFunc).
//	  SetEntryPoint("increment").
//	  SetFinishPoint("increment").
//	  Compile()
//
// Builder errors are collected and reported by Compile.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: New(schema),
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeCallbacks attaches callbacks that run around this node only,
// after the executor-wide callbacks.
func WithNodeCallbacks(callbacks *NodeCallbacks) Option {
	return func(node *Node) {
		node.callbacks = callbacks
	}
}

func (sg *StateGraph) record(err error) {
	if err != nil {
		sg.errs = append(sg.errs, err)
	}
}

// AddNode adds a node with the given ID and function.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
	return sg
}

// AddEdge adds a normal edge between two nodes. Several edges from the same
// node fan out to all targets in the next super-step.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.record(sg.graph.addEdge(&Edge{From: from, To: to}))
	return sg
}

// AddConditionalEdges adds conditional routing from a node.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	if condition == nil {
		sg.record(fmt.Errorf("conditional edge from %s has no condition", from))
		return sg
	}
	sg.record(sg.graph.addConditionalEdge(&ConditionalEdge{
		From:    from,
		PathMap: pathMap,
		kind:    "condition",
		route: func(ctx context.Context, state State) ([]Send, error) {
			dest, err := condition(ctx, state)
			if err != nil {
				return nil, err
			}
			return []Send{{Node: dest}}, nil
		},
	}))
	return sg
}

// AddMultiConditionalEdges adds routing that may select several nodes.
func (sg *StateGraph) AddMultiConditionalEdges(
	from string,
	condition MultiConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	if condition == nil {
		sg.record(fmt.Errorf("conditional edge from %s has no condition", from))
		return sg
	}
	sg.record(sg.graph.addConditionalEdge(&ConditionalEdge{
		From:    from,
		PathMap: pathMap,
		kind:    "multi",
		route: func(ctx context.Context, state State) ([]Send, error) {
			dests, err := condition(ctx, state)
			if err != nil {
				return nil, err
			}
			sends := make([]Send, 0, len(dests))
			for _, d := range dests {
				sends = append(sends, Send{Node: d})
			}
			return sends, nil
		},
	}))
	return sg
}

// AddSendEdges adds a router that fans out into one task per returned Send.
func (sg *StateGraph) AddSendEdges(from string, router SendFunc) *StateGraph {
	if router == nil {
		sg.record(fmt.Errorf("send edge from %s has no router", from))
		return sg
	}
	sg.record(sg.graph.addConditionalEdge(&ConditionalEdge{
		From:  from,
		kind:  "send",
		route: router,
	}))
	return sg
}

// AddJoinEdge makes to runnable once every node in from has completed.
func (sg *StateGraph) AddJoinEdge(from []string, to string) *StateGraph {
	sg.record(sg.graph.addJoinEdge(&JoinEdge{From: from, To: to}))
	return sg
}

// SetEntryPoint sets the entry point of the graph.
// This is equivalent to addEdge(Start, nodeId).
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.graph.setEntryPoint(nodeID)
	sg.AddEdge(Start, nodeID)
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	sg.AddEdge(nodeID, End)
	return sg
}

// Compile compiles the graph and returns it for execution.
func (sg *StateGraph) Compile() (*Graph, error) {
	if err := errors.Join(sg.errs...); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	graph, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}
