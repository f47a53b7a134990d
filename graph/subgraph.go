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

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// subgraphSpec describes a compiled graph running as a node.
type subgraphSpec struct {
	graph *Graph
	// input maps parent channels to child channels.
	input map[string]string
	// output maps child channels to parent channels.
	output map[string]string
}

// WithInputMapping projects parent channels onto child channels. Without a
// mapping every parent channel the child declares passes through.
func WithInputMapping(mapping map[string]string) Option {
	return func(node *Node) {
		if node.subgraph != nil {
			node.subgraph.input = mapping
		}
	}
}

// WithOutputMapping projects child channels onto parent channels. Without a
// mapping every child channel the parent declares passes through.
func WithOutputMapping(mapping map[string]string) Option {
	return func(node *Node) {
		if node.subgraph != nil {
			node.subgraph.output = mapping
		}
	}
}

// AddSubgraphNode adds a compiled graph as a node. The child runs on its own
// thread, derived from the parent thread and the task ID, in the same
// checkpoint saver. An interrupt inside the child suspends the parent, and
// resuming the parent resumes the child.
func (sg *StateGraph) AddSubgraphNode(id string, sub *Graph, opts ...Option) *StateGraph {
	if sub == nil {
		sg.record(fmt.Errorf("subgraph node %s has no graph", id))
		return sg
	}
	if err := sub.validate(); err != nil {
		sg.record(fmt.Errorf("subgraph node %s: %w", id, err))
		return sg
	}
	spec := &subgraphSpec{graph: sub}
	node := &Node{
		ID:       id,
		Name:     id,
		Function: spec.run,
		subgraph: spec,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
	return sg
}

// SubgraphThreadID returns the thread a sub-graph task runs on.
func SubgraphThreadID(parentThreadID, taskID string) string {
	return parentThreadID + subgraphThreadSeparator + taskID
}

func (s *subgraphSpec) run(ctx context.Context, state State) (any, error) {
	scope, ok := taskScopeFrom(ctx)
	if !ok {
		return nil, errors.New("subgraph node must run inside an executor")
	}
	child, err := scope.exec.subExecutor(scope.nodeID, s.graph)
	if err != nil {
		return nil, err
	}
	threadID := SubgraphThreadID(scope.threadID, scope.taskID)
	latest, err := child.saver.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load subgraph thread %s: %w", threadID, err)
	}

	var events <-chan *StepEvent
	switch {
	case latest == nil:
		events, err = child.Start(ctx, threadID, s.project(state))
	case latest.IsInterrupted():
		answered, cerr := countResumes(ctx, child, threadID)
		if cerr != nil {
			return nil, cerr
		}
		if len(scope.resumes) <= answered || len(latest.Interrupts) == 0 {
			return nil, childInterrupt(latest.Interrupts)
		}
		// The parent answered the interrupt it was shown, which is the
		// child's first pending one.
		cmd := (&ResumeCommand{}).AddResumeValue(latest.Interrupts[0].TaskID, scope.resumes[answered])
		events, err = child.Resume(ctx, threadID, cmd)
	case latest.Status == StatusDone:
		return s.collect(ctx, scope.exec, child, threadID)
	default:
		events, err = child.Continue(ctx, threadID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("subgraph thread %s: %w", threadID, err)
	}

	last := Drain(events)
	if last == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("subgraph thread %s stopped without a terminal event", threadID)
	}
	switch last.Type {
	case EventTypeFailed:
		return nil, fmt.Errorf("subgraph thread %s: %w", threadID, last.Err)
	case EventTypeInterrupted:
		return nil, childInterrupt(last.Interrupts)
	default:
		return s.collect(ctx, scope.exec, child, threadID)
	}
}

func childInterrupt(pending []InterruptState) error {
	ie := NewInterruptError(nil)
	if len(pending) > 0 {
		ie.Value = pending[0].Value
		ie.Path = pending[0].Path
	}
	return ie
}

// countResumes returns how many resume commands the child thread consumed.
func countResumes(ctx context.Context, child *Executor, threadID string) (int, error) {
	n := 0
	for ckpt, err := range child.saver.History(ctx, threadID) {
		if err != nil {
			return 0, fmt.Errorf("read subgraph thread %s: %w", threadID, err)
		}
		if ckpt.Source == SourceResume {
			n++
		}
	}
	return n, nil
}

// project builds the child input from the parent state.
func (s *subgraphSpec) project(state State) State {
	input := State{}
	if s.input == nil {
		for k, v := range state {
			if _, ok := s.graph.schema.Field(k); ok {
				input[k] = v
			}
		}
		return input
	}
	for from, to := range s.input {
		if v, ok := state[from]; ok {
			input[to] = v
		}
	}
	return input
}

func (s *subgraphSpec) target(parent *StateSchema, childChannel string) (string, bool) {
	if s.output == nil {
		_, ok := parent.Field(childChannel)
		return childChannel, ok
	}
	to, ok := s.output[childChannel]
	return to, ok
}

// collect replays the node writes of the child thread onto the parent
// channels, in the order the child merged them. Input writes are skipped so
// projected values do not flow back.
func (s *subgraphSpec) collect(ctx context.Context, parent, child *Executor, threadID string) (any, error) {
	var updates StateUpdates
	for ckpt, err := range child.saver.History(ctx, threadID) {
		if err != nil {
			return nil, fmt.Errorf("read subgraph thread %s: %w", threadID, err)
		}
		if ckpt.Source == SourceInput {
			continue
		}
		for _, w := range ckpt.Writes {
			to, ok := s.target(parent.graph.schema, w.Channel)
			if !ok {
				continue
			}
			value := w.Value
			if field, ok := parent.graph.schema.Field(to); ok {
				converted, err := channel.Coerce(value, field.Type)
				if err != nil {
					return nil, fmt.Errorf("subgraph output %q: %w", w.Channel, err)
				}
				value = converted
			}
			updates = append(updates, State{to: value})
		}
	}
	return updates, nil
}

func (e *Executor) subExecutor(nodeID string, g *Graph) (*Executor, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if child, ok := e.subExecutors[nodeID]; ok {
		return child, nil
	}
	child, err := NewExecutor(g,
		WithCheckpointSaver(e.saver),
		WithThreadLocker(e.locker),
		WithMaxSteps(e.maxSteps),
		WithMaxConcurrency(e.maxConcurrency),
		WithChannelBufferSize(e.channelBufferSize),
		WithExecutorCallbacks(e.callbacks),
	)
	if err != nil {
		return nil, fmt.Errorf("subgraph node %s: %w", nodeID, err)
	}
	e.subExecutors[nodeID] = child
	return child, nil
}
