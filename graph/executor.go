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
	"iter"
	"sync"

	"github.com/panjf2000/ants/v2"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// Default executor settings.
const (
	DefaultChannelBufferSize = 256
	DefaultMaxSteps          = 100
	DefaultMaxConcurrency    = 64
)

// Executor runs a compiled graph on threads persisted by a CheckpointSaver.
// One Executor may serve many threads concurrently; each thread has at most
// one active writer.
type Executor struct {
	graph             *Graph
	saver             CheckpointSaver
	locker            ThreadLocker
	channelBufferSize int
	maxSteps          int
	maxConcurrency    int
	streamMode        StreamMode
	callbacks         *NodeCallbacks
	pool              *ants.Pool
	instruments       *instruments

	subMu        sync.Mutex
	subExecutors map[string]*Executor
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for event channels (default: 256).
	ChannelBufferSize int
	// MaxSteps bounds the super-steps of one Start, Resume or Continue call (default: 100).
	MaxSteps int
	// MaxConcurrency is the size of the node worker pool (default: 64).
	MaxConcurrency int
	// CheckpointSaver persists threads. Required.
	CheckpointSaver CheckpointSaver
	// ThreadLocker serializes writers per thread (default: in-process).
	ThreadLocker ThreadLocker
	// StreamMode selects the payload of step events (default: values).
	StreamMode StreamMode
	// NodeCallbacks run around every node.
	NodeCallbacks *NodeCallbacks
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxSteps sets the maximum number of super-steps per call.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithMaxConcurrency sets how many nodes may run at the same time.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxConcurrency = n
	}
}

// WithCheckpointSaver sets the checkpoint saver.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithThreadLocker sets the per-thread writer lock, e.g. a distributed one
// when several processes share a saver.
func WithThreadLocker(locker ThreadLocker) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ThreadLocker = locker
	}
}

// WithStreamMode sets the payload of step events.
func WithStreamMode(mode StreamMode) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.StreamMode = mode
	}
}

// WithExecutorCallbacks sets callbacks that run around every node.
func WithExecutorCallbacks(callbacks *NodeCallbacks) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.NodeCallbacks = callbacks
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	if err := graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := ExecutorOptions{
		ChannelBufferSize: DefaultChannelBufferSize,
		MaxSteps:          DefaultMaxSteps,
		MaxConcurrency:    DefaultMaxConcurrency,
		StreamMode:        StreamModeValues,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.CheckpointSaver == nil {
		return nil, errors.New("checkpoint saver is required")
	}
	if options.ThreadLocker == nil {
		options.ThreadLocker = NewLocalLocker()
	}
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = DefaultMaxConcurrency
	}
	if options.ChannelBufferSize < 0 {
		options.ChannelBufferSize = 0
	}
	switch options.StreamMode {
	case StreamModeValues, StreamModeUpdates:
	default:
		return nil, fmt.Errorf("unsupported stream mode %q", options.StreamMode)
	}
	pool, err := ants.NewPool(options.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Executor{
		graph:             graph,
		saver:             options.CheckpointSaver,
		locker:            options.ThreadLocker,
		channelBufferSize: options.ChannelBufferSize,
		maxSteps:          options.MaxSteps,
		maxConcurrency:    options.MaxConcurrency,
		streamMode:        options.StreamMode,
		callbacks:         options.NodeCallbacks,
		pool:              pool,
		instruments:       newInstruments(),
		subExecutors:      make(map[string]*Executor),
	}, nil
}

// Graph returns the executed graph.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// Close releases the worker pools of the executor and of its sub-graphs.
func (e *Executor) Close() {
	e.subMu.Lock()
	children := make([]*Executor, 0, len(e.subExecutors))
	for _, c := range e.subExecutors {
		children = append(children, c)
	}
	e.subMu.Unlock()
	for _, c := range children {
		c.Close()
	}
	e.pool.Release()
}

func (e *Executor) lock(ctx context.Context, threadID string) (func(), error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	unlock, err := e.locker.TryLock(ctx, threadID)
	if errors.Is(err, ErrThreadBusy) {
		return nil, &ThreadBusyError{ThreadID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	return unlock, nil
}

// Start runs a new thread from the entry point with input applied to the
// channel defaults. A thread that already has checkpoints is rejected with
// ErrThreadAlreadyStarted. Errors in input are returned directly; errors of
// the run are delivered as a failed event.
//
// The thread stays locked until the returned channel closes. A caller that
// stops reading before then must cancel ctx, or the run blocks once the
// channel buffer is full. The same holds for Resume and Continue.
func (e *Executor) Start(ctx context.Context, threadID string, input State) (<-chan *StepEvent, error) {
	unlock, err := e.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	latest, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if latest != nil {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrThreadAlreadyStarted, threadID)
	}
	r := e.newRun(threadID)
	if err := r.seed(ctx, input, nil); err != nil {
		unlock()
		return nil, err
	}
	return e.launch(ctx, r, r.nextPlan(), unlock), nil
}

// Resume answers the pending interrupts of threadID and continues the run.
// Only the interrupted tasks cmd answers run again; the others stay pending
// and the thread suspends again once the answered ones settle. A command
// that answers no pending task fails with ErrNoResumeValue.
func (e *Executor) Resume(ctx context.Context, threadID string, cmd *ResumeCommand) (<-chan *StepEvent, error) {
	unlock, err := e.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	latest, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if !latest.IsInterrupted() {
		unlock()
		return nil, &InterruptWithoutResumeError{ThreadID: threadID}
	}
	r := e.newRun(threadID)
	if err := r.restore(latest); err != nil {
		unlock()
		return nil, err
	}
	plan, err := r.resumePlan(cmd)
	if err != nil {
		unlock()
		return nil, err
	}
	return e.launch(ctx, r, plan, unlock), nil
}

// Continue drives a thread that is not interrupted. A finished thread runs
// again from the entry point with input applied to its state, which is how
// multi-turn threads proceed. A thread whose last checkpoint still has a
// frontier, e.g. after a crash, runs that frontier; input must be empty then.
func (e *Executor) Continue(ctx context.Context, threadID string, input State) (<-chan *StepEvent, error) {
	unlock, err := e.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	latest, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if latest == nil {
		unlock()
		return nil, fmt.Errorf("%w: thread %s", ErrCheckpointNotFound, threadID)
	}
	r := e.newRun(threadID)
	switch latest.Status {
	case StatusInterrupted:
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrThreadInterrupted, threadID)
	case StatusDone:
		if err := r.restore(latest); err != nil {
			unlock()
			return nil, err
		}
		if err := r.seed(ctx, input, latest); err != nil {
			unlock()
			return nil, err
		}
	default:
		if len(input) > 0 {
			unlock()
			return nil, fmt.Errorf("thread %s has a pending frontier, input is not accepted", threadID)
		}
		if err := r.restore(latest); err != nil {
			unlock()
			return nil, err
		}
	}
	return e.launch(ctx, r, r.nextPlan(), unlock), nil
}

// Invoke starts threadID and waits for it to stop. It returns the final
// state, the pending interrupts if the thread suspended, and the run error.
func (e *Executor) Invoke(ctx context.Context, threadID string, input State) (State, []InterruptState, error) {
	events, err := e.Start(ctx, threadID, input)
	if err != nil {
		return nil, nil, err
	}
	return e.wait(ctx, threadID, events)
}

// InvokeResume resumes threadID and waits for it to stop.
func (e *Executor) InvokeResume(ctx context.Context, threadID string, cmd *ResumeCommand) (State, []InterruptState, error) {
	events, err := e.Resume(ctx, threadID, cmd)
	if err != nil {
		return nil, nil, err
	}
	return e.wait(ctx, threadID, events)
}

func (e *Executor) wait(ctx context.Context, threadID string, events <-chan *StepEvent) (State, []InterruptState, error) {
	last := Drain(events)
	if last == nil {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("thread %s stopped without a terminal event", threadID)
	}
	switch last.Type {
	case EventTypeFailed:
		return nil, nil, last.Err
	case EventTypeInterrupted:
		snap, err := e.GetState(ctx, threadID)
		if err != nil {
			return nil, nil, err
		}
		return snap.Values, last.Interrupts, nil
	default:
		return last.State, nil, nil
	}
}

// Drain consumes events and returns the terminal one, or nil when the
// stream closed without one.
func Drain(events <-chan *StepEvent) *StepEvent {
	var last *StepEvent
	for ev := range events {
		if ev.IsTerminal() {
			last = ev
		}
	}
	return last
}

// GetState returns the latest state of threadID. It only reads.
func (e *Executor) GetState(ctx context.Context, threadID string) (*StateSnapshot, error) {
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	latest, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: thread %s", ErrCheckpointNotFound, threadID)
	}
	store := e.graph.schema.newStore()
	if err := store.Restore(latest.Values, latest.Versions); err != nil {
		return nil, fmt.Errorf("restore thread %s: %w", threadID, err)
	}
	return &StateSnapshot{
		ThreadID:     threadID,
		CheckpointID: latest.ID,
		Step:         latest.Step,
		Status:       latest.Status,
		Values:       State(store.Snapshot()),
		Next:         latest.NextNodes(),
		Interrupts:   latest.Interrupts,
		Created:      latest.Timestamp,
	}, nil
}

// History yields the checkpoints of threadID oldest first.
func (e *Executor) History(ctx context.Context, threadID string) iter.Seq2[*Checkpoint, error] {
	return e.saver.History(ctx, threadID)
}

// DeleteThread removes the checkpoints of threadID and of the threads its
// sub-graph tasks ran on.
func (e *Executor) DeleteThread(ctx context.Context, threadID string) error {
	unlock, err := e.lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := e.deleteSubgraphThreads(ctx, threadID); err != nil {
		return err
	}
	return e.saver.DeleteThread(ctx, threadID)
}

// deleteSubgraphThreads deletes the child thread of every sub-graph task
// planned on threadID. Children delete their own children in turn.
func (e *Executor) deleteSubgraphThreads(ctx context.Context, threadID string) error {
	type childTask struct {
		node   *Node
		taskID string
	}
	var (
		children []childTask
		seen     = make(map[string]bool)
	)
	for ckpt, err := range e.saver.History(ctx, threadID) {
		if err != nil {
			return fmt.Errorf("read thread %s: %w", threadID, err)
		}
		for _, spec := range ckpt.Next {
			node, ok := e.graph.Node(spec.Node)
			if !ok || node.subgraph == nil || seen[spec.ID] {
				continue
			}
			seen[spec.ID] = true
			children = append(children, childTask{node: node, taskID: spec.ID})
		}
	}
	for _, c := range children {
		child, err := e.subExecutor(c.node.ID, c.node.subgraph.graph)
		if err != nil {
			return err
		}
		if err := child.DeleteThread(ctx, SubgraphThreadID(threadID, c.taskID)); err != nil {
			return fmt.Errorf("delete subgraph thread of task %s: %w", c.taskID, err)
		}
	}
	return nil
}

func (e *Executor) launch(ctx context.Context, r *run, plan *stepPlan, unlock func()) <-chan *StepEvent {
	events := make(chan *StepEvent, e.channelBufferSize)
	r.events = events
	go func() {
		defer close(events)
		defer unlock()
		ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameExecuteGraph)
		defer span.End()
		span.SetAttributes(threadAttr(r.threadID))
		r.loop(ctx, plan)
	}()
	return events
}

func logRunEnd(l log.Logger, ev *StepEvent) {
	switch ev.Type {
	case EventTypeFailed:
		l.Warnf("failed at step %d: %v", ev.Step, ev.Err)
	case EventTypeInterrupted:
		l.Infof("interrupted at step %d (%d pending)", ev.Step, len(ev.Interrupts))
	case EventTypeDone:
		l.Infof("done at step %d", ev.Step)
	}
}
