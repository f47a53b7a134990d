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
	"fmt"
	"runtime/debug"
	"time"
)

// NodeCallbackContext describes the task a callback runs for.
type NodeCallbackContext struct {
	NodeID   string
	NodeName string
	TaskID   string
	ThreadID string
	// Step is the super-step the task belongs to.
	Step    int
	Started time.Time
	// Resumed is set when the task is replayed to answer an interrupt.
	Resumed bool
}

// BeforeNodeCallback runs before the node function. A non-nil result
// replaces the node function, which is then skipped. An error fails the
// task.
type BeforeNodeCallback func(ctx context.Context, cb *NodeCallbackContext, state State) (any, error)

// AfterNodeCallback runs after the node function with its result and
// error. A non-nil result replaces the result seen by later callbacks and
// by the executor.
type AfterNodeCallback func(
	ctx context.Context,
	cb *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error)

// OnNodeErrorCallback observes a failed task. Interrupts are not failures
// and never reach it.
type OnNodeErrorCallback func(ctx context.Context, cb *NodeCallbackContext, state State, err error)

// NodeCallbacks are hooks around node execution. A set can be attached to
// the executor, to a single node, or both; executor hooks run first.
type NodeCallbacks struct {
	BeforeNode  []BeforeNodeCallback
	AfterNode   []AfterNodeCallback
	OnNodeError []OnNodeErrorCallback
}

// NewNodeCallbacks creates an empty set of hooks.
func NewNodeCallbacks() *NodeCallbacks {
	return &NodeCallbacks{}
}

// RegisterBeforeNode appends a before hook.
func (c *NodeCallbacks) RegisterBeforeNode(cb BeforeNodeCallback) *NodeCallbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode appends an after hook.
func (c *NodeCallbacks) RegisterAfterNode(cb AfterNodeCallback) *NodeCallbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError appends an error hook.
func (c *NodeCallbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *NodeCallbacks {
	c.OnNodeError = append(c.OnNodeError, cb)
	return c
}

// invoke runs fn wrapped in the hooks. A panic in fn or in a hook becomes
// an error. Interrupts pass through untouched so the after hooks only see
// the replayed run that completes.
func (c *NodeCallbacks) invoke(ctx context.Context, cb *NodeCallbackContext, fn NodeFunc, input State) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("node %s panicked: %v\n%s", cb.NodeID, p, debug.Stack())
		}
	}()
	result, err = c.before(ctx, cb, input)
	if err != nil {
		return nil, fmt.Errorf("before node callback: %w", err)
	}
	if result == nil {
		result, err = fn(ctx, input)
	}
	if IsInterruptError(err) {
		return nil, err
	}
	result, cbErr := c.after(ctx, cb, input, result, err)
	switch {
	case cbErr != nil:
		return nil, fmt.Errorf("after node callback: %w", cbErr)
	case err != nil:
		return nil, err
	}
	return result, nil
}

func (c *NodeCallbacks) before(ctx context.Context, cb *NodeCallbackContext, state State) (any, error) {
	for _, hook := range c.BeforeNode {
		custom, err := hook(ctx, cb, state)
		if err != nil || custom != nil {
			return custom, err
		}
	}
	return nil, nil
}

func (c *NodeCallbacks) after(
	ctx context.Context,
	cb *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error) {
	for _, hook := range c.AfterNode {
		custom, err := hook(ctx, cb, state, result, nodeErr)
		if err != nil {
			return nil, err
		}
		if custom != nil {
			result = custom
		}
	}
	return result, nil
}

func (c *NodeCallbacks) failed(ctx context.Context, cb *NodeCallbackContext, state State, err error) {
	for _, hook := range c.OnNodeError {
		hook(ctx, cb, state, err)
	}
}

// mergeCallbacks concatenates the hook sets in order, skipping nil sets.
func mergeCallbacks(sets ...*NodeCallbacks) *NodeCallbacks {
	merged := NewNodeCallbacks()
	for _, s := range sets {
		if s == nil {
			continue
		}
		merged.BeforeNode = append(merged.BeforeNode, s.BeforeNode...)
		merged.AfterNode = append(merged.AfterNode, s.AfterNode...)
		merged.OnNodeError = append(merged.OnNodeError, s.OnNodeError...)
	}
	return merged
}
