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
	"errors"
	"fmt"
)

// Errors.
var (
	ErrThreadBusy           = errors.New("thread is busy")
	ErrNoPendingInterrupt   = errors.New("thread has no pending interrupt")
	ErrNoResumeValue        = errors.New("resume command answers no pending interrupt")
	ErrUnknownChannel       = errors.New("unknown channel")
	ErrRouterAmbiguity      = errors.New("router returned an unknown destination")
	ErrNodeExecution        = errors.New("node execution failed")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrStepConflict         = errors.New("checkpoint step already written")
	ErrMaxStepsExceeded     = errors.New("max steps exceeded")
	ErrThreadAlreadyStarted = errors.New("thread already started")
	ErrThreadInterrupted    = errors.New("thread is interrupted")
	ErrInterruptOutsideNode = errors.New("interrupt called outside of a node")
	ErrThreadIDRequired     = errors.New("thread_id is required")
)

// UnknownChannelError reports a write to a channel the schema does not declare.
type UnknownChannelError struct {
	Channel string
	// NodeID is empty when the write came from caller input.
	NodeID string
}

func (e *UnknownChannelError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("unknown channel %q in input", e.Channel)
	}
	return fmt.Sprintf("node %q wrote unknown channel %q", e.NodeID, e.Channel)
}

// Unwrap returns ErrUnknownChannel.
func (e *UnknownChannelError) Unwrap() error { return ErrUnknownChannel }

// RouterAmbiguityError reports a routing decision naming a destination that
// is not part of the edge table.
type RouterAmbiguityError struct {
	From        string
	Destination string
}

func (e *RouterAmbiguityError) Error() string {
	return fmt.Sprintf("router of %q returned unknown destination %q", e.From, e.Destination)
}

// Unwrap returns ErrRouterAmbiguity.
func (e *RouterAmbiguityError) Unwrap() error { return ErrRouterAmbiguity }

// ThreadBusyError reports that another writer holds the thread.
type ThreadBusyError struct {
	ThreadID string
}

func (e *ThreadBusyError) Error() string {
	return fmt.Sprintf("thread %q is busy", e.ThreadID)
}

// Unwrap returns ErrThreadBusy.
func (e *ThreadBusyError) Unwrap() error { return ErrThreadBusy }

// NodeExecutionError wraps the error returned by a node body.
type NodeExecutionError struct {
	NodeID string
	TaskID string
	Step   int
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (task %s, step %d) failed: %v", e.NodeID, e.TaskID, e.Step, e.Err)
}

// Unwrap exposes both ErrNodeExecution and the node's own error.
func (e *NodeExecutionError) Unwrap() []error { return []error{ErrNodeExecution, e.Err} }

// InterruptWithoutResumeError reports a resume on a thread that is not
// waiting for one.
type InterruptWithoutResumeError struct {
	ThreadID string
}

func (e *InterruptWithoutResumeError) Error() string {
	return fmt.Sprintf("thread %q has no pending interrupt", e.ThreadID)
}

// Unwrap returns ErrNoPendingInterrupt.
func (e *InterruptWithoutResumeError) Unwrap() error { return ErrNoPendingInterrupt }
