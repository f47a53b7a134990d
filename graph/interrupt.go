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
	"strings"
	"sync"
	"time"
)

// InterruptError is the sentinel a node returns to suspend its thread.
// It is produced by Interrupt and consumed by the Executor.
type InterruptError struct {
	// Value is the value that was passed to Interrupt.
	Value any
	// NodeID is the ID of the node where the interrupt occurred.
	NodeID string
	// TaskID is the ID of the task that was interrupted.
	TaskID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Ordinal is the index of the Interrupt call within the task run.
	Ordinal int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
	// Path is the node path below the interrupted node, set when the
	// interrupt was raised inside a sub-graph.
	Path []string
}

// Error returns the error message for the interrupt.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", e.NodeID, e.Step, e.Value)
}

// NewInterruptError creates a new InterruptError with the given value.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterruptError checks if an error is or wraps an InterruptError.
func IsInterruptError(err error) bool {
	_, ok := GetInterruptError(err)
	return ok
}

// GetInterruptError extracts InterruptError from an error chain.
func GetInterruptError(err error) (*InterruptError, bool) {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}

// InterruptState is a pending interrupt of a thread.
type InterruptState struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
	Value  any    `json:"value,omitempty"`
	// Path is the node path from the top-level node to the interrupting node.
	Path []string `json:"path,omitempty"`
	// Resumes holds the answers already given to earlier Interrupt calls of
	// the task, by ordinal.
	Resumes []any     `json:"resumes,omitempty"`
	Created time.Time `json:"created"`
}

// PathString joins the interrupt path with "/".
func (s *InterruptState) PathString() string {
	return strings.Join(s.Path, "/")
}

type taskScopeKey struct{}

// taskScope identifies the node run a context belongs to.
type taskScope struct {
	exec     *Executor
	threadID string
	taskID   string
	nodeID   string
	step     int

	mu      sync.Mutex
	resumes []any
	ordinal int
}

func withTaskScope(ctx context.Context, scope *taskScope) context.Context {
	return context.WithValue(ctx, taskScopeKey{}, scope)
}

func taskScopeFrom(ctx context.Context) (*taskScope, bool) {
	scope, ok := ctx.Value(taskScopeKey{}).(*taskScope)
	return scope, ok
}

// Interrupt suspends the current node.
//
// The first time a call site is reached it returns a nil value and an
// *InterruptError that the node must return. After the thread is resumed the
// node runs again from its beginning and the same call returns the resume
// value with a nil error. Calls are matched by their order within the node,
// so a node may interrupt several times.
func Interrupt(ctx context.Context, payload any) (any, error) {
	scope, ok := taskScopeFrom(ctx)
	if !ok {
		return nil, ErrInterruptOutsideNode
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	idx := scope.ordinal
	scope.ordinal++
	if idx < len(scope.resumes) {
		return scope.resumes[idx], nil
	}
	return nil, &InterruptError{
		Value:     payload,
		NodeID:    scope.nodeID,
		TaskID:    scope.taskID,
		Step:      scope.step,
		Ordinal:   idx,
		Timestamp: time.Now().UTC(),
	}
}

// CurrentThreadID returns the thread a node runs on.
func CurrentThreadID(ctx context.Context) (string, bool) {
	scope, ok := taskScopeFrom(ctx)
	if !ok {
		return "", false
	}
	return scope.threadID, true
}

// CurrentTaskID returns the ID of the task a node runs as.
func CurrentTaskID(ctx context.Context) (string, bool) {
	scope, ok := taskScopeFrom(ctx)
	if !ok {
		return "", false
	}
	return scope.taskID, true
}
