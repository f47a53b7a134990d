//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// EventType classifies a StepEvent.
type EventType string

// Step event types.
const (
	// EventTypeStep is emitted after a super-step was merged and persisted.
	EventTypeStep EventType = "step"
	// EventTypeInterrupted is emitted when the thread suspended.
	EventTypeInterrupted EventType = "interrupted"
	// EventTypeDone is emitted when the frontier is empty.
	EventTypeDone EventType = "done"
	// EventTypeFailed is emitted when the run stopped with an error.
	EventTypeFailed EventType = "failed"
)

// StreamMode selects what a StepEvent carries.
type StreamMode string

// Stream modes.
const (
	// StreamModeValues attaches the full merged state to every event.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates attaches only the partial updates of each node.
	StreamModeUpdates StreamMode = "updates"
)

// NodeUpdate is the partial update one task produced.
type NodeUpdate struct {
	TaskID string
	NodeID string
	Update State
}

// StepEvent reports the progress of a thread.
type StepEvent struct {
	Type         EventType
	ThreadID     string
	Step         int
	CheckpointID string
	// State is the merged state in values mode, and on done events in
	// every mode.
	State State
	// Updates are the node updates of the step in updates mode.
	Updates []NodeUpdate
	// Next lists the nodes of the following super-step.
	Next       []string
	Interrupts []InterruptState
	Err        error
	Timestamp  time.Time
}

// IsTerminal reports whether no further event follows this one.
func (e *StepEvent) IsTerminal() bool {
	return e.Type != EventTypeStep
}
