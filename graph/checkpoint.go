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
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// CheckpointVersion is the current checkpoint format version.
const CheckpointVersion = 1

// Status is the thread status recorded by a checkpoint.
type Status string

// Thread statuses.
const (
	// StatusRunning marks a checkpoint with a frontier still to run.
	StatusRunning Status = "running"
	// StatusInterrupted marks a checkpoint waiting for a resume command.
	StatusInterrupted Status = "interrupted"
	// StatusDone marks a checkpoint with an empty frontier.
	StatusDone Status = "done"
)

// Checkpoint represents a snapshot of graph state after a super-step.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// ThreadID is the thread the checkpoint belongs to.
	ThreadID string `json:"thread_id"`
	// Step is the position of the checkpoint in the thread log, from 0.
	Step int `json:"step"`
	// ParentID is the ID of the previous checkpoint of the thread.
	ParentID string `json:"parent_id,omitempty"`
	// Source indicates how the checkpoint was created.
	Source string `json:"source"`
	// Status is the thread status after this checkpoint.
	Status Status `json:"status"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// Values contains the channel values at checkpoint time.
	Values map[string]any `json:"channel_values"`
	// Versions contains the write counters of the channels.
	Versions map[string]int64 `json:"channel_versions,omitempty"`
	// UpdatedChannels lists channels written by this step.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// Writes are the channel writes merged by this step, in merge order.
	Writes []PendingWrite `json:"writes,omitempty"`
	// Next is the frontier of the following super-step. For an interrupted
	// checkpoint it holds the tasks waiting for a resume.
	Next []TaskSpec `json:"next,omitempty"`
	// Completed holds the tasks of an interrupted step that already merged
	// their writes and still have to be routed.
	Completed []TaskRecord `json:"completed,omitempty"`
	// Barriers records the sources each join edge has seen.
	Barriers map[string][]string `json:"barriers,omitempty"`
	// Interrupts are the pending interrupts of an interrupted checkpoint.
	Interrupts []InterruptState `json:"interrupts,omitempty"`
}

// PendingWrite is one channel write of a task.
type PendingWrite struct {
	// TaskID is the ID of the task that created this write.
	TaskID string `json:"task_id"`
	// NodeID is the node that ran the task.
	NodeID string `json:"node_id"`
	// Channel is the channel being written to.
	Channel string `json:"channel"`
	// Value is the value being written.
	Value any `json:"value"`
	// Sequence orders the writes of a step.
	Sequence int64 `json:"sequence"`
}

// TaskSpec is a planned node invocation.
type TaskSpec struct {
	ID   string `json:"id"`
	Node string `json:"node"`
	// Input replaces the shared state when Isolated is set.
	Input    State `json:"input,omitempty"`
	Isolated bool  `json:"isolated,omitempty"`
}

// TaskRecord is a finished task whose routing is still pending.
type TaskRecord struct {
	ID      string `json:"id"`
	Node    string `json:"node"`
	Goto    []Send `json:"goto,omitempty"`
	HasGoto bool   `json:"has_goto,omitempty"`
}

// NewCheckpoint creates a checkpoint for threadID at step.
func NewCheckpoint(threadID string, step int, source string, parent *Checkpoint) *Checkpoint {
	c := &Checkpoint{
		Version:   CheckpointVersion,
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Step:      step,
		Source:    source,
		Status:    StatusRunning,
		Timestamp: time.Now().UTC(),
		Values:    map[string]any{},
	}
	if parent != nil {
		c.ParentID = parent.ID
	}
	return c
}

// NextNodes returns the node IDs of the frontier.
func (c *Checkpoint) NextNodes() []string {
	nodes := make([]string, 0, len(c.Next))
	for _, t := range c.Next {
		nodes = append(nodes, t.Node)
	}
	return nodes
}

// IsInterrupted reports whether the checkpoint waits for a resume.
func (c *Checkpoint) IsInterrupted() bool {
	return c != nil && c.Status == StatusInterrupted
}

// Copy returns an independent copy through the wire encoding.
func (c *Checkpoint) Copy() (*Checkpoint, error) {
	data, err := EncodeCheckpoint(c)
	if err != nil {
		return nil, err
	}
	return DecodeCheckpoint(data)
}

// EncodeCheckpoint serializes a checkpoint for storage.
func EncodeCheckpoint(c *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %s/%d: %w", c.ThreadID, c.Step, err)
	}
	return data, nil
}

// DecodeCheckpoint parses a stored checkpoint.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	return &c, nil
}

// CheckpointSaver defines the interface for checkpoint storage implementations.
//
// Put is append-only: a checkpoint whose step is not greater than the
// latest step of its thread is rejected with ErrStepConflict.
type CheckpointSaver interface {
	// Put stores a new checkpoint.
	Put(ctx context.Context, ckpt *Checkpoint) error
	// Get returns the checkpoint of threadID at step, or nil when absent.
	Get(ctx context.Context, threadID string, step int) (*Checkpoint, error)
	// Latest returns the checkpoint with the highest step, or nil when the
	// thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	// History yields the checkpoints of threadID oldest first. The sequence
	// is lazy and may be ranged over more than once.
	History(ctx context.Context, threadID string) iter.Seq2[*Checkpoint, error]
	// DeleteThread removes every checkpoint of threadID.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// ThreadLocker grants one writer per thread.
type ThreadLocker interface {
	// TryLock acquires threadID without waiting. It returns ErrThreadBusy
	// when another writer holds it.
	TryLock(ctx context.Context, threadID string) (unlock func(), err error)
}

// StateSnapshot is the inspectable state of a thread.
type StateSnapshot struct {
	ThreadID     string
	CheckpointID string
	Step         int
	Status       Status
	Values       State
	// Next lists the nodes of the frontier, or the nodes waiting for a
	// resume when the thread is interrupted.
	Next       []string
	Interrupts []InterruptState
	Created    time.Time
}
